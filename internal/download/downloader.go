// Package download streams payloads from a URL, reporting progress to the
// payload state machine and verifying size and content hash at the end.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/offlinehacker/updatekit/internal/config"
	"github.com/offlinehacker/updatekit/internal/payload"
)

// Error couples a transport or verification failure with the error code the
// payload state machine classifies.
type Error struct {
	Code payload.ErrorCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("download: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Downloader fetches payload bytes over HTTP(S).
type Downloader struct {
	httpClient *http.Client
	chunkSize  int
}

func New(httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{
		httpClient: httpClient,
		chunkSize:  config.DefaultDownloadChunkBytes,
	}
}

// Fetch downloads url into w, calling onProgress with each chunk's byte
// count as it lands. The payload is rejected if its size or SHA-256 does
// not match the response's expectations. Errors carry the ErrorCode the
// caller feeds into UpdateFailed.
func (d *Downloader) Fetch(ctx context.Context, url string, w io.Writer, expectedSize int64, expectedSHA256 string, onProgress func(int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Code: payload.CodeDownloadStateInitializationError, Err: err}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &Error{Code: payload.CodeDownloadTransferError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Code: payload.CodeDownloadTransferError,
			Err:  fmt.Errorf("HTTP %d from payload server", resp.StatusCode),
		}
	}

	hasher := sha256.New()
	buf := make([]byte, d.chunkSize)
	var received int64

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			hasher.Write(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return &Error{Code: payload.CodeDownloadWriteError, Err: writeErr}
			}
			if onProgress != nil {
				onProgress(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &Error{Code: payload.CodeDownloadTransferError, Err: readErr}
		}
	}

	if received != expectedSize {
		return &Error{
			Code: payload.CodePayloadSizeMismatch,
			Err:  fmt.Errorf("payload size %d, expected %d", received, expectedSize),
		}
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != expectedSHA256 {
		return &Error{
			Code: payload.CodePayloadHashMismatch,
			Err:  fmt.Errorf("payload sha256 %s, expected %s", got, expectedSHA256),
		}
	}
	return nil
}

// Code extracts the classified error code from a download error, mapping
// anything unexpected to the generic failure code.
func Code(err error) payload.ErrorCode {
	if err == nil {
		return payload.CodeSuccess
	}
	if derr, ok := err.(*Error); ok {
		return derr.Code
	}
	return payload.CodeError
}
