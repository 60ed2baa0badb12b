// Package mockserver implements a mock update server for local runs and
// end-to-end tests: it serves a response document and the payload bytes it
// describes, with an injectable fault profile.
package mockserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/offlinehacker/updatekit/internal/omaha"
)

// Config configures the mock server.
type Config struct {
	Addr string

	// PayloadSize is the size of the generated payload in bytes.
	PayloadSize int

	// IsDelta marks the served payload as a delta.
	IsDelta bool

	// MaxFailureCountPerURL is echoed into the response document.
	MaxFailureCountPerURL int64

	// DisableBackoff is echoed into the response document.
	DisableBackoff bool

	behavior FaultProfile
}

// SetBehavior installs a fault profile.
func (c *Config) SetBehavior(b *FaultProfile) {
	if b == nil {
		return
	}
	c.behavior = *b
}

// DefaultConfig returns a config serving a small healthy payload.
func DefaultConfig() *Config {
	return &Config{
		Addr:                  "127.0.0.1:0",
		PayloadSize:           256 * 1024,
		MaxFailureCountPerURL: 3,
	}
}

// FaultProfile controls payload-serving misbehavior. Counters are consumed
// in order: failures first, then truncations, then corruptions.
type FaultProfile struct {
	// FailRequests makes the first N payload requests return HTTP 500.
	FailRequests int64

	// TruncateRequests makes the next N payload requests stop halfway.
	TruncateRequests int64

	// CorruptRequests makes the next N payload requests flip a byte.
	CorruptRequests int64
}

// Server is the mock update server interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	BaseURL() string
	Response() *omaha.Response
}

// New creates a new mock update server.
func New(config *Config) Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &mockServer{cfg: config}
}

// StartTestServer starts a server with defaults and returns cleanup.
func StartTestServer() (server Server, cleanup func()) {
	cfg := DefaultConfig()
	srv := New(cfg)
	if err := srv.Start(); err != nil {
		return srv, func() {}
	}
	cleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
	return srv, cleanup
}

type mockServer struct {
	cfg        *Config
	httpServer *http.Server
	listener   net.Listener
	addr       string

	payload []byte
	digest  string

	failLeft     atomic.Int64
	truncateLeft atomic.Int64
	corruptLeft  atomic.Int64
}

func (s *mockServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mockserver listen: %w", err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	s.payload = bytes.Repeat([]byte{0xA5}, s.cfg.PayloadSize)
	sum := sha256.Sum256(s.payload)
	s.digest = hex.EncodeToString(sum[:])

	s.failLeft.Store(s.cfg.behavior.FailRequests)
	s.truncateLeft.Store(s.cfg.behavior.TruncateRequests)
	s.corruptLeft.Store(s.cfg.behavior.CorruptRequests)

	mux := http.NewServeMux()
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/payload", s.handlePayload)

	s.httpServer = &http.Server{Handler: mux}
	go s.httpServer.Serve(ln)
	return nil
}

func (s *mockServer) Stop(ctx context.Context) {
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
}

func (s *mockServer) Addr() string { return s.addr }

func (s *mockServer) BaseURL() string { return "http://" + s.addr }

// Response returns the document served at /update.
func (s *mockServer) Response() *omaha.Response {
	return &omaha.Response{
		URLs:                  []string{s.BaseURL() + "/payload"},
		Size:                  int64(len(s.payload)),
		SHA256:                s.digest,
		IsDelta:               s.cfg.IsDelta,
		MaxFailureCountPerURL: s.cfg.MaxFailureCountPerURL,
		DisableBackoff:        s.cfg.DisableBackoff,
	}
}

func (s *mockServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Response())
}

func (s *mockServer) handlePayload(w http.ResponseWriter, r *http.Request) {
	if s.failLeft.Add(-1) >= 0 {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if s.truncateLeft.Add(-1) >= 0 {
		w.Write(s.payload[:len(s.payload)/2])
		return
	}
	if s.corruptLeft.Add(-1) >= 0 {
		corrupt := append([]byte{}, s.payload...)
		corrupt[0] ^= 0xff
		w.Write(corrupt)
		return
	}
	w.Write(s.payload)
}
