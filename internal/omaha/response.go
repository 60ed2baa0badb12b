// Package omaha models the parts of an update-check response the agent acts
// on, and provides the client that fetches one from the update server.
package omaha

import (
	"fmt"
	"strings"
)

// Response carries the fields of an update-check response that drive
// download and retry behavior. Anything else the server sends is handled
// upstream and never reaches the payload state machine.
type Response struct {
	// URLs is the ordered list of candidate payload URLs.
	URLs []string `json:"urls"`

	// Size is the payload size in bytes.
	Size int64 `json:"size"`

	// SHA256 is the expected payload hash, hex encoded.
	SHA256 string `json:"sha256"`

	// MetadataSize is the size of the payload metadata block in bytes.
	MetadataSize int64 `json:"metadata_size"`

	// MetadataSignature is the signature over the metadata block.
	MetadataSignature string `json:"metadata_signature"`

	// IsDelta marks a delta payload relative to the running image.
	IsDelta bool `json:"is_delta"`

	// MaxFailureCountPerURL is how many consecutive transient failures a
	// single URL is granted before the agent rotates to the next one.
	MaxFailureCountPerURL int64 `json:"max_failure_count_per_url"`

	// DisableBackoff lets the server suppress download backoff entirely.
	DisableBackoff bool `json:"disable_payload_backoff"`
}

// Fingerprint returns the canonical serialization of the response fields
// that affect retry behavior. Two responses with equal fingerprints describe
// the same update, and in-progress attempt state may be carried across them.
// The byte form is stable across releases; do not reorder or reformat.
func (r *Response) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "NumURLs = %d\n", len(r.URLs))
	for i, u := range r.URLs {
		fmt.Fprintf(&b, "Url%d = %s\n", i, u)
	}
	fmt.Fprintf(&b, "Payload Size = %d\n", r.Size)
	fmt.Fprintf(&b, "Payload Sha256 Hash = %s\n", r.SHA256)
	fmt.Fprintf(&b, "Metadata Size = %d\n", r.MetadataSize)
	fmt.Fprintf(&b, "Metadata Signature = %s\n", r.MetadataSignature)
	fmt.Fprintf(&b, "Is Delta Payload = %d\n", boolToInt(r.IsDelta))
	fmt.Fprintf(&b, "Max Failure Count Per Url = %d\n", r.MaxFailureCountPerURL)
	fmt.Fprintf(&b, "Disable Payload Backoff = %d\n", boolToInt(r.DisableBackoff))
	return b.String()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
