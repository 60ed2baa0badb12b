// Command mockserver runs a standalone mock update server for exercising
// the agent locally: it serves an update document and its payload, with
// optional injected faults.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/offlinehacker/updatekit/internal/mockserver"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Listen address")
	payloadSize := flag.Int("payload-size", 1<<20, "Size of the served payload in bytes")
	isDelta := flag.Bool("delta", false, "Serve the payload as a delta")
	maxFailures := flag.Int64("max-failures-per-url", 3, "Max failure count per URL in the update document")
	disableBackoff := flag.Bool("disable-backoff", false, "Disable backoff in the update document")
	failRequests := flag.Int64("fail-requests", 0, "Fail the first N payload requests with HTTP 500")
	truncateRequests := flag.Int64("truncate-requests", 0, "Truncate the next N payload requests")
	corruptRequests := flag.Int64("corrupt-requests", 0, "Corrupt the next N payload requests")
	flag.Parse()

	cfg := &mockserver.Config{
		Addr:                  *addr,
		PayloadSize:           *payloadSize,
		IsDelta:               *isDelta,
		MaxFailureCountPerURL: *maxFailures,
		DisableBackoff:        *disableBackoff,
	}
	cfg.SetBehavior(&mockserver.FaultProfile{
		FailRequests:     *failRequests,
		TruncateRequests: *truncateRequests,
		CorruptRequests:  *corruptRequests,
	})

	srv := mockserver.New(cfg)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start mock update server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Mock update server listening on %s\n", srv.Addr())
	fmt.Printf("Update document: %s/update\n", srv.BaseURL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
}
