// Command agent runs the over-the-air update agent: it periodically checks
// the update server, downloads payloads under the payload state machine's
// URL and backoff decisions, and reports telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/offlinehacker/updatekit/internal/clock"
	"github.com/offlinehacker/updatekit/internal/config"
	"github.com/offlinehacker/updatekit/internal/download"
	"github.com/offlinehacker/updatekit/internal/events"
	"github.com/offlinehacker/updatekit/internal/omaha"
	"github.com/offlinehacker/updatekit/internal/payload"
	"github.com/offlinehacker/updatekit/internal/prefs"
	"github.com/offlinehacker/updatekit/internal/sysinfo"
	"github.com/offlinehacker/updatekit/internal/telemetry"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Update server base URL")
	dbPath := flag.String("db", "updatekit.db", "Path to the agent's state database")
	downloadDir := flag.String("download-dir", os.TempDir(), "Directory for downloaded payloads")
	deviceID := flag.String("device-id", "", "Device identifier attached to all events")
	checkSchedule := flag.String("check-schedule", config.DefaultCheckSchedule, "Cron spec for periodic update checks")
	once := flag.Bool("once", false, "Run a single update check and exit")
	metricsExporter := flag.String("metrics-exporter", "none", "Metrics exporter: none, stdout, otlp-grpc, otlp-http")
	traceExporter := flag.String("trace-exporter", "none", "Trace exporter: none, stdout, otlp-grpc, otlp-http")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP endpoint for metrics and traces")
	otlpInsecure := flag.Bool("otlp-insecure", false, "Disable TLS for OTLP connections")
	flag.Parse()

	if *deviceID == "" {
		hostname, _ := os.Hostname()
		*deviceID = hostname
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := events.NewEventLogger(*deviceID)
	logger := ev.Logger()

	store, err := prefs.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	metrics, err := telemetry.NewMetrics(ctx, &telemetry.MetricsConfig{
		Enabled:      *metricsExporter != "none",
		ServiceName:  "updatekit",
		ExporterType: telemetry.ExporterType(*metricsExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: *otlpInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up metrics: %v\n", err)
		os.Exit(1)
	}
	defer metrics.Shutdown(context.Background())

	tracer, err := telemetry.NewTracer(ctx, &telemetry.TracerConfig{
		Enabled:      *traceExporter != "none",
		ServiceName:  "updatekit",
		ExporterType: telemetry.ExporterType(*traceExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: *otlpInsecure,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up tracing: %v\n", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	state := payload.New(payload.Deps{
		Store:  store,
		Clock:  clock.NewSystem(),
		Rand:   payload.SystemRand(),
		Sink:   metrics,
		Build:  sysinfo.NewBuild(),
		Reboot: sysinfo.NewRebootDetector(store, logger),
		Logger: logger,
	})
	state.Initialize()
	state.UpdateResumed()

	agent := &updateAgent{
		state:       state,
		client:      omaha.NewClient(*serverURL, &http.Client{Timeout: config.DefaultHTTPTimeout}, omaha.RetryConfig{MaxRetries: 2, Backoff: time.Second, MaxBackoff: 10 * time.Second}),
		downloader:  download.New(nil),
		events:      ev,
		tracer:      tracer,
		downloadDir: *downloadDir,
	}

	if *once {
		agent.checkAndDownload(ctx)
		return
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(*checkSchedule, func() { agent.checkAndDownload(ctx) }); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid check schedule %q: %v\n", *checkSchedule, err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// First check runs immediately; the schedule covers the rest.
	agent.checkAndDownload(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
}

type updateAgent struct {
	state       *payload.State
	client      *omaha.Client
	downloader  *download.Downloader
	events      *events.EventLogger
	tracer      *telemetry.Tracer
	downloadDir string
}

// checkAndDownload performs one update check and, if the state machine
// allows it, one payload download attempt.
func (a *updateAgent) checkAndDownload(ctx context.Context) {
	resp, err := a.client.Check(ctx)
	if err != nil {
		a.events.LogUpdateCheck(a.client.BaseURL(), 0, err)
		a.state.UpdateFailed(payload.CodeOmahaRequestError)
		return
	}
	a.events.LogUpdateCheck(a.client.BaseURL(), len(resp.URLs), nil)

	a.state.SetResponse(resp)

	if a.state.ShouldBackoffDownload() {
		a.events.LogBackoffDeferred(a.state.BackoffExpiry())
		return
	}

	url := a.state.CurrentURL()
	if url == "" {
		return
	}

	spanCtx, span := a.tracer.StartAttempt(ctx, url, a.state.URLIndex())
	err = a.downloadPayload(spanCtx, resp, url)
	telemetry.EndAttempt(span, err)
}

func (a *updateAgent) downloadPayload(ctx context.Context, resp *omaha.Response, url string) error {
	a.events.LogDownloadStarted(url, a.state.URLIndex(), a.state.PayloadAttemptNumber())

	f, err := os.CreateTemp(a.downloadDir, "payload-*.bin")
	if err != nil {
		a.state.UpdateFailed(payload.CodeDownloadStateInitializationError)
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	err = a.downloader.Fetch(ctx, url, f, resp.Size, resp.SHA256, a.state.DownloadProgress)
	if err != nil {
		code := download.Code(err)
		a.events.LogDownloadFailed(url, code.String())
		a.state.UpdateFailed(code)
		return err
	}

	a.state.DownloadComplete()

	// Applying the payload is out of scope here: a verified download is
	// this agent's terminal state.
	dest := filepath.Join(a.downloadDir, "payload.bin")
	if err := os.Rename(f.Name(), dest); err != nil {
		a.state.UpdateFailed(payload.CodeDownloadWriteError)
		return err
	}

	a.events.LogUpdateSucceeded(a.state.UpdateDuration(), a.state.URLSwitchCount())
	a.state.UpdateSucceeded()
	return nil
}
