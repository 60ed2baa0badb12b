package events

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// EventLogger provides structured logging for key events in the update agent.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// It includes the device identifier as a base attribute.
func NewEventLogger(deviceID string) *EventLogger {
	return NewEventLoggerWithWriter(deviceID, os.Stdout)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a
// custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(deviceID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"device_id", deviceID,
	)
	return &EventLogger{logger: logger}
}

// Logger exposes the underlying slog.Logger for components that take one.
func (el *EventLogger) Logger() *slog.Logger { return el.logger }

// LogUpdateCheck logs the outcome of one update check.
// event: "update_check"
// Attributes: server, num_urls, error
func (el *EventLogger) LogUpdateCheck(server string, numURLs int, err error) {
	if err != nil {
		el.logger.Warn("update_check",
			"server", server,
			"error", err.Error(),
		)
		return
	}
	el.logger.Info("update_check",
		"server", server,
		"num_urls", numURLs,
	)
}

// LogDownloadStarted logs the start of a payload download attempt.
// event: "download_started"
// Attributes: url, url_index, attempt
func (el *EventLogger) LogDownloadStarted(url string, urlIndex, attempt int64) {
	el.logger.Info("download_started",
		"url", url,
		"url_index", urlIndex,
		"attempt", attempt,
	)
}

// LogDownloadFailed logs a failed download attempt and its classified code.
// event: "download_failed"
// Attributes: url, error_code
func (el *EventLogger) LogDownloadFailed(url, errorCode string) {
	el.logger.Warn("download_failed",
		"url", url,
		"error_code", errorCode,
	)
}

// LogBackoffDeferred logs a download deferred under backoff.
// event: "backoff_deferred"
// Attributes: expiry
func (el *EventLogger) LogBackoffDeferred(expiry time.Time) {
	el.logger.Info("backoff_deferred",
		"expiry", expiry.UTC().Format(time.RFC3339),
	)
}

// LogUpdateSucceeded logs a completed, verified update.
// event: "update_succeeded"
// Attributes: duration_ms, url_switches
func (el *EventLogger) LogUpdateSucceeded(duration time.Duration, urlSwitches int64) {
	el.logger.Info("update_succeeded",
		"duration_ms", duration.Milliseconds(),
		"url_switches", urlSwitches,
	)
}
