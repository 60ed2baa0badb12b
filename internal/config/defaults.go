package config

import "time"

// Default configuration constants for the update agent.
const (
	// DefaultCheckSchedule is the cron spec for periodic update checks.
	DefaultCheckSchedule = "@every 1h"

	// DefaultDownloadChunkBytes is the read buffer size used by the payload downloader.
	DefaultDownloadChunkBytes = 128 * 1024

	// DefaultHTTPTimeout bounds a single update-check request.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxBackoffDays caps the exponential download backoff interval.
	MaxBackoffDays = 16

	// MaxBackoffFuzzMinutes is the width of the randomized window applied
	// around the base backoff interval (12 hours, so +/- 6 hours).
	MaxBackoffFuzzMinutes = 720

	// MaxTimestampSkew is how far into the future a persisted wall-clock
	// instant may sit before it is considered corrupt.
	MaxTimestampSkew = 10 * time.Minute

	// MaxAttemptShift caps the exponent of the backoff computation so the
	// shift stays defined for 64-bit arithmetic.
	MaxAttemptShift = 30
)
