// Package clock separates wall-clock time from monotonic uptime so callers
// can reason about each independently. Wall-clock time may jump on NTP sync;
// uptime never goes backwards but freezes across deep suspend.
package clock

import (
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Clock provides the two time sources the update agent depends on.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Uptime returns the monotonic time since boot.
	Uptime() time.Duration
}

// System reads wall-clock time from the OS and uptime from the kernel's
// boot counter.
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) Now() time.Time { return time.Now() }

func (*System) Uptime() time.Duration {
	secs, err := host.Uptime()
	if err != nil {
		// Fall back to a process-relative monotonic reading; still
		// strictly non-decreasing within this process.
		return time.Since(processStart)
	}
	return time.Duration(secs) * time.Second
}

var processStart = time.Now()
