// Package sysinfo answers the two environment questions the payload state
// machine asks: is this an official build, and did the system just reboot.
package sysinfo

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/host"
)

// buildType is set via -ldflags "-X .../internal/sysinfo.buildType=official"
// on release builds. Anything else is a developer build.
var buildType = "dev"

// Build reports which kind of image this binary was produced for.
type Build struct{}

func NewBuild() *Build { return &Build{} }

// IsOfficialBuild reports whether this is a production image. Download
// backoff is only armed on official builds.
func (*Build) IsOfficialBuild() bool {
	return buildType == "official"
}

// BootTimeStore persists the last observed boot time for reboot detection.
type BootTimeStore interface {
	GetInt64(key string) (int64, bool)
	SetInt64(key string, value int64) error
}

const lastBootTimeKey = "last-observed-boot-time"

// RebootDetector reports, at most once per boot, that the system has been
// rebooted since the detector last ran.
type RebootDetector struct {
	store  BootTimeStore
	logger *slog.Logger

	// bootTime is overridable in tests.
	bootTime func() (uint64, error)
}

func NewRebootDetector(store BootTimeStore, logger *slog.Logger) *RebootDetector {
	return &RebootDetector{
		store:    store,
		logger:   logger,
		bootTime: host.BootTime,
	}
}

// SystemJustRebooted compares the kernel boot time against the persisted
// marker. The marker is advanced on first observation, so repeated calls
// within one boot return false after the first true.
func (d *RebootDetector) SystemJustRebooted() bool {
	boot, err := d.bootTime()
	if err != nil {
		d.logger.Error("boot time unavailable", "error", err)
		return false
	}

	last, ok := d.store.GetInt64(lastBootTimeKey)
	if ok && last == int64(boot) {
		return false
	}

	if err := d.store.SetInt64(lastBootTimeKey, int64(boot)); err != nil {
		d.logger.Error("persist boot time", "error", err)
	}
	// A missing marker means first run, not a reboot mid-update.
	return ok
}
