// Package payload tracks a single in-progress update attempt across process
// restarts and reboots. It decides which payload URL to try next, when to
// defer a download under exponential backoff, and aggregates the bandwidth
// and duration telemetry reported when an update finally lands.
package payload

import (
	"log/slog"
	"time"

	"github.com/offlinehacker/updatekit/internal/clock"
	"github.com/offlinehacker/updatekit/internal/config"
	"github.com/offlinehacker/updatekit/internal/omaha"
)

// Persistent key names. These are stable identifiers shared with deployed
// agents; renaming one orphans the state of every device in the field.
const (
	keyCurrentResponseSignature = "current-response-signature"
	keyPayloadAttemptNumber     = "payload-attempt-number"
	keyCurrentURLIndex          = "current-url-index"
	keyCurrentURLFailureCount   = "current-url-failure-count"
	keyURLSwitchCount           = "url-switch-count"
	keyBackoffExpiryTime        = "backoff-expiry-time"
	keyUpdateTimestampStart     = "update-timestamp-start"
	keyUpdateDurationUptime     = "update-duration-uptime"
	keyNumReboots               = "num-reboots"

	keyCurrentBytesDownloadedPrefix = "current-bytes-downloaded-from-"
	keyTotalBytesDownloadedPrefix   = "total-bytes-downloaded-from-"
)

// Store is the durable key/value store the state machine persists into.
// Implemented by prefs.Store; tests substitute an in-memory map.
type Store interface {
	Exists(key string) bool
	GetInt64(key string) (int64, bool)
	GetString(key string) (string, bool)
	SetInt64(key string, value int64) error
	SetString(key, value string) error
	Delete(key string) error
}

// MetricsSink receives named, bucketed samples. Delivery is fire-and-forget;
// implementations swallow their own failures.
type MetricsSink interface {
	SendToUMA(name string, sample int64, min, max, numBuckets int)
}

// Build reports whether this is an official image. Backoff is only armed on
// official builds so developer flows never stall.
type Build interface {
	IsOfficialBuild() bool
}

// RebootDetector reports, at most once per boot, that the system rebooted.
type RebootDetector interface {
	SystemJustRebooted() bool
}

// Rand supplies the backoff fuzz. Injected so tests can pin it.
type Rand interface {
	Uniform(lo, hi int64) int64
}

// Deps are the collaborators a State needs. All fields are required except
// Logger, which defaults to slog.Default().
type Deps struct {
	Store  Store
	Clock  clock.Clock
	Rand   Rand
	Sink   MetricsSink
	Build  Build
	Reboot RebootDetector
	Logger *slog.Logger
}

// State is the payload attempt state machine. It is confined to the agent's
// event loop: operations never block on anything but the local store, and
// each persists before the in-memory field is considered committed, so a
// crash costs at most one increment.
type State struct {
	store  Store
	clock  clock.Clock
	rand   Rand
	sink   MetricsSink
	build  Build
	reboot RebootDetector
	logger *slog.Logger

	response          omaha.Response
	responseSignature string

	payloadAttemptNumber int64
	urlIndex             int64
	urlFailureCount      int64
	urlSwitchCount       int64

	// backoffExpiry zero means no backoff armed.
	backoffExpiry time.Time

	updateTimestampStart time.Time
	// updateTimestampEnd is set on success and never persisted; wall-clock
	// duration after that point is frozen.
	updateTimestampEnd   time.Time
	updateDurationUptime time.Duration
	uptimeAnchor         time.Duration

	numReboots int64

	downloadSource DownloadSource
	currentBytes   [numDownloadSources]int64
	totalBytes     [numDownloadSources]int64
}

// New constructs a State. Call Initialize before any other operation.
func New(deps Deps) *State {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		store:          deps.Store,
		clock:          deps.Clock,
		rand:           deps.Rand,
		sink:           deps.Sink,
		build:          deps.Build,
		reboot:         deps.Reboot,
		logger:         logger,
		downloadSource: SourceUnknown,
	}
}

// Initialize loads all persisted fields, clamping or resetting anything a
// corrupted store could have left out of range. The state machine must come
// up usable no matter what it finds.
func (s *State) Initialize() {
	if sig, ok := s.store.GetString(keyCurrentResponseSignature); ok {
		s.responseSignature = sig
	}

	s.payloadAttemptNumber = s.loadNonNegative(keyPayloadAttemptNumber)
	s.urlIndex = s.loadNonNegative(keyCurrentURLIndex)
	s.urlFailureCount = s.loadNonNegative(keyCurrentURLFailureCount)
	s.urlSwitchCount = s.loadNonNegative(keyURLSwitchCount)
	s.numReboots = s.loadNonNegative(keyNumReboots)

	now := s.clock.Now()
	s.loadBackoffExpiry(now)
	s.loadUpdateTimestampStart(now)
	s.loadUpdateDurationUptime(now)

	for src := DownloadSource(0); src < numDownloadSources; src++ {
		s.currentBytes[src] = s.loadNonNegative(keyCurrentBytesDownloadedPrefix + src.String())
		s.totalBytes[src] = s.loadNonNegative(keyTotalBytesDownloadedPrefix + src.String())
	}

	s.uptimeAnchor = s.clock.Uptime()
}

// SetResponse installs the response for the current update check. A changed
// fingerprint means a different update: all attempt state is discarded. The
// same fingerprint continues the in-progress attempt, after validating that
// the persisted URL index still points inside the response.
func (s *State) SetResponse(r *omaha.Response) {
	signature := r.Fingerprint()
	s.response = *r

	switch {
	case signature != s.responseSignature:
		s.logger.Info("new update response, discarding attempt state",
			"num_urls", len(r.URLs))
		s.resetPersistentState()
		s.setResponseSignature(signature)
	case s.urlIndex >= int64(len(r.URLs)):
		s.logger.Error("persisted url index out of range, discarding attempt state",
			"url_index", s.urlIndex, "num_urls", len(r.URLs))
		s.resetPersistentState()
	}

	s.updateDownloadSource()
}

// DownloadProgress records n freshly downloaded payload bytes. Any forward
// progress clears the current URL's failure count: a URL that delivered even
// one byte is considered revived.
func (s *State) DownloadProgress(n int64) {
	if n <= 0 {
		return
	}
	s.accumulateUptime()
	s.attributeBytes(n)
	if s.urlFailureCount > 0 {
		s.setURLFailureCount(0)
	}
}

// DownloadComplete marks one full payload download finished. The payload has
// not been verified or applied yet; it only advances the attempt counter
// that drives backoff.
func (s *State) DownloadComplete() {
	s.incrementPayloadAttemptNumber()
}

// UpdateResumed is called when the agent picks an in-progress update back up
// after a process restart or reboot.
func (s *State) UpdateResumed() {
	s.maybeIncrementRebootCount()
}

// UpdateRestarted is called when the agent begins the update over from the
// top. Current-attempt byte counters restart; lifetime totals are kept.
func (s *State) UpdateRestarted() {
	s.resetCurrentBytes()
	s.setNumReboots(0)
}

// UpdateSucceeded finalizes durations, reports the terminal metric set, and
// drains the per-update counters and timing keys.
func (s *State) UpdateSucceeded() {
	s.accumulateUptime()
	s.updateTimestampEnd = s.clock.Now()

	s.reportSuccessMetrics()
	s.drainOnSuccess()

	s.deleteKey(keyUpdateTimestampStart)
	s.deleteKey(keyUpdateDurationUptime)
}

// UpdateFailed classifies the fault and applies the matching recovery
// action. Before a response is installed there is nothing to act against.
func (s *State) UpdateFailed(code ErrorCode) {
	if len(s.response.URLs) == 0 {
		return
	}

	switch classify(code) {
	case actionAdvanceURL:
		s.logger.Info("payload fault, advancing url", "error", code.String())
		s.incrementURLIndex()
	case actionRetrySameURL:
		s.logger.Info("transient fault, charging current url", "error", code.String())
		s.incrementFailureCount()
	case actionIgnore:
		s.logger.Info("fault not attributable to url", "error", code.String())
	case actionWarn:
		s.logger.Warn("non-failure code reported as update failure", "error", code.String())
	}
}

// ShouldBackoffDownload reports whether the next payload download must be
// deferred. Delta payloads are exempt so the client falls back to a full
// payload quickly instead of stalling exponentially.
func (s *State) ShouldBackoffDownload() bool {
	if s.response.DisableBackoff {
		return false
	}
	if s.response.IsDelta {
		return false
	}
	if !s.build.IsOfficialBuild() {
		return false
	}
	if s.backoffExpiry.IsZero() {
		return false
	}
	return s.backoffExpiry.After(s.clock.Now())
}

// --- accessors used by the agent loop and tests ---

// CurrentURL returns the payload URL the next download attempt should use,
// or "" before a response is installed.
func (s *State) CurrentURL() string {
	if s.urlIndex >= int64(len(s.response.URLs)) {
		return ""
	}
	return s.response.URLs[s.urlIndex]
}

func (s *State) PayloadAttemptNumber() int64   { return s.payloadAttemptNumber }
func (s *State) URLIndex() int64               { return s.urlIndex }
func (s *State) URLFailureCount() int64        { return s.urlFailureCount }
func (s *State) URLSwitchCount() int64         { return s.urlSwitchCount }
func (s *State) NumReboots() int64             { return s.numReboots }
func (s *State) BackoffExpiry() time.Time      { return s.backoffExpiry }
func (s *State) CurrentSource() DownloadSource { return s.downloadSource }

// UpdateDuration returns the wall-clock time this update has been running,
// frozen at the success timestamp once the update lands.
func (s *State) UpdateDuration() time.Duration {
	end := s.updateTimestampEnd
	if end.IsZero() {
		end = s.clock.Now()
	}
	d := end.Sub(s.updateTimestampStart)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateDurationUptime returns the accumulated monotonic uptime spent on
// this update.
func (s *State) UpdateDurationUptime() time.Duration {
	return s.updateDurationUptime
}

// --- state transitions ---

// incrementFailureCount charges the current URL one consecutive failure. At
// the response's cap, the charge is superseded by a URL advance.
func (s *State) incrementFailureCount() {
	if s.urlFailureCount+1 < s.response.MaxFailureCountPerURL {
		s.setURLFailureCount(s.urlFailureCount + 1)
		return
	}
	s.logger.Info("url reached failure cap", "url_index", s.urlIndex)
	s.incrementURLIndex()
}

// incrementURLIndex rotates to the next URL, wrapping to the first when the
// list is exhausted. A wrap means every URL failed this pass, which is what
// completes a payload attempt for backoff purposes.
func (s *State) incrementURLIndex() {
	next := s.urlIndex + 1
	wrapped := next >= int64(len(s.response.URLs))
	if wrapped {
		next = 0
	}
	s.setURLIndex(next)

	if len(s.response.URLs) > 1 {
		s.setURLSwitchCount(s.urlSwitchCount + 1)
	}
	s.setURLFailureCount(0)
	s.updateDownloadSource()

	if wrapped {
		s.incrementPayloadAttemptNumber()
	}
}

// incrementPayloadAttemptNumber advances the attempt counter and re-arms
// backoff. Delta payloads never count attempts: their failures should fall
// back to a full payload promptly rather than back off.
func (s *State) incrementPayloadAttemptNumber() {
	if s.response.IsDelta {
		s.logger.Info("not counting payload attempt for delta payload")
		return
	}
	s.setPayloadAttemptNumber(s.payloadAttemptNumber + 1)
	s.updateBackoffExpiry()
}

// updateBackoffExpiry recomputes the backoff window from the attempt number:
// 2^(attempt-1) days capped at MaxBackoffDays, fuzzed +/- 6 hours so a fleet
// does not retry in lockstep.
func (s *State) updateBackoffExpiry() {
	if s.response.DisableBackoff || s.payloadAttemptNumber == 0 {
		s.setBackoffExpiry(time.Time{})
		return
	}

	shift := s.payloadAttemptNumber - 1
	if shift > config.MaxAttemptShift {
		shift = config.MaxAttemptShift
	}
	days := int64(1) << shift
	if days > config.MaxBackoffDays {
		days = config.MaxBackoffDays
	}

	fuzz := s.rand.Uniform(0, config.MaxBackoffFuzzMinutes)
	offset := time.Duration(days)*24*time.Hour +
		time.Duration(fuzz-config.MaxBackoffFuzzMinutes/2)*time.Minute
	s.setBackoffExpiry(s.clock.Now().Add(offset))
}

// maybeIncrementRebootCount counts a reboot at most once per boot.
func (s *State) maybeIncrementRebootCount() {
	if s.reboot.SystemJustRebooted() {
		s.setNumReboots(s.numReboots + 1)
	}
}

// accumulateUptime folds the monotonic time since the last anchor into the
// update's uptime duration. Hot path: the persist is silent.
func (s *State) accumulateUptime() {
	now := s.clock.Uptime()
	if delta := now - s.uptimeAnchor; delta > 0 {
		s.updateDurationUptime += delta
	}
	s.uptimeAnchor = now
	s.store.SetInt64(keyUpdateDurationUptime, int64(s.updateDurationUptime/time.Microsecond))
}

// updateDownloadSource reclassifies the current source from the current URL.
func (s *State) updateDownloadSource() {
	s.downloadSource = SourceUnknown
	if s.urlIndex < int64(len(s.response.URLs)) {
		s.downloadSource = sourceFromURL(s.response.URLs[s.urlIndex])
	}
}

// resetPersistentState returns every per-update field to its initial value.
// Lifetime total-byte counters survive: they span all attempts at the
// device's current update trajectory.
func (s *State) resetPersistentState() {
	s.setPayloadAttemptNumber(0)
	s.setURLIndex(0)
	s.setURLFailureCount(0)
	s.setURLSwitchCount(0)
	s.updateBackoffExpiry()
	s.setNumReboots(0)
	s.setUpdateTimestampStart(s.clock.Now())
	s.updateTimestampEnd = time.Time{}
	s.setUpdateDurationUptime(0)
	s.uptimeAnchor = s.clock.Uptime()
	s.resetCurrentBytes()
	s.updateDownloadSource()
}

// --- persisted setters; each writes through before mutating memory ---

func (s *State) setResponseSignature(v string) {
	if err := s.store.SetString(keyCurrentResponseSignature, v); err != nil {
		s.logger.Error("persist response signature", "error", err)
	}
	s.responseSignature = v
}

func (s *State) setPayloadAttemptNumber(v int64) {
	s.setInt64(keyPayloadAttemptNumber, v)
	s.payloadAttemptNumber = v
}

func (s *State) setURLIndex(v int64) {
	s.setInt64(keyCurrentURLIndex, v)
	s.urlIndex = v
}

func (s *State) setURLFailureCount(v int64) {
	s.setInt64(keyCurrentURLFailureCount, v)
	s.urlFailureCount = v
}

func (s *State) setURLSwitchCount(v int64) {
	s.setInt64(keyURLSwitchCount, v)
	s.urlSwitchCount = v
}

func (s *State) setNumReboots(v int64) {
	s.setInt64(keyNumReboots, v)
	s.numReboots = v
}

func (s *State) setBackoffExpiry(t time.Time) {
	if t.IsZero() {
		s.deleteKey(keyBackoffExpiryTime)
	} else {
		s.setInt64(keyBackoffExpiryTime, t.UnixMicro())
	}
	s.backoffExpiry = t
}

func (s *State) setUpdateTimestampStart(t time.Time) {
	s.setInt64(keyUpdateTimestampStart, t.UnixMicro())
	s.updateTimestampStart = t
}

func (s *State) setUpdateDurationUptime(d time.Duration) {
	s.setInt64(keyUpdateDurationUptime, int64(d/time.Microsecond))
	s.updateDurationUptime = d
}

func (s *State) setInt64(key string, v int64) {
	if err := s.store.SetInt64(key, v); err != nil {
		s.logger.Error("persist field", "key", key, "error", err)
	}
}

func (s *State) deleteKey(key string) {
	if err := s.store.Delete(key); err != nil {
		s.logger.Error("delete field", "key", key, "error", err)
	}
}

// --- load-time validation ---

// loadNonNegative reads a persisted counter, mapping absence to 0 and
// clamping negatives, which can only appear through store corruption.
func (s *State) loadNonNegative(key string) int64 {
	v, ok := s.store.GetInt64(key)
	if !ok {
		return 0
	}
	if v < 0 {
		s.logger.Error("negative persisted value, clamping to 0", "key", key, "value", v)
		return 0
	}
	return v
}

func (s *State) loadBackoffExpiry(now time.Time) {
	v, ok := s.store.GetInt64(keyBackoffExpiryTime)
	if !ok {
		s.backoffExpiry = time.Time{}
		return
	}
	expiry := time.UnixMicro(v)
	if expiry.After(now.Add(config.MaxBackoffDays * 24 * time.Hour)) {
		s.logger.Error("persisted backoff expiry too far in the future, discarding",
			"expiry", expiry)
		s.setBackoffExpiry(time.Time{})
		return
	}
	s.backoffExpiry = expiry
}

func (s *State) loadUpdateTimestampStart(now time.Time) {
	v, ok := s.store.GetInt64(keyUpdateTimestampStart)
	if !ok {
		s.setUpdateTimestampStart(now)
		return
	}
	start := time.UnixMicro(v)
	if start.After(now.Add(config.MaxTimestampSkew)) {
		s.logger.Error("persisted update start in the future, resetting to now",
			"start", start)
		s.setUpdateTimestampStart(now)
		return
	}
	s.updateTimestampStart = start
}

// loadUpdateDurationUptime guards against cross-reboot monotonic anomalies:
// accumulated uptime can never meaningfully exceed the wall-clock span of
// the update.
func (s *State) loadUpdateDurationUptime(now time.Time) {
	v, ok := s.store.GetInt64(keyUpdateDurationUptime)
	if !ok {
		s.updateDurationUptime = 0
		return
	}
	if v < 0 {
		s.logger.Error("negative persisted uptime duration, clamping to 0", "value", v)
		s.setUpdateDurationUptime(0)
		return
	}
	uptime := time.Duration(v) * time.Microsecond
	wallclock := now.Sub(s.updateTimestampStart)
	if wallclock < 0 {
		wallclock = 0
	}
	if uptime > wallclock+config.MaxTimestampSkew {
		s.logger.Error("persisted uptime duration exceeds wall-clock span, resetting",
			"uptime", uptime, "wallclock", wallclock)
		s.setUpdateDurationUptime(wallclock)
		return
	}
	s.updateDurationUptime = uptime
}
