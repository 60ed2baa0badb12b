package payload

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/offlinehacker/updatekit/internal/omaha"
)

// --- fakes ---

type memStore map[string]string

func (m memStore) Exists(key string) bool {
	_, ok := m[key]
	return ok
}

func (m memStore) GetString(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m memStore) GetInt64(key string) (int64, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (m memStore) SetString(key, value string) error {
	m[key] = value
	return nil
}

func (m memStore) SetInt64(key string, value int64) error {
	m[key] = strconv.FormatInt(value, 10)
	return nil
}

func (m memStore) Delete(key string) error {
	delete(m, key)
	return nil
}

type fakeClock struct {
	now    time.Time
	uptime time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Uptime() time.Duration { return c.uptime }

// Advance moves both clocks forward together.
func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	c.uptime += d
}

// fakeRand returns its pinned value (or lo when the value is outside the
// window). The fixture pins the midpoint of the fuzz window so backoff
// offsets are exactly the base interval.
type fakeRand struct{ value int64 }

func (r *fakeRand) Uniform(lo, hi int64) int64 {
	if r.value < lo || r.value > hi {
		return lo
	}
	return r.value
}

type sample struct {
	value      int64
	min, max   int
	numBuckets int
}

type fakeSink struct {
	samples map[string]sample
	order   []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{samples: make(map[string]sample)}
}

func (s *fakeSink) SendToUMA(name string, value int64, min, max, numBuckets int) {
	if _, seen := s.samples[name]; !seen {
		s.order = append(s.order, name)
	}
	s.samples[name] = sample{value: value, min: min, max: max, numBuckets: numBuckets}
}

type fakeBuild struct{ official bool }

func (b *fakeBuild) IsOfficialBuild() bool { return b.official }

type fakeReboot struct{ rebooted bool }

func (r *fakeReboot) SystemJustRebooted() bool {
	v := r.rebooted
	r.rebooted = false
	return v
}

type fixture struct {
	store  memStore
	clock  *fakeClock
	rand   *fakeRand
	sink   *fakeSink
	build  *fakeBuild
	reboot *fakeReboot
	state  *State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memStore{},
		clock:  newFakeClock(),
		rand:   &fakeRand{value: 360},
		sink:   newFakeSink(),
		build:  &fakeBuild{official: true},
		reboot: &fakeReboot{},
	}
	f.state = f.newState()
	f.state.Initialize()
	return f
}

func (f *fixture) newState() *State {
	return New(Deps{
		Store:  f.store,
		Clock:  f.clock,
		Rand:   f.rand,
		Sink:   f.sink,
		Build:  f.build,
		Reboot: f.reboot,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// restart simulates a process restart: a fresh State over the same store.
func (f *fixture) restart() {
	f.state = f.newState()
	f.state.Initialize()
}

func singleHTTPSResponse() *omaha.Response {
	return &omaha.Response{
		URLs:                  []string{"https://a.example/payload"},
		Size:                  1 << 20,
		SHA256:                "cafe",
		MaxFailureCountPerURL: 10,
	}
}

func twoURLResponse() *omaha.Response {
	return &omaha.Response{
		URLs:                  []string{"https://a.example/payload", "http://b.example/payload"},
		Size:                  1 << 20,
		SHA256:                "cafe",
		MaxFailureCountPerURL: 3,
	}
}

// --- end-to-end scenarios ---

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())

	f.state.DownloadProgress(1 << 20)
	f.state.DownloadComplete()
	f.state.UpdateSucceeded()

	if got := f.state.PayloadAttemptNumber(); got != 1 {
		t.Fatalf("payload attempt number = %d, want 1", got)
	}
	if got := f.sink.samples["SuccessfulMBsDownloadedFromHttpsServer"].value; got != 1 {
		t.Fatalf("SuccessfulMBsDownloadedFromHttpsServer = %d, want 1", got)
	}
	if got := f.sink.samples["DownloadSourcesUsed"].value; got != 1<<SourceHTTPSServer {
		t.Fatalf("DownloadSourcesUsed = %b, want only https bit", got)
	}
	if got := f.sink.samples["UpdateURLSwitches"].value; got != 0 {
		t.Fatalf("UpdateURLSwitches = %d, want 0", got)
	}
}

func TestURLChurnOnCorruption(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(twoURLResponse())

	f.state.UpdateFailed(CodePayloadHashMismatch)

	if got := f.state.URLIndex(); got != 1 {
		t.Fatalf("url index = %d, want 1", got)
	}
	if got := f.state.URLFailureCount(); got != 0 {
		t.Fatalf("url failure count = %d, want 0", got)
	}
	if got := f.state.URLSwitchCount(); got != 1 {
		t.Fatalf("url switch count = %d, want 1", got)
	}
	if got := f.state.CurrentSource(); got != SourceHTTPServer {
		t.Fatalf("download source = %v, want HttpServer", got)
	}
}

func TestFailureCapAndWrap(t *testing.T) {
	f := newFixture(t)
	r := singleHTTPSResponse()
	r.MaxFailureCountPerURL = 3
	f.state.SetResponse(r)

	for i := 0; i < 3; i++ {
		f.state.UpdateFailed(CodeDownloadTransferError)
	}

	if got := f.state.URLIndex(); got != 0 {
		t.Fatalf("url index = %d, want 0 after wrap", got)
	}
	if got := f.state.PayloadAttemptNumber(); got != 1 {
		t.Fatalf("payload attempt number = %d, want 1", got)
	}
	expiry := f.state.BackoffExpiry()
	if expiry.IsZero() {
		t.Fatalf("expected backoff armed after wrap")
	}
	limit := f.clock.Now().Add(24*time.Hour + 6*time.Hour)
	if expiry.After(limit) {
		t.Fatalf("backoff expiry %v beyond %v", expiry, limit)
	}
}

func TestTamperedURLIndexResetsState(t *testing.T) {
	f := newFixture(t)
	r := twoURLResponse()
	f.state.SetResponse(r)
	f.state.UpdateFailed(CodeDownloadTransferError)

	// Corrupt the persisted index past the URL list, then come back up.
	f.store.SetInt64("current-url-index", 5)
	f.restart()
	f.state.SetResponse(r)

	if got := f.state.URLIndex(); got != 0 {
		t.Fatalf("url index = %d, want 0 after reset", got)
	}
	if got := f.state.URLFailureCount(); got != 0 {
		t.Fatalf("url failure count = %d, want 0 after reset", got)
	}
	if got := f.state.PayloadAttemptNumber(); got != 0 {
		t.Fatalf("payload attempt number = %d, want 0 after reset", got)
	}
	if got := f.state.URLSwitchCount(); got != 0 {
		t.Fatalf("url switch count = %d, want 0 after reset", got)
	}
}

func TestDeltaPayloadFastFallback(t *testing.T) {
	f := newFixture(t)
	r := singleHTTPSResponse()
	r.IsDelta = true
	f.state.SetResponse(r)

	f.state.DownloadComplete()

	if got := f.state.PayloadAttemptNumber(); got != 0 {
		t.Fatalf("payload attempt number = %d, want 0 for delta", got)
	}
	if !f.state.BackoffExpiry().IsZero() {
		t.Fatalf("backoff must never arm for delta payloads")
	}
	if f.state.ShouldBackoffDownload() {
		t.Fatalf("delta payload must not back off")
	}
}

func TestClockRewindDefense(t *testing.T) {
	f := newFixture(t)
	future := f.clock.Now().Add(1 * time.Hour)
	f.store.SetInt64("update-timestamp-start", future.UnixMicro())

	f.restart()

	start, ok := f.store.GetInt64("update-timestamp-start")
	if !ok {
		t.Fatalf("update-timestamp-start missing after initialize")
	}
	if got := time.UnixMicro(start); !got.Equal(f.clock.Now()) {
		t.Fatalf("update start = %v, want reset to now %v", got, f.clock.Now())
	}
}

// --- operation behavior ---

func TestProgressRevivesURL(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(twoURLResponse())

	f.state.UpdateFailed(CodeDownloadTransferError)
	if got := f.state.URLFailureCount(); got != 1 {
		t.Fatalf("failure count = %d, want 1", got)
	}

	f.state.DownloadProgress(1)
	if got := f.state.URLFailureCount(); got != 0 {
		t.Fatalf("failure count = %d, want 0 after any progress", got)
	}
}

func TestZeroProgressIsNoop(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())
	f.state.UpdateFailed(CodeDownloadTransferError)

	f.state.DownloadProgress(0)

	if got := f.state.URLFailureCount(); got != 1 {
		t.Fatalf("failure count = %d, want 1 after zero-byte progress", got)
	}
	if got := f.state.CurrentBytesDownloaded(SourceHTTPSServer); got != 0 {
		t.Fatalf("bytes = %d, want 0", got)
	}
}

func TestFailuresBeforeResponseAreIgnored(t *testing.T) {
	f := newFixture(t)

	f.state.UpdateFailed(CodeDownloadTransferError)
	f.state.UpdateFailed(CodePayloadHashMismatch)

	if got := f.state.URLFailureCount(); got != 0 {
		t.Fatalf("failure count = %d, want 0 with no response", got)
	}
	if got := f.state.URLIndex(); got != 0 {
		t.Fatalf("url index = %d, want 0 with no response", got)
	}
}

func TestNonURLFaultLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(twoURLResponse())

	f.state.UpdateFailed(CodeOmahaRequestError)
	f.state.UpdateFailed(CodePostinstallRunnerError)
	f.state.UpdateFailed(CodeUpdateCanceledByChannelChange)

	if got := f.state.URLIndex(); got != 0 {
		t.Fatalf("url index = %d, want 0", got)
	}
	if got := f.state.URLFailureCount(); got != 0 {
		t.Fatalf("failure count = %d, want 0", got)
	}
}

func TestSameFingerprintKeepsState(t *testing.T) {
	f := newFixture(t)
	r := twoURLResponse()
	f.state.SetResponse(r)
	f.state.UpdateFailed(CodePayloadHashMismatch)

	same := *r
	f.state.SetResponse(&same)

	if got := f.state.URLIndex(); got != 1 {
		t.Fatalf("url index = %d, want 1 preserved across same response", got)
	}
	if got := f.state.URLSwitchCount(); got != 1 {
		t.Fatalf("url switch count = %d, want 1 preserved", got)
	}
}

func TestNewFingerprintResetsState(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(twoURLResponse())
	f.state.UpdateFailed(CodePayloadHashMismatch)
	f.state.DownloadProgress(512)

	changed := twoURLResponse()
	changed.SHA256 = "beef"
	f.state.SetResponse(changed)

	if got := f.state.URLIndex(); got != 0 {
		t.Fatalf("url index = %d, want 0 after new response", got)
	}
	if got := f.state.URLSwitchCount(); got != 0 {
		t.Fatalf("url switch count = %d, want 0 after new response", got)
	}
	if got := f.state.CurrentBytesDownloaded(SourceHTTPServer); got != 0 {
		t.Fatalf("current bytes = %d, want 0 after new response", got)
	}
	// Lifetime totals survive the reset.
	if got := f.state.TotalBytesDownloaded(SourceHTTPServer); got != 512 {
		t.Fatalf("total bytes = %d, want 512 kept across responses", got)
	}
}

func TestUpdateRestartedKeepsTotals(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())
	f.state.DownloadProgress(1024)

	f.state.UpdateRestarted()

	if got := f.state.CurrentBytesDownloaded(SourceHTTPSServer); got != 0 {
		t.Fatalf("current bytes = %d, want 0 after restart", got)
	}
	if got := f.state.TotalBytesDownloaded(SourceHTTPSServer); got != 1024 {
		t.Fatalf("total bytes = %d, want 1024 after restart", got)
	}
	if got := f.state.NumReboots(); got != 0 {
		t.Fatalf("num reboots = %d, want 0 after restart", got)
	}
}

func TestUpdateResumedCountsRebootOnce(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())

	f.reboot.rebooted = true
	f.state.UpdateResumed()
	f.state.UpdateResumed()

	if got := f.state.NumReboots(); got != 1 {
		t.Fatalf("num reboots = %d, want 1", got)
	}
}

func TestShouldBackoffDownload(t *testing.T) {
	f := newFixture(t)
	r := singleHTTPSResponse()
	r.MaxFailureCountPerURL = 1
	f.state.SetResponse(r)

	if f.state.ShouldBackoffDownload() {
		t.Fatalf("no backoff before any attempt")
	}

	f.state.UpdateFailed(CodeDownloadTransferError) // cap 1: wraps, arms backoff
	if !f.state.ShouldBackoffDownload() {
		t.Fatalf("expected backoff armed after wrap")
	}

	// Unofficial builds never back off.
	f.build.official = false
	if f.state.ShouldBackoffDownload() {
		t.Fatalf("unofficial build must not back off")
	}
	f.build.official = true

	// Expired windows stop deferring.
	f.clock.Advance(17 * 24 * time.Hour)
	if f.state.ShouldBackoffDownload() {
		t.Fatalf("expired backoff must not defer")
	}
}

func TestBackoffDisabledByResponse(t *testing.T) {
	f := newFixture(t)
	r := singleHTTPSResponse()
	r.MaxFailureCountPerURL = 1
	r.DisableBackoff = true
	f.state.SetResponse(r)

	f.state.UpdateFailed(CodeDownloadTransferError)

	if !f.state.BackoffExpiry().IsZero() {
		t.Fatalf("backoff must stay null when response disables it")
	}
	if f.state.ShouldBackoffDownload() {
		t.Fatalf("must not defer when response disables backoff")
	}
}

func TestUpdateSucceededClearsTimingKeys(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())
	f.state.DownloadProgress(1 << 20)
	f.state.DownloadComplete()

	f.state.UpdateSucceeded()

	for _, key := range []string{"update-timestamp-start", "update-duration-uptime"} {
		if f.store.Exists(key) {
			t.Fatalf("key %q should be cleared after success", key)
		}
	}
	if got := f.state.TotalBytesDownloaded(SourceHTTPSServer); got != 0 {
		t.Fatalf("total bytes = %d, want drained after success", got)
	}
}

func TestOverheadPercentage(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(twoURLResponse())

	// 2 MiB wasted on the https URL, then the full 4 MiB lands over http.
	f.state.DownloadProgress(2 << 20)
	f.state.UpdateFailed(CodePayloadHashMismatch)
	f.state.UpdateRestarted()
	f.state.DownloadProgress(4 << 20)
	f.state.DownloadComplete()
	f.state.UpdateSucceeded()

	if got := f.sink.samples["DownloadOverheadPercentage"].value; got != 50 {
		t.Fatalf("overhead = %d%%, want 50", got)
	}
	if got := f.sink.samples["DownloadSourcesUsed"].value; got != 1<<SourceHTTPServer {
		t.Fatalf("sources used = %b, want only http bit", got)
	}
}

// --- duration tracking ---

func TestUptimeDurationAccumulates(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())

	f.clock.Advance(5 * time.Minute)
	f.state.DownloadProgress(100)
	f.clock.Advance(3 * time.Minute)
	f.state.DownloadProgress(100)

	if got := f.state.UpdateDurationUptime(); got != 8*time.Minute {
		t.Fatalf("uptime duration = %v, want 8m", got)
	}
}

func TestUptimeDurationSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())
	f.clock.Advance(5 * time.Minute)
	f.state.DownloadProgress(100)

	f.restart()
	f.state.SetResponse(singleHTTPSResponse())

	if got := f.state.UpdateDurationUptime(); got != 5*time.Minute {
		t.Fatalf("uptime duration = %v after restart, want 5m", got)
	}
}

func TestAnomalousUptimeResetOnLoad(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())
	f.clock.Advance(2 * time.Minute)

	// Persist an uptime far beyond the wall-clock span of the update.
	f.store.SetInt64("update-duration-uptime", int64(10*time.Hour/time.Microsecond))
	f.restart()

	if got := f.state.UpdateDurationUptime(); got != 2*time.Minute {
		t.Fatalf("uptime duration = %v, want clamp to wall-clock 2m", got)
	}
}

func TestNegativePersistedCountersClampToZero(t *testing.T) {
	f := newFixture(t)
	f.store.SetInt64("payload-attempt-number", -3)
	f.store.SetInt64("num-reboots", -1)

	f.restart()

	if got := f.state.PayloadAttemptNumber(); got != 0 {
		t.Fatalf("payload attempt number = %d, want clamp to 0", got)
	}
	if got := f.state.NumReboots(); got != 0 {
		t.Fatalf("num reboots = %d, want clamp to 0", got)
	}
}

func TestBackoffExpiryTooFarInFutureIsDiscarded(t *testing.T) {
	f := newFixture(t)
	far := f.clock.Now().Add(20 * 24 * time.Hour)
	f.store.SetInt64("backoff-expiry-time", far.UnixMicro())

	f.restart()

	if !f.state.BackoffExpiry().IsZero() {
		t.Fatalf("expected out-of-range backoff expiry discarded")
	}
	if f.store.Exists("backoff-expiry-time") {
		t.Fatalf("expected backoff key deleted")
	}
}

// --- boundary behaviors ---

func TestSingleFailureAdvancesURLWhenCapIsOne(t *testing.T) {
	f := newFixture(t)
	r := twoURLResponse()
	r.MaxFailureCountPerURL = 1
	f.state.SetResponse(r)

	f.state.UpdateFailed(CodeDownloadTransferError)

	if got := f.state.URLIndex(); got != 1 {
		t.Fatalf("url index = %d, want 1 with cap of one", got)
	}
}

func TestSingleURLWrapDoesNotCountSwitch(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())

	f.state.UpdateFailed(CodePayloadHashMismatch)

	if got := f.state.URLIndex(); got != 0 {
		t.Fatalf("url index = %d, want wrap back to 0", got)
	}
	if got := f.state.URLSwitchCount(); got != 0 {
		t.Fatalf("url switch count = %d, want 0 for single url", got)
	}
	if got := f.state.PayloadAttemptNumber(); got != 1 {
		t.Fatalf("payload attempt number = %d, want 1 after wrap", got)
	}
}

func TestBackoffClampsAtSixteenDays(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(singleHTTPSResponse())

	// Drive the attempt counter absurdly high; the shift must stay defined
	// and the interval capped.
	for i := 0; i < 1000; i++ {
		f.state.incrementPayloadAttemptNumber()
	}

	if got := f.state.PayloadAttemptNumber(); got != 1000 {
		t.Fatalf("payload attempt number = %d, want 1000", got)
	}
	expiry := f.state.BackoffExpiry()
	want := f.clock.Now().Add(16 * 24 * time.Hour)
	if !expiry.Equal(want) {
		t.Fatalf("backoff expiry = %v, want clamp at %v", expiry, want)
	}
}

func TestBackoffFuzzBounds(t *testing.T) {
	for _, fuzz := range []int64{0, 360, 720} {
		f := newFixture(t)
		f.rand.value = fuzz
		r := singleHTTPSResponse()
		r.MaxFailureCountPerURL = 1
		f.state.SetResponse(r)

		f.state.UpdateFailed(CodeDownloadTransferError)

		base := f.clock.Now().Add(24 * time.Hour)
		got := f.state.BackoffExpiry()
		want := base.Add(time.Duration(fuzz-360) * time.Minute)
		if !got.Equal(want) {
			t.Fatalf("fuzz %d: expiry = %v, want %v", fuzz, got, want)
		}
	}
}

// --- persistence round trips ---

func TestInitializeIsIdempotentAcrossRestart(t *testing.T) {
	f := newFixture(t)
	r := twoURLResponse()
	f.state.SetResponse(r)
	f.state.UpdateFailed(CodeDownloadTransferError)
	f.state.UpdateFailed(CodePayloadHashMismatch)
	f.state.DownloadProgress(2048)

	before := fmt.Sprintf("%d/%d/%d/%d/%d",
		f.state.PayloadAttemptNumber(), f.state.URLIndex(),
		f.state.URLFailureCount(), f.state.URLSwitchCount(),
		f.state.TotalBytesDownloaded(SourceHTTPServer))

	f.restart()
	f.state.SetResponse(r)

	after := fmt.Sprintf("%d/%d/%d/%d/%d",
		f.state.PayloadAttemptNumber(), f.state.URLIndex(),
		f.state.URLFailureCount(), f.state.URLSwitchCount(),
		f.state.TotalBytesDownloaded(SourceHTTPServer))

	if before != after {
		t.Fatalf("state diverged across restart: %s -> %s", before, after)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.state.SetResponse(twoURLResponse())
	f.state.UpdateFailed(CodePayloadHashMismatch)

	f.state.resetPersistentState()
	once := fmt.Sprintf("%v", f.store)
	f.state.resetPersistentState()
	twice := fmt.Sprintf("%v", f.store)

	if once != twice {
		t.Fatalf("reset not idempotent:\n%s\nvs\n%s", once, twice)
	}
}
