package payload

import "time"

// Metric sample names and bucket specs. Names are part of the telemetry
// contract with the fleet dashboards; treat them like persistent keys.
const (
	metricSuccessfulMBsPrefix = "SuccessfulMBsDownloadedFrom"
	metricTotalMBsPrefix      = "TotalMBsDownloadedFrom"
	metricDownloadSourcesUsed = "DownloadSourcesUsed"
	metricDownloadOverheadPct = "DownloadOverheadPercentage"
	metricURLSwitches         = "UpdateURLSwitches"
	metricNumReboots          = "UpdateNumReboots"
	metricDurationMinutes     = "UpdateDurationMinutes"
	metricDurationUptimeMins  = "UpdateDurationUptimeMinutes"

	numDefaultBuckets = 50
	bytesInOneMiB     = 1 << 20
)

// reportSuccessMetrics emits the terminal sample set for a landed update.
// Must run before the counters are drained.
func (s *State) reportSuccessMetrics() {
	var successfulBytes, totalBytes int64
	var sourcesUsed int64

	for src := DownloadSource(0); src < numDownloadSources; src++ {
		current := s.currentBytes[src]
		total := s.totalBytes[src]
		successfulBytes += current
		totalBytes += total

		currentMBs := current / bytesInOneMiB
		if currentMBs > 0 {
			sourcesUsed |= 1 << src
		}

		s.sink.SendToUMA(metricSuccessfulMBsPrefix+src.String(),
			currentMBs, 0, 10240, numDefaultBuckets)
		s.sink.SendToUMA(metricTotalMBsPrefix+src.String(),
			total/bytesInOneMiB, 0, 10240, numDefaultBuckets)
	}

	s.sink.SendToUMA(metricDownloadSourcesUsed,
		sourcesUsed, 0, 1<<numDownloadSources, (1<<numDownloadSources)+1)

	if successfulBytes > 0 {
		overhead := (totalBytes - successfulBytes) * 100 / successfulBytes
		s.sink.SendToUMA(metricDownloadOverheadPct,
			overhead, 0, 1000, numDefaultBuckets)
	}

	s.sink.SendToUMA(metricURLSwitches,
		s.urlSwitchCount, 0, 100, numDefaultBuckets)
	s.sink.SendToUMA(metricNumReboots,
		s.numReboots, 0, 50, 25)
	s.sink.SendToUMA(metricDurationMinutes,
		int64(s.UpdateDuration()/time.Minute), 1, 365*24*60, numDefaultBuckets)
	s.sink.SendToUMA(metricDurationUptimeMins,
		int64(s.updateDurationUptime/time.Minute), 1, 30*24*60, numDefaultBuckets)
}
