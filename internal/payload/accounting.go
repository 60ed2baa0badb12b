package payload

// Byte accounting keeps two counters per download source: bytes used toward
// the payload currently being applied, and lifetime bytes transferred for
// this update including everything wasted on failed attempts. The spread
// between the two is the download overhead reported on success.

// attributeBytes credits n bytes to the current download source. Bytes with
// no classifiable source are dropped from the books.
func (s *State) attributeBytes(n int64) {
	src := s.downloadSource
	if !src.valid() {
		return
	}
	s.currentBytes[src] += n
	s.totalBytes[src] += n
	s.setInt64(keyCurrentBytesDownloadedPrefix+src.String(), s.currentBytes[src])
	s.setInt64(keyTotalBytesDownloadedPrefix+src.String(), s.totalBytes[src])
}

// CurrentBytesDownloaded returns the bytes credited to src for the payload
// currently being applied.
func (s *State) CurrentBytesDownloaded(src DownloadSource) int64 {
	if !src.valid() {
		return 0
	}
	return s.currentBytes[src]
}

// TotalBytesDownloaded returns the lifetime bytes transferred from src for
// this update.
func (s *State) TotalBytesDownloaded(src DownloadSource) int64 {
	if !src.valid() {
		return 0
	}
	return s.totalBytes[src]
}

// resetCurrentBytes zeros the current-attempt counters, keeping lifetime
// totals.
func (s *State) resetCurrentBytes() {
	for src := DownloadSource(0); src < numDownloadSources; src++ {
		s.currentBytes[src] = 0
		s.deleteKey(keyCurrentBytesDownloadedPrefix + src.String())
	}
}

// drainOnSuccess zeros both counter families after the success metrics have
// been emitted.
func (s *State) drainOnSuccess() {
	for src := DownloadSource(0); src < numDownloadSources; src++ {
		s.currentBytes[src] = 0
		s.totalBytes[src] = 0
		s.deleteKey(keyCurrentBytesDownloadedPrefix + src.String())
		s.deleteKey(keyTotalBytesDownloadedPrefix + src.String())
	}
}
