package tilestream

// Stats is a point-in-time snapshot of a ResidencyManager's counters.
// Cumulative counters only grow; gauges describe the end of the last frame.
type Stats struct {
	Frame uint64

	LoadsIssued    int64
	LoadsCompleted int64
	LoadErrors     int64
	Discarded      int64 // completions dropped after a reset or release
	HostCacheHits  int64
	Admissions     int64
	Evictions      int64
	Deferred       int64 // admissions postponed by budget exhaustion
	MapErrors      int64
	DroppedErrors  int64 // error reports lost to a full error channel
	IgnoredSamples int64 // protected, out-of-layout or unmanaged samples

	Resident  int // records mapped into a pool slot, protected included
	Protected int
	Ready     int
	Loading   int
	Queued    int
	InFlight  int
	HostCache int
}
