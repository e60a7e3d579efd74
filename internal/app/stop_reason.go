package app

// StopReason records why the process is shutting down, so the final log
// line and exit path can tell a clean signal stop from a fault.
type StopReason int

const (
	StopUnknown StopReason = iota
	StopSignal
	StopFatal
)

func (r StopReason) String() string {
	switch r {
	case StopSignal:
		return "signal"
	case StopFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
