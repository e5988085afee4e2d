package app

// StopReason says why the app is stopping; it is logged.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopJobsDone   StopReason = "jobs_done"
)
