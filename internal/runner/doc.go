// Package runner drives periodic real-time task threads through the litmus
// client and records what their jobs did.
//
// Each task thread runs on its own locked OS thread: it registers its
// parameters, enters real-time mode, optionally waits for the task-system
// release and then loops over jobs. A job takes the configured lock (if any),
// reads its k-exclusion slot, holds the lock for a while by spinning on the
// litmus clock, releases it and sleeps until the next period.
//
// Task threads never do I/O per job. They publish an eventbus.JobEvent and
// the Recorder writes it to storage on an ordinary goroutine.
package runner
