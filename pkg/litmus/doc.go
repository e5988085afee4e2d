// Package litmus is a user-space client for the LITMUS^RT real-time
// scheduling kernel.
//
// A process creates one Client over a Kernel (NewSyscallKernel on Linux) and
// each real-time goroutine attaches its own OS thread:
//
//	c := litmus.New(litmus.NewSyscallKernel(litmus.SyscallConfig{}))
//	if err := c.Init(); err != nil { ... }
//	defer c.Exit()
//
//	t := c.Attach() // pins the goroutine to its OS thread
//	defer t.Detach()
//	if err := t.SetParams(litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)); err != nil { ... }
//	if err := t.SetTaskMode(true); err != nil { ... }
//	for {
//		// one job
//		if err := t.SleepNextPeriod(); err != nil { ... }
//	}
//
// Failures are *Error values carrying the operation, the raw return code and
// the errno; match them with errors.Is against the Err* categories. Nothing in
// this package retries.
package litmus
