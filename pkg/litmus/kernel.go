package litmus

import "time"

// Scheduling policies understood by sched_setscheduler on a LITMUS^RT kernel.
const (
	SchedNormal = 0
	SchedLitmus = 6
)

// Mapping is a shared memory region mapped into the process.
type Mapping interface {
	// Bytes returns the mapped region. It must not be retained after Close.
	Bytes() []byte
	Close() error
}

// Kernel is the boundary to the LITMUS^RT kernel.
//
// Methods taking a tid act on that thread; the caller always passes its own
// id as returned by Gettid on the same locked OS thread. Calls that block
// (CompleteJob, WaitForJobRelease, Lock, WaitForTSRelease) may block
// indefinitely. Failed calls return a syscall.Errno where one exists.
//
// NewSyscallKernel returns the Linux implementation; litmustest.Kernel is an
// in-memory one for tests.
type Kernel interface {
	Init() error
	Exit() error
	Gettid() int

	SetRTTaskParam(tid int, p *RTTask) error
	GetRTTaskParam(tid int, p *RTTask) error
	Scheduler(tid int) (int, error)
	SetScheduler(tid int, policy int) error

	CompleteJob(tid int) error
	WaitForJobRelease(tid int, job uint32) error
	QueryJobNo(tid int) (uint32, error)

	MapControlPage(tid int) (Mapping, error)

	// OpenLock returns a non-negative object descriptor for the lock named
	// id in namespace, creating it if absent. config is protocol specific;
	// for KFMLP it is k.
	OpenLock(namespace string, protocol int, id int, config int) (int, error)
	CloseObject(od int) error
	Lock(tid int, od int) error
	Unlock(tid int, od int) error

	WaitForTSRelease(tid int) error
	// ReleaseTS releases the waiting threads with their first jobs at
	// Clock()+delay. The kernel adds the current time itself.
	ReleaseTS(delay time.Duration) (int, error)
	NrTSReleaseWaiters() (int, error)
	Clock() time.Duration
}
