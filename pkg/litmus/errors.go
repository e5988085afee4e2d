package litmus

import (
	"errors"
	"fmt"
	"syscall"
)

// Failure categories. Every error returned by this package matches exactly one
// of these with errors.Is.
var (
	ErrInit                    = errors.New("litmus init failed")
	ErrSchedulingMode          = errors.New("scheduling mode change failed")
	ErrInvalidParameter        = errors.New("invalid task parameter")
	ErrKernelRejectedParameter = errors.New("kernel rejected task parameters")
	ErrNoParameters            = errors.New("no task parameters registered")
	ErrReleaseWait             = errors.New("job release wait failed")
	ErrJobQuery                = errors.New("job number query failed")
	ErrControlPageUnavailable  = errors.New("control page unavailable")
	ErrLockOpen                = errors.New("lock open failed")
	ErrLockOperation           = errors.New("lock operation failed")
	ErrHandleClose             = errors.New("handle close failed")
	ErrTaskSystemRelease       = errors.New("task system release failed")
)

// Resource-state causes, detected locally before any kernel call.
var (
	ErrHandleClosed = errors.New("lock handle closed or never opened")
	ErrAlreadyHeld  = errors.New("lock already held by this thread")
	ErrNotHeld      = errors.New("lock not held by this thread")
	ErrDetached     = errors.New("thread detached")
	ErrUnsupported  = errors.New("litmus: unsupported OS (linux only)")
)

// Error describes a failed operation.
//
// Op is the kernel-facing operation name (e.g. "set_rt_task_param") and Errno
// the OS error captured with the failure. Code is the status the call
// returned to user space: a failed syscall always returns -1 with the error
// in Errno, as with libc's syscall(); the kernel's negative errno is never
// visible. Code is 0 when the failure was detected before any call. Err is the
// underlying cause.
type Error struct {
	Op    string
	Kind  error
	Code  int
	Errno syscall.Errno
	Err   error
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s returned %d: %v (errno %d)", e.Op, e.Code, e.Errno, int(e.Errno))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// kernelError reports a failed kernel call. rc is the raw status the call
// produced; err is whatever the kernel boundary returned with it.
func kernelError(kind error, op string, rc int, err error) error {
	e := &Error{Op: op, Kind: kind, Code: rc, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// stateError reports a failure detected without calling into the kernel.
func stateError(kind error, op string, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// statusOf is the user-space status of a kernel call that returned err: -1
// on failure, 0 otherwise.
func statusOf(err error) int {
	if err == nil {
		return 0
	}
	return -1
}
