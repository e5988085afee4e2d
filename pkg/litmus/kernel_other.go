//go:build !linux

package litmus

import "time"

// SyscallConfig locates the kernel interfaces (ignored off Linux).
type SyscallConfig struct {
	Base          int
	ControlDevice string
	ProcDir       string
}

const (
	DefaultSyscallBase   = 323
	DefaultControlDevice = "/dev/litmus/ctrl"
	DefaultProcDir       = "/proc/litmus"
)

// SyscallKernel fails every call with ErrUnsupported off Linux.
type SyscallKernel struct{}

var _ Kernel = (*SyscallKernel)(nil)

func NewSyscallKernel(cfg SyscallConfig) *SyscallKernel { return &SyscallKernel{} }

func (k *SyscallKernel) Init() error { return ErrUnsupported }
func (k *SyscallKernel) Exit() error { return nil }
func (k *SyscallKernel) Gettid() int { return 0 }

func (k *SyscallKernel) SetRTTaskParam(tid int, p *RTTask) error { return ErrUnsupported }
func (k *SyscallKernel) GetRTTaskParam(tid int, p *RTTask) error { return ErrUnsupported }
func (k *SyscallKernel) Scheduler(tid int) (int, error)          { return SchedNormal, nil }
func (k *SyscallKernel) SetScheduler(tid int, policy int) error  { return ErrUnsupported }

func (k *SyscallKernel) CompleteJob(tid int) error                   { return ErrUnsupported }
func (k *SyscallKernel) WaitForJobRelease(tid int, job uint32) error { return ErrUnsupported }
func (k *SyscallKernel) QueryJobNo(tid int) (uint32, error)          { return 0, ErrUnsupported }

func (k *SyscallKernel) MapControlPage(tid int) (Mapping, error) { return nil, ErrUnsupported }

func (k *SyscallKernel) OpenLock(namespace string, protocol int, id int, config int) (int, error) {
	return -1, ErrUnsupported
}
func (k *SyscallKernel) CloseObject(od int) error       { return ErrUnsupported }
func (k *SyscallKernel) Lock(tid int, od int) error     { return ErrUnsupported }
func (k *SyscallKernel) Unlock(tid int, od int) error   { return ErrUnsupported }
func (k *SyscallKernel) WaitForTSRelease(tid int) error { return ErrUnsupported }

func (k *SyscallKernel) ReleaseTS(delay time.Duration) (int, error) { return 0, ErrUnsupported }
func (k *SyscallKernel) NrTSReleaseWaiters() (int, error)           { return 0, ErrUnsupported }
func (k *SyscallKernel) Clock() time.Duration                       { return time.Duration(time.Now().UnixNano()) }
