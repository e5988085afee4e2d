//go:build linux

package litmus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LITMUS^RT syscall offsets from SyscallConfig.Base.
const (
	sysSetRTTaskParam = iota
	sysGetRTTaskParam
	sysCompleteJob
	sysODOpen
	sysODClose
	sysLitmusLock
	sysLitmusUnlock
	sysQueryJobNo
	sysWaitForJobRelease
	sysWaitForTSRelease
	sysReleaseTS
)

// SyscallConfig locates the kernel interfaces.
type SyscallConfig struct {
	// Base is the number of the first LITMUS^RT syscall. It depends on the
	// architecture and kernel version.
	Base int
	// ControlDevice is the character device backing the control page.
	ControlDevice string
	// ProcDir holds active_plugin and stats.
	ProcDir string
}

const (
	DefaultSyscallBase   = 323
	DefaultControlDevice = "/dev/litmus/ctrl"
	DefaultProcDir       = "/proc/litmus"
)

func (c SyscallConfig) withDefaults() SyscallConfig {
	if c.Base <= 0 {
		c.Base = DefaultSyscallBase
	}
	if strings.TrimSpace(c.ControlDevice) == "" {
		c.ControlDevice = DefaultControlDevice
	}
	if strings.TrimSpace(c.ProcDir) == "" {
		c.ProcDir = DefaultProcDir
	}
	return c
}

// SyscallKernel talks to a LITMUS^RT kernel through raw syscalls.
type SyscallKernel struct {
	cfg SyscallConfig
}

var _ Kernel = (*SyscallKernel)(nil)

func NewSyscallKernel(cfg SyscallConfig) *SyscallKernel {
	return &SyscallKernel{cfg: cfg.withDefaults()}
}

func (k *SyscallKernel) nr(off int) uintptr { return uintptr(k.cfg.Base + off) }

// result converts a raw syscall return. On failure the status is -1 and the
// error is the errno, matching what Error.Code reports. Pointer arguments are
// converted to uintptr inline in each unix.Syscall call so they stay valid for
// its duration.
func result(r uintptr, errno unix.Errno) (int, error) {
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// Init locks all current and future memory and checks that a LITMUS^RT
// kernel is running.
func (k *SyscallKernel) Init() error {
	if _, err := os.Stat(filepath.Join(k.cfg.ProcDir, "active_plugin")); err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return errno
		}
		return err
	}
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

func (k *SyscallKernel) Exit() error { return unix.Munlockall() }

func (k *SyscallKernel) Gettid() int { return unix.Gettid() }

func (k *SyscallKernel) SetRTTaskParam(tid int, p *RTTask) error {
	r, _, errno := unix.Syscall(k.nr(sysSetRTTaskParam), uintptr(tid), uintptr(unsafe.Pointer(p)), 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) GetRTTaskParam(tid int, p *RTTask) error {
	r, _, errno := unix.Syscall(k.nr(sysGetRTTaskParam), uintptr(tid), uintptr(unsafe.Pointer(p)), 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) Scheduler(tid int) (int, error) {
	r, _, errno := unix.RawSyscall(unix.SYS_SCHED_GETSCHEDULER, uintptr(tid), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

func (k *SyscallKernel) SetScheduler(tid int, policy int) error {
	var param struct{ priority int32 }
	_, _, errno := unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, uintptr(tid), uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (k *SyscallKernel) CompleteJob(tid int) error {
	r, _, errno := unix.Syscall(k.nr(sysCompleteJob), 0, 0, 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) WaitForJobRelease(tid int, job uint32) error {
	r, _, errno := unix.Syscall(k.nr(sysWaitForJobRelease), uintptr(job), 0, 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) QueryJobNo(tid int) (uint32, error) {
	var job uint32
	r, _, errno := unix.Syscall(k.nr(sysQueryJobNo), uintptr(unsafe.Pointer(&job)), 0, 0)
	if _, err := result(r, errno); err != nil {
		return 0, err
	}
	return job, nil
}

type pageMapping struct{ data []byte }

func (m *pageMapping) Bytes() []byte { return m.data }

func (m *pageMapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// The control device refuses shared mappings.
const ctrlPageMapFlags = unix.MAP_PRIVATE

// MapControlPage maps the calling thread's control page read-only. The
// kernel allocates the page for whichever task performs the mmap.
func (k *SyscallKernel) MapControlPage(tid int) (Mapping, error) {
	fd, err := unix.Open(k.cfg.ControlDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)
	data, err := unix.Mmap(fd, 0, unix.Getpagesize(), unix.PROT_READ, ctrlPageMapFlags)
	if err != nil {
		return nil, err
	}
	return &pageMapping{data: data}, nil
}

func (k *SyscallKernel) OpenLock(namespace string, protocol int, id int, config int) (int, error) {
	fd, err := unix.Open(namespace, unix.O_RDONLY|unix.O_CREAT|unix.O_CLOEXEC, unix.S_IRUSR|unix.S_IWUSR)
	if err != nil {
		return -1, err
	}
	defer unix.Close(fd)
	cfg := int32(config)
	r, _, errno := unix.Syscall6(k.nr(sysODOpen), uintptr(fd), uintptr(protocol), uintptr(id), uintptr(unsafe.Pointer(&cfg)), 0, 0)
	return result(r, errno)
}

func (k *SyscallKernel) CloseObject(od int) error {
	r, _, errno := unix.Syscall(k.nr(sysODClose), uintptr(od), 0, 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) Lock(tid int, od int) error {
	r, _, errno := unix.Syscall(k.nr(sysLitmusLock), uintptr(od), 0, 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) Unlock(tid int, od int) error {
	r, _, errno := unix.Syscall(k.nr(sysLitmusUnlock), uintptr(od), 0, 0)
	_, err := result(r, errno)
	return err
}

func (k *SyscallKernel) WaitForTSRelease(tid int) error {
	r, _, errno := unix.Syscall(k.nr(sysWaitForTSRelease), 0, 0, 0)
	_, err := result(r, errno)
	return err
}

// ReleaseTS passes delay as the lt_t the syscall reads; the kernel offsets it
// from its own clock.
func (k *SyscallKernel) ReleaseTS(delay time.Duration) (int, error) {
	d := uint64(delay)
	r, _, errno := unix.Syscall(k.nr(sysReleaseTS), uintptr(unsafe.Pointer(&d)), 0, 0)
	return result(r, errno)
}

// NrTSReleaseWaiters parses "ready for release = N" from the stats file.
func (k *SyscallKernel) NrTSReleaseWaiters() (int, error) {
	b, err := os.ReadFile(filepath.Join(k.cfg.ProcDir, "stats"))
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return 0, errno
		}
		return 0, err
	}
	return parseReleaseWaiters(b)
}

func parseReleaseWaiters(b []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		key, val, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "ready for release" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("stats: bad waiter count %q: %w", val, err)
		}
		return n, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("stats: no \"ready for release\" line")
}

func (k *SyscallKernel) Clock() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}
