// Package litmustest provides an in-memory LITMUS^RT kernel for tests.
//
// Kernel mimics the behavior user space can observe: parameter checks, the
// scheduling class switch, job numbering, a control page per thread,
// k-exclusion locks with slot assignment and task-system release. Blocking
// calls block on a condition variable; job releases happen immediately, so
// SleepNextPeriod never sleeps.
package litmustest

import (
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"litmusrt/pkg/litmus"
)

// Call names recorded by Kernel and accepted by FailNext.
const (
	CallInit               = "init_litmus"
	CallExit               = "exit_litmus"
	CallGettid             = "gettid"
	CallSetRTTaskParam     = "set_rt_task_param"
	CallGetRTTaskParam     = "get_rt_task_param"
	CallScheduler          = "sched_getscheduler"
	CallSetScheduler       = "sched_setscheduler"
	CallCompleteJob        = "complete_job"
	CallWaitForJobRelease  = "wait_for_job_release"
	CallQueryJobNo         = "query_job_no"
	CallMapControlPage     = "map_ctrl_page"
	CallODOpen             = "od_open"
	CallODClose            = "od_close"
	CallLock               = "litmus_lock"
	CallUnlock             = "litmus_unlock"
	CallWaitForTSRelease   = "wait_for_ts_release"
	CallReleaseTS          = "release_ts"
	CallNrTSReleaseWaiters = "get_nr_ts_release_waiters"
)

const pageSize = 4096

type task struct {
	params    litmus.RTTask
	hasParams bool
	policy    int
	job       uint32
	release   time.Duration
	page      []byte
	mapped    bool
}

type lockKey struct {
	namespace string
	id        int
}

type lockState struct {
	protocol int
	k        int
	holders  map[int]int // tid -> slot
	refs     int
}

// Kernel is an in-memory litmus.Kernel. The zero value is not usable; call
// New.
type Kernel struct {
	mu   sync.Mutex
	cond *sync.Cond

	numCPU  int
	epoch   time.Time
	nextTID int
	inited  bool

	tasks   map[int]*task
	objects map[int]lockKey
	locks   map[lockKey]*lockState

	tsWaiters int
	tsGen     uint64
	tsAt      time.Duration
	tsDelay   time.Duration

	calls    []string
	failNext map[string]syscall.Errno
}

var _ litmus.Kernel = (*Kernel)(nil)

type Option func(*Kernel)

// WithCPUs sets the number of CPUs a task may be assigned to.
func WithCPUs(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.numCPU = n
		}
	}
}

func New(opts ...Option) *Kernel {
	k := &Kernel{
		numCPU:   runtime.NumCPU(),
		epoch:    time.Now(),
		nextTID:  1000,
		tasks:    map[int]*task{},
		objects:  map[int]lockKey{},
		locks:    map[lockKey]*lockState{},
		failNext: map[string]syscall.Errno{},
	}
	k.cond = sync.NewCond(&k.mu)
	for _, o := range opts {
		if o != nil {
			o(k)
		}
	}
	return k
}

// FailNext makes the next call named op fail with errno.
func (k *Kernel) FailNext(op string, errno syscall.Errno) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failNext[op] = errno
}

// Calls returns every recorded call name in order.
func (k *Kernel) Calls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.calls...)
}

// CallsTo counts recorded calls named op.
func (k *Kernel) CallsTo(op string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, c := range k.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Inited reports whether Init succeeded and Exit has not been called since.
func (k *Kernel) Inited() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.inited
}

// Job returns the current job number of tid.
func (k *Kernel) Job(tid int) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t := k.tasks[tid]; t != nil {
		return t.job
	}
	return 0
}

// Holders returns the tids holding the lock id in namespace, sorted.
func (k *Kernel) Holders(namespace string, id int) []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	ls := k.locks[lockKey{namespace, id}]
	if ls == nil {
		return nil
	}
	out := make([]int, 0, len(ls.holders))
	for tid := range ls.holders {
		out = append(out, tid)
	}
	sort.Ints(out)
	return out
}

// OpenObjects returns the number of open object descriptors.
func (k *Kernel) OpenObjects() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.objects)
}

// enter records op and consumes an injected failure. k.mu must be held.
func (k *Kernel) enter(op string) error {
	k.calls = append(k.calls, op)
	if errno, ok := k.failNext[op]; ok {
		delete(k.failNext, op)
		return errno
	}
	return nil
}

func (k *Kernel) task(tid int) (*task, error) {
	t := k.tasks[tid]
	if t == nil {
		return nil, syscall.ESRCH
	}
	return t, nil
}

func (k *Kernel) rtTask(tid int) (*task, error) {
	t, err := k.task(tid)
	if err != nil {
		return nil, err
	}
	if t.policy != litmus.SchedLitmus {
		return nil, syscall.EPERM
	}
	return t, nil
}

func (k *Kernel) now() time.Duration { return time.Since(k.epoch) }

// publish copies job state of t to its control page, if mapped.
func (t *task) publish() {
	if !t.mapped {
		return
	}
	deadline := t.params.RelativeDeadline
	if deadline == 0 {
		deadline = t.params.Period
	}
	litmus.StoreControlPageField(t.page, litmus.FieldRelease, uint64(t.release))
	litmus.StoreControlPageField(t.page, litmus.FieldDeadline, uint64(t.release)+deadline)
	litmus.StoreControlPageField(t.page, litmus.FieldJobIndex, uint64(t.job))
}

func (t *task) setSlot(slot int) {
	if !t.mapped {
		return
	}
	litmus.StoreControlPageField(t.page, litmus.FieldKExclusionSlot, uint64(int64(slot)))
}

func (k *Kernel) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallInit); err != nil {
		return err
	}
	k.inited = true
	return nil
}

func (k *Kernel) Exit() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallExit); err != nil {
		return err
	}
	k.inited = false
	return nil
}

// Gettid hands out a fresh thread id on every call.
func (k *Kernel) Gettid() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	_ = k.enter(CallGettid)
	k.nextTID++
	tid := k.nextTID
	k.tasks[tid] = &task{policy: litmus.SchedNormal}
	return tid
}

func (k *Kernel) SetRTTaskParam(tid int, p *litmus.RTTask) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallSetRTTaskParam); err != nil {
		return err
	}
	t, err := k.task(tid)
	if err != nil {
		return err
	}
	if t.policy == litmus.SchedLitmus {
		return syscall.EBUSY
	}
	if p.ExecCost == 0 || p.Period == 0 {
		return syscall.EINVAL
	}
	limit := p.Period
	if p.RelativeDeadline != 0 && p.RelativeDeadline < limit {
		limit = p.RelativeDeadline
	}
	if p.ExecCost > limit {
		return syscall.EINVAL
	}
	if int(p.CPU) >= k.numCPU {
		return syscall.EINVAL
	}
	if p.Class > litmus.RTClassBestEffort ||
		p.BudgetPolicy > uint32(litmus.PreciseSignals) ||
		p.ReleasePolicy > uint32(litmus.Early) {
		return syscall.EINVAL
	}
	t.params = *p
	t.hasParams = true
	return nil
}

// GetRTTaskParam copies the stored block. Threads that never set parameters
// get a zeroed block and no error.
func (k *Kernel) GetRTTaskParam(tid int, p *litmus.RTTask) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallGetRTTaskParam); err != nil {
		return err
	}
	t, err := k.task(tid)
	if err != nil {
		return err
	}
	*p = t.params
	return nil
}

func (k *Kernel) Scheduler(tid int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallScheduler); err != nil {
		return -1, err
	}
	t, err := k.task(tid)
	if err != nil {
		return -1, err
	}
	return t.policy, nil
}

func (k *Kernel) SetScheduler(tid int, policy int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallSetScheduler); err != nil {
		return err
	}
	t, err := k.task(tid)
	if err != nil {
		return err
	}
	switch policy {
	case litmus.SchedLitmus:
		if !t.hasParams {
			return syscall.EINVAL
		}
		if t.policy == litmus.SchedLitmus {
			return nil
		}
		t.policy = policy
		t.job = 1
		t.release = k.now() + time.Duration(t.params.Phase)
		t.publish()
	case litmus.SchedNormal:
		t.policy = policy
		t.job = 0
	default:
		return syscall.EINVAL
	}
	return nil
}

// CompleteJob releases the next job immediately.
func (k *Kernel) CompleteJob(tid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallCompleteJob); err != nil {
		return err
	}
	t, err := k.rtTask(tid)
	if err != nil {
		return err
	}
	t.job++
	t.release += time.Duration(t.params.Period)
	t.publish()
	return nil
}

// WaitForJobRelease returns at once for jobs already released and otherwise
// advances the task to job.
func (k *Kernel) WaitForJobRelease(tid int, job uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallWaitForJobRelease); err != nil {
		return err
	}
	t, err := k.rtTask(tid)
	if err != nil {
		return err
	}
	if job > t.job {
		t.release += time.Duration(job-t.job) * time.Duration(t.params.Period)
		t.job = job
		t.publish()
	}
	return nil
}

func (k *Kernel) QueryJobNo(tid int) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallQueryJobNo); err != nil {
		return 0, err
	}
	t, err := k.rtTask(tid)
	if err != nil {
		return 0, err
	}
	return t.job, nil
}

type mapping struct {
	k    *Kernel
	tid  int
	data []byte
}

func (m *mapping) Bytes() []byte { return m.data }

func (m *mapping) Close() error {
	m.k.mu.Lock()
	defer m.k.mu.Unlock()
	if m.data == nil {
		return syscall.EINVAL
	}
	if t := m.k.tasks[m.tid]; t != nil {
		t.mapped = false
	}
	m.data = nil
	return nil
}

// MapControlPage returns the task's page, allocating it on first use. The
// page is 8-byte aligned and starts with no k-exclusion slot.
func (k *Kernel) MapControlPage(tid int) (litmus.Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallMapControlPage); err != nil {
		return nil, err
	}
	t, err := k.task(tid)
	if err != nil {
		return nil, err
	}
	if t.page == nil {
		words := make([]uint64, pageSize/8)
		t.page = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), pageSize)
		litmus.StoreControlPageField(t.page, litmus.FieldKExclusionSlot, litmus.NoKExclusionSlot)
	}
	t.mapped = true
	if t.policy == litmus.SchedLitmus {
		t.publish()
	}
	return &mapping{k: k, tid: tid, data: t.page}, nil
}

// OpenLock shares one lock per (namespace, id). KFMLP takes k from config;
// every other known protocol behaves as a mutex.
func (k *Kernel) OpenLock(namespace string, protocol int, id int, config int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallODOpen); err != nil {
		return -1, err
	}
	if namespace == "" {
		return -1, syscall.ENOENT
	}
	if litmus.NameForLockProtocol(protocol) == "" {
		return -1, syscall.EINVAL
	}
	limit := 1
	if protocol == litmus.ProtocolKFMLP {
		if config <= 0 {
			return -1, syscall.EINVAL
		}
		limit = config
	}
	key := lockKey{namespace, id}
	ls := k.locks[key]
	if ls == nil {
		ls = &lockState{protocol: protocol, k: limit, holders: map[int]int{}}
		k.locks[key] = ls
	} else if ls.protocol != protocol || ls.k != limit {
		return -1, syscall.EINVAL
	}
	od := 0
	for {
		if _, used := k.objects[od]; !used {
			break
		}
		od++
	}
	k.objects[od] = key
	ls.refs++
	return od, nil
}

func (k *Kernel) CloseObject(od int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallODClose); err != nil {
		return err
	}
	key, ok := k.objects[od]
	if !ok {
		return syscall.EBADF
	}
	delete(k.objects, od)
	if ls := k.locks[key]; ls != nil {
		ls.refs--
		if ls.refs <= 0 && len(ls.holders) == 0 {
			delete(k.locks, key)
		}
	}
	return nil
}

func (k *Kernel) lockFor(od int) (*lockState, error) {
	key, ok := k.objects[od]
	if !ok {
		return nil, syscall.EBADF
	}
	ls := k.locks[key]
	if ls == nil {
		return nil, syscall.EBADF
	}
	return ls, nil
}

// Lock blocks while k holders are in. Waiters are woken together; the
// order in which they get in is unspecified.
func (k *Kernel) Lock(tid int, od int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallLock); err != nil {
		return err
	}
	t, err := k.rtTask(tid)
	if err != nil {
		return err
	}
	ls, err := k.lockFor(od)
	if err != nil {
		return err
	}
	if _, held := ls.holders[tid]; held {
		return syscall.EBUSY
	}
	for len(ls.holders) >= ls.k {
		k.cond.Wait()
		if _, err := k.lockFor(od); err != nil {
			return err
		}
	}
	slot := 0
	for {
		taken := false
		for _, s := range ls.holders {
			if s == slot {
				taken = true
				break
			}
		}
		if !taken {
			break
		}
		slot++
	}
	ls.holders[tid] = slot
	t.setSlot(slot)
	return nil
}

func (k *Kernel) Unlock(tid int, od int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallUnlock); err != nil {
		return err
	}
	t, err := k.rtTask(tid)
	if err != nil {
		return err
	}
	ls, err := k.lockFor(od)
	if err != nil {
		return err
	}
	if _, held := ls.holders[tid]; !held {
		return syscall.EINVAL
	}
	delete(ls.holders, tid)
	t.setSlot(-1)
	k.cond.Broadcast()
	return nil
}

// WaitForTSRelease blocks until the next ReleaseTS. The task's current job
// is re-released at the release time.
func (k *Kernel) WaitForTSRelease(tid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallWaitForTSRelease); err != nil {
		return err
	}
	t, err := k.rtTask(tid)
	if err != nil {
		return err
	}
	gen := k.tsGen
	k.tsWaiters++
	k.cond.Broadcast()
	for k.tsGen == gen {
		k.cond.Wait()
	}
	t.release = k.tsAt
	t.publish()
	return nil
}

// ReleaseTS takes a delay, as the syscall does, and releases the waiters at
// Clock()+delay.
func (k *Kernel) ReleaseTS(delay time.Duration) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallReleaseTS); err != nil {
		return 0, err
	}
	n := k.tsWaiters
	k.tsWaiters = 0
	k.tsDelay = delay
	k.tsAt = k.now() + delay
	k.tsGen++
	k.cond.Broadcast()
	return n, nil
}

func (k *Kernel) NrTSReleaseWaiters() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.enter(CallNrTSReleaseWaiters); err != nil {
		return 0, err
	}
	return k.tsWaiters, nil
}

// LastRelease reports the delay passed to the latest ReleaseTS and the
// release time it produced.
func (k *Kernel) LastRelease() (delay, at time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tsDelay, k.tsAt
}

// AwaitTSWaiters blocks until at least n threads wait for the task-system
// release.
func (k *Kernel) AwaitTSWaiters(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for k.tsWaiters < n {
		k.cond.Wait()
	}
}

// Clock is the time elapsed since New.
func (k *Kernel) Clock() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now()
}
