package litmus_test

import (
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"litmusrt/pkg/litmus"
	"litmusrt/pkg/litmus/litmustest"
)

func TestKFMLPLifecycle(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	ns := filepath.Join(t.TempDir(), ".kfmlp_lock")

	h, err := c.OpenKFMLPLock(ns, 1, 3)
	if err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}
	if h.IsZero() {
		t.Fatal("OpenKFMLPLock returned the zero handle")
	}
	th := realtime(t, c, litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond))
	defer th.Detach()

	if err := th.Lock(h); err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	slot, err := th.KExclusionSlot()
	if err != nil {
		t.Fatalf("KExclusionSlot error: %v", err)
	}
	if slot != 0 {
		t.Fatalf("slot = %d, want 0", slot)
	}
	if got := k.Holders(ns, 1); len(got) != 1 || got[0] != th.TID() {
		t.Fatalf("holders = %v, want [%d]", got, th.TID())
	}
	if err := th.Unlock(h); err != nil {
		t.Fatalf("Unlock error: %v", err)
	}
	if slot, _ := th.KExclusionSlot(); slot != litmus.NoKExclusionSlot {
		t.Fatalf("slot after unlock = %#x, want none", slot)
	}
	if err := c.CloseLock(h); err != nil {
		t.Fatalf("CloseLock error: %v", err)
	}
	if c.OpenLocks() != 0 || k.OpenObjects() != 0 {
		t.Fatalf("open handles = %d/%d after close, want 0/0", c.OpenLocks(), k.OpenObjects())
	}

	err = th.Lock(h)
	if !errors.Is(err, litmus.ErrLockOperation) || !errors.Is(err, litmus.ErrHandleClosed) {
		t.Fatalf("Lock after close err = %v, want ErrLockOperation wrapping ErrHandleClosed", err)
	}
	if got := k.CallsTo(litmustest.CallLock); got != 1 {
		t.Fatalf("litmus_lock calls = %d, want 1", got)
	}
	if err := c.CloseLock(h); !errors.Is(err, litmus.ErrHandleClose) {
		t.Fatalf("second CloseLock err = %v, want ErrHandleClose", err)
	}
	if err := c.CloseLock(litmus.LockHandle{}); !errors.Is(err, litmus.ErrHandleClose) {
		t.Fatalf("CloseLock(zero) err = %v, want ErrHandleClose", err)
	}
}

func TestLockStateErrors(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	ns := filepath.Join(t.TempDir(), "ns")
	h, err := c.OpenKFMLPLock(ns, 7, 2)
	if err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}
	th := realtime(t, c, litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond))
	defer th.Detach()

	if err := th.Unlock(h); !errors.Is(err, litmus.ErrNotHeld) {
		t.Fatalf("spurious Unlock err = %v, want ErrNotHeld", err)
	}
	if err := th.Lock(h); err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	if err := th.Lock(h); !errors.Is(err, litmus.ErrAlreadyHeld) {
		t.Fatalf("double Lock err = %v, want ErrAlreadyHeld", err)
	}
	if got := k.CallsTo(litmustest.CallLock); got != 1 {
		t.Fatalf("litmus_lock calls = %d, want 1", got)
	}
	if err := th.Unlock(h); err != nil {
		t.Fatalf("Unlock error: %v", err)
	}
}

func TestStaleHandleAfterDescriptorReuse(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	ns := filepath.Join(t.TempDir(), "ns")

	old, err := c.OpenKFMLPLock(ns, 1, 1)
	if err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}
	if err := c.CloseLock(old); err != nil {
		t.Fatalf("CloseLock error: %v", err)
	}
	fresh, err := c.OpenKFMLPLock(ns, 2, 1)
	if err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}
	if fresh.OD() != old.OD() {
		t.Fatalf("descriptor not reused (old %d, new %d)", old.OD(), fresh.OD())
	}
	if old == fresh {
		t.Fatal("stale handle equals the fresh one")
	}

	th := realtime(t, c, litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond))
	defer th.Detach()
	if err := th.Lock(old); !errors.Is(err, litmus.ErrHandleClosed) {
		t.Fatalf("Lock(stale) err = %v, want ErrHandleClosed", err)
	}
	if err := c.CloseLock(old); !errors.Is(err, litmus.ErrHandleClosed) {
		t.Fatalf("CloseLock(stale) err = %v, want ErrHandleClosed", err)
	}
	if c.OpenLocks() != 1 {
		t.Fatalf("OpenLocks = %d, want 1", c.OpenLocks())
	}
}

func TestOpenLockErrors(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	ns := filepath.Join(t.TempDir(), "ns")

	if _, err := c.OpenKFMLPLock(ns, 1, 2); err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}

	tests := []struct {
		name  string
		open  func() (litmus.LockHandle, error)
		errno syscall.Errno
	}{
		{"conflicting k", func() (litmus.LockHandle, error) { return c.OpenKFMLPLock(ns, 1, 3) }, syscall.EINVAL},
		{"zero k", func() (litmus.LockHandle, error) { return c.OpenKFMLPLock(ns, 2, 0) }, syscall.EINVAL},
		{"empty namespace", func() (litmus.LockHandle, error) { return c.OpenKFMLPLock("", 1, 1) }, syscall.ENOENT},
		{"unknown protocol", func() (litmus.LockHandle, error) { return c.OpenLock(42, ns, 3, 0) }, syscall.EINVAL},
	}
	for _, tt := range tests {
		h, err := tt.open()
		if !errors.Is(err, litmus.ErrLockOpen) || !errors.Is(err, tt.errno) {
			t.Fatalf("%s: err = %v, want ErrLockOpen wrapping %v", tt.name, err, tt.errno)
		}
		if !h.IsZero() {
			t.Fatalf("%s: got handle %v on failure", tt.name, h)
		}
	}

	k.FailNext(litmustest.CallODOpen, syscall.ENOMEM)
	_, err := c.OpenKFMLPLock(ns, 9, 1)
	var le *litmus.Error
	if !errors.As(err, &le) || le.Op != "litmus_open_lock" || le.Errno != syscall.ENOMEM || le.Code != -1 {
		t.Fatalf("err = %#v, want op litmus_open_lock code -1 errno ENOMEM", err)
	}
}

func TestKExclusionAdmitsK(t *testing.T) {
	t.Parallel()
	c, k := newClient(t)
	ns := filepath.Join(t.TempDir(), "ns")
	const holders = 2
	h, err := c.OpenKFMLPLock(ns, 1, holders)
	if err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}

	// Two threads take both slots and hold them until told to release.
	release := make(chan struct{})
	var held sync.WaitGroup
	var done sync.WaitGroup
	slots := make(chan uint64, holders+1)
	errc := make(chan error, holders+1)
	for i := 0; i < holders; i++ {
		held.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			th := c.Attach()
			defer th.Detach()
			if err := th.SetParams(litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)); err != nil {
				errc <- err
				held.Done()
				return
			}
			if err := th.SetTaskMode(true); err != nil {
				errc <- err
				held.Done()
				return
			}
			if err := th.Lock(h); err != nil {
				errc <- err
				held.Done()
				return
			}
			slot, _ := th.KExclusionSlot()
			slots <- slot
			held.Done()
			<-release
			errc <- th.Unlock(h)
		}()
	}
	held.Wait()
	if got := len(k.Holders(ns, 1)); got != holders {
		t.Fatalf("holders = %d, want %d", got, holders)
	}

	// A third thread blocks until one slot frees.
	third := make(chan error, 1)
	go func() {
		th := c.Attach()
		defer th.Detach()
		if err := th.SetParams(litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)); err != nil {
			third <- err
			return
		}
		if err := th.SetTaskMode(true); err != nil {
			third <- err
			return
		}
		if err := th.Lock(h); err != nil {
			third <- err
			return
		}
		slot, _ := th.KExclusionSlot()
		slots <- slot
		third <- th.Unlock(h)
	}()

	select {
	case err := <-third:
		t.Fatalf("third thread got in while %d slots were held (err=%v)", holders, err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	done.Wait()
	for i := 0; i < holders; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("holder error: %v", err)
		}
	}
	select {
	case err := <-third:
		if err != nil {
			t.Fatalf("third thread error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("third thread never acquired the lock")
	}

	close(slots)
	seen := map[uint64]bool{}
	for s := range slots {
		if s >= holders {
			t.Fatalf("slot %d out of range [0,%d)", s, holders)
		}
		seen[s] = true
	}
	if len(seen) != holders {
		t.Fatalf("distinct slots = %d, want %d", len(seen), holders)
	}
}

func TestExitClosesOpenLocks(t *testing.T) {
	t.Parallel()
	k := litmustest.New()
	c := litmus.New(k)
	if err := c.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	ns := filepath.Join(t.TempDir(), "ns")
	for id := 0; id < 3; id++ {
		if _, err := c.OpenKFMLPLock(ns, id, 1); err != nil {
			t.Fatalf("OpenKFMLPLock error: %v", err)
		}
	}
	c.Exit()
	if k.OpenObjects() != 0 {
		t.Fatalf("kernel objects after Exit = %d, want 0", k.OpenObjects())
	}
	if k.Inited() {
		t.Fatal("kernel still initialized after Exit")
	}
}
