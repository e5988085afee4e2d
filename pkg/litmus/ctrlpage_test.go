package litmus_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"litmusrt/pkg/litmus"
)

func TestControlPageSnapshot(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	p := litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)
	th := realtime(t, c, p)
	defer th.Detach()

	first, err := th.ControlPage()
	if err != nil {
		t.Fatalf("ControlPage error: %v", err)
	}
	if first.JobIndex != 1 {
		t.Fatalf("JobIndex = %d, want 1", first.JobIndex)
	}
	if first.Deadline != first.Release+uint64(p.Period) {
		t.Fatalf("Deadline = %d, want release %d + period", first.Deadline, first.Release)
	}
	if first.HoldsKExclusionSlot() {
		t.Fatalf("fresh page reports slot %d", first.KExclusionSlot)
	}

	if err := th.SleepNextPeriod(); err != nil {
		t.Fatalf("SleepNextPeriod error: %v", err)
	}
	next, err := th.ControlPage()
	if err != nil {
		t.Fatalf("ControlPage error: %v", err)
	}
	if next.JobIndex != first.JobIndex+1 {
		t.Fatalf("JobIndex = %d, want %d", next.JobIndex, first.JobIndex+1)
	}
	if next.Release != first.Release+uint64(p.Period) {
		t.Fatalf("Release advanced by %d, want %d", next.Release-first.Release, p.Period)
	}
}

func TestControlPageSlotMatchesAccessor(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	h, err := c.OpenKFMLPLock(filepath.Join(t.TempDir(), "ns"), 1, 3)
	if err != nil {
		t.Fatalf("OpenKFMLPLock error: %v", err)
	}
	th := realtime(t, c, litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond))
	defer th.Detach()

	check := func(when string) {
		snap, err := th.ControlPage()
		if err != nil {
			t.Fatalf("%s: ControlPage error: %v", when, err)
		}
		slot, err := th.KExclusionSlot()
		if err != nil {
			t.Fatalf("%s: KExclusionSlot error: %v", when, err)
		}
		if snap.KExclusionSlot != slot {
			t.Fatalf("%s: snapshot slot %d != accessor slot %d", when, snap.KExclusionSlot, slot)
		}
	}
	check("unlocked")
	if err := th.Lock(h); err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	check("locked")
	if err := th.Unlock(h); err != nil {
		t.Fatalf("Unlock error: %v", err)
	}
	check("unlocked again")
}

func TestControlPageUnavailable(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	th := c.Attach()
	defer th.Detach()

	_, err := th.ControlPage()
	if !errors.Is(err, litmus.ErrControlPageUnavailable) {
		t.Fatalf("ControlPage err = %v, want ErrControlPageUnavailable", err)
	}
	if _, err := th.KExclusionSlot(); !errors.Is(err, litmus.ErrControlPageUnavailable) {
		t.Fatalf("KExclusionSlot err = %v, want ErrControlPageUnavailable", err)
	}

	if err := th.SetParams(litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)); err != nil {
		t.Fatalf("SetParams error: %v", err)
	}
	if err := th.SetTaskMode(true); err != nil {
		t.Fatalf("SetTaskMode(true) error: %v", err)
	}
	if _, err := th.ControlPage(); err != nil {
		t.Fatalf("ControlPage in real-time mode error: %v", err)
	}
	if err := th.SetTaskMode(false); err != nil {
		t.Fatalf("SetTaskMode(false) error: %v", err)
	}
	if _, err := th.ControlPage(); !errors.Is(err, litmus.ErrControlPageUnavailable) {
		t.Fatalf("ControlPage after leaving real-time mode err = %v, want ErrControlPageUnavailable", err)
	}
}
