package litmus

import (
	"fmt"
	"sort"
	"sync"

	logx "litmusrt/pkg/logx"
)

// LockHandle identifies one open kernel lock object.
//
// It wraps the kernel's object descriptor with a generation, so a handle kept
// after CloseLock stays invalid even when the kernel hands the same
// descriptor number to a later open. The zero value is never valid.
type LockHandle struct {
	od  int
	gen uint64
}

// OD is the kernel object descriptor behind the handle.
func (h LockHandle) OD() int { return h.od }

func (h LockHandle) IsZero() bool { return h.gen == 0 }

func (h LockHandle) String() string {
	if h.IsZero() {
		return "lock(invalid)"
	}
	return fmt.Sprintf("lock(od=%d gen=%d)", h.od, h.gen)
}

type lockEntry struct {
	gen       uint64
	protocol  int
	namespace string
	id        int
	config    int
	holders   map[int]struct{} // tids
}

// lockTable is the arena of open handles, keyed by descriptor.
type lockTable struct {
	mu      sync.Mutex
	entries map[int]*lockEntry
	nextGen uint64
}

func newLockTable() *lockTable {
	return &lockTable{entries: map[int]*lockEntry{}}
}

func (lt *lockTable) add(od int, e *lockEntry) LockHandle {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.nextGen++
	e.gen = lt.nextGen
	e.holders = map[int]struct{}{}
	lt.entries[od] = e
	return LockHandle{od: od, gen: e.gen}
}

func (lt *lockTable) lookupLocked(h LockHandle) *lockEntry {
	if h.IsZero() {
		return nil
	}
	e := lt.entries[h.od]
	if e == nil || e.gen != h.gen {
		return nil
	}
	return e
}

// remove claims h for closing. It reports false if h is not open.
func (lt *lockTable) remove(h LockHandle) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.lookupLocked(h) == nil {
		return false
	}
	delete(lt.entries, h.od)
	return true
}

// heldBy reports whether tid holds h, and whether h is open at all.
func (lt *lockTable) heldBy(h LockHandle, tid int) (held bool, open bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e := lt.lookupLocked(h)
	if e == nil {
		return false, false
	}
	_, held = e.holders[tid]
	return held, true
}

func (lt *lockTable) setHeld(h LockHandle, tid int, held bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e := lt.lookupLocked(h)
	if e == nil {
		return
	}
	if held {
		e.holders[tid] = struct{}{}
	} else {
		delete(e.holders, tid)
	}
}

// drain removes and returns every open handle, lowest descriptor first.
func (lt *lockTable) drain() []LockHandle {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]LockHandle, 0, len(lt.entries))
	for od, e := range lt.entries {
		out = append(out, LockHandle{od: od, gen: e.gen})
	}
	lt.entries = map[int]*lockEntry{}
	sort.Slice(out, func(i, j int) bool { return out[i].od < out[j].od })
	return out
}

func (lt *lockTable) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.entries)
}

// OpenLock opens (creating if absent) the lock object id of the given
// protocol in namespace. Every process opening the same namespace path and id
// shares one kernel object. config is protocol specific.
func (c *Client) OpenLock(protocol int, namespace string, id int, config int) (LockHandle, error) {
	const op = "litmus_open_lock"
	od, err := c.kernel.OpenLock(namespace, protocol, id, config)
	if err != nil || od < 0 {
		rc := od
		if rc >= 0 {
			rc = -1
		}
		return LockHandle{}, kernelError(ErrLockOpen, op, rc, err)
	}
	h := c.locks.add(od, &lockEntry{protocol: protocol, namespace: namespace, id: id, config: config})
	c.log.Debug("lock opened",
		logx.String("protocol", NameForLockProtocol(protocol)),
		logx.String("namespace", namespace),
		logx.Int("id", id),
		logx.Int("od", od),
	)
	return h, nil
}

// OpenKFMLPLock opens a k-exclusion FMLP semaphore admitting k holders.
func (c *Client) OpenKFMLPLock(namespace string, id int, k int) (LockHandle, error) {
	return c.OpenLock(ProtocolKFMLP, namespace, id, k)
}

// CloseLock closes h. The handle is invalid afterwards, even if the kernel
// reports an error.
func (c *Client) CloseLock(h LockHandle) error {
	const op = "od_close"
	if !c.locks.remove(h) {
		return stateError(ErrHandleClose, op, ErrHandleClosed)
	}
	if err := c.kernel.CloseObject(h.od); err != nil {
		return kernelError(ErrHandleClose, op, statusOf(err), err)
	}
	c.log.Debug("lock closed", logx.Int("od", h.od))
	return nil
}

// OpenLocks returns the number of handles currently open.
func (c *Client) OpenLocks() int { return c.locks.len() }

// Lock acquires h, blocking while the protocol's holders are exhausted.
// Ordering among waiters is the kernel protocol's.
func (t *Thread) Lock(h LockHandle) error {
	const op = "litmus_lock"
	if t.detached {
		return stateError(ErrLockOperation, op, ErrDetached)
	}
	held, open := t.c.locks.heldBy(h, t.tid)
	if !open {
		return stateError(ErrLockOperation, op, ErrHandleClosed)
	}
	if held {
		return stateError(ErrLockOperation, op, ErrAlreadyHeld)
	}
	if err := t.c.kernel.Lock(t.tid, h.od); err != nil {
		return kernelError(ErrLockOperation, op, statusOf(err), err)
	}
	t.c.locks.setHeld(h, t.tid, true)
	return nil
}

// Unlock releases h.
func (t *Thread) Unlock(h LockHandle) error {
	const op = "litmus_unlock"
	if t.detached {
		return stateError(ErrLockOperation, op, ErrDetached)
	}
	held, open := t.c.locks.heldBy(h, t.tid)
	if !open {
		return stateError(ErrLockOperation, op, ErrHandleClosed)
	}
	if !held {
		return stateError(ErrLockOperation, op, ErrNotHeld)
	}
	if err := t.c.kernel.Unlock(t.tid, h.od); err != nil {
		return kernelError(ErrLockOperation, op, statusOf(err), err)
	}
	t.c.locks.setHeld(h, t.tid, false)
	return nil
}
