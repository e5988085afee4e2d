package litmus

import (
	"sync/atomic"
	"unsafe"
)

// NoKExclusionSlot is the slot value while the task holds no k-exclusion lock.
const NoKExclusionSlot = ^uint64(0)

// ControlPageField identifies one field of the kernel's control page.
type ControlPageField int

const (
	FieldSchedFlags ControlPageField = iota
	FieldIRQCount
	FieldTSSyscallStart
	FieldIRQSyscallStart
	FieldDeadline
	FieldRelease
	FieldJobIndex
	FieldKExclusionSlot

	numControlPageFields
)

// ControlPageSize is the minimum mapping length covering every field.
const ControlPageSize = 56

type fieldLayout struct {
	name   string
	offset int
	width  int // bytes
	signed bool
}

var controlPageLayout = [numControlPageFields]fieldLayout{
	FieldSchedFlags:      {"sched_flags", 0, 8, false},
	FieldIRQCount:        {"irq_count", 8, 8, false},
	FieldTSSyscallStart:  {"ts_syscall_start", 16, 8, false},
	FieldIRQSyscallStart: {"irq_syscall_start", 24, 8, false},
	FieldDeadline:        {"deadline", 32, 8, false},
	FieldRelease:         {"release", 40, 8, false},
	FieldJobIndex:        {"job_index", 48, 4, false},
	FieldKExclusionSlot:  {"k_exclusion_slot", 52, 4, true},
}

func (f ControlPageField) String() string {
	if f < 0 || f >= numControlPageFields {
		return "unknown"
	}
	return controlPageLayout[f].name
}

// Offset is the byte offset of the field within the page.
func (f ControlPageField) Offset() int { return controlPageLayout[f].offset }

// Width is the field's size in bytes (4 or 8).
func (f ControlPageField) Width() int { return controlPageLayout[f].width }

// ControlPageSnapshot is a point-in-time copy of the control page.
//
// Fields are read one at a time in declaration order. The kernel may update
// the page between reads, so the snapshot is not consistent across fields.
type ControlPageSnapshot struct {
	SchedFlags      uint64 `json:"sched_flags"`
	IRQCount        uint64 `json:"irq_count"`
	TSSyscallStart  uint64 `json:"ts_syscall_start"`
	IRQSyscallStart uint64 `json:"irq_syscall_start"`
	Deadline        uint64 `json:"deadline"`
	Release         uint64 `json:"release"`
	JobIndex        uint64 `json:"job_index"`
	KExclusionSlot  uint64 `json:"k_exclusion_slot"`
}

// HoldsKExclusionSlot reports whether the snapshot shows an occupied slot.
func (s ControlPageSnapshot) HoldsKExclusionSlot() bool {
	return s.KExclusionSlot != NoKExclusionSlot
}

func readControlPage(page []byte) ControlPageSnapshot {
	return ControlPageSnapshot{
		SchedFlags:      LoadControlPageField(page, FieldSchedFlags),
		IRQCount:        LoadControlPageField(page, FieldIRQCount),
		TSSyscallStart:  LoadControlPageField(page, FieldTSSyscallStart),
		IRQSyscallStart: LoadControlPageField(page, FieldIRQSyscallStart),
		Deadline:        LoadControlPageField(page, FieldDeadline),
		Release:         LoadControlPageField(page, FieldRelease),
		JobIndex:        LoadControlPageField(page, FieldJobIndex),
		KExclusionSlot:  LoadControlPageField(page, FieldKExclusionSlot),
	}
}

// LoadControlPageField atomically reads one field, widened to uint64.
// Signed fields are sign-extended. page must be at least ControlPageSize
// bytes and 8-byte aligned, which every page mapping is.
func LoadControlPageField(page []byte, f ControlPageField) uint64 {
	l := controlPageLayout[f]
	p := unsafe.Pointer(&page[l.offset])
	if l.width == 8 {
		return atomic.LoadUint64((*uint64)(p))
	}
	v := atomic.LoadUint32((*uint32)(p))
	if l.signed {
		return uint64(int64(int32(v)))
	}
	return uint64(v)
}

// StoreControlPageField atomically writes one field, truncated to its width.
// Only kernels write the page; this exists for in-memory kernels.
func StoreControlPageField(page []byte, f ControlPageField, v uint64) {
	l := controlPageLayout[f]
	p := unsafe.Pointer(&page[l.offset])
	if l.width == 8 {
		atomic.StoreUint64((*uint64)(p), v)
		return
	}
	atomic.StoreUint32((*uint32)(p), uint32(v))
}
