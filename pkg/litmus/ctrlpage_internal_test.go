package litmus

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func alignedPage() []byte {
	words := make([]uint64, ControlPageSize/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), ControlPageSize)
}

func TestControlPageLayout(t *testing.T) {
	t.Parallel()
	page := alignedPage()
	le := binary.LittleEndian
	if !isLittleEndian() {
		t.Skip("layout test assumes a little-endian host")
	}
	le.PutUint64(page[0:], 1)
	le.PutUint64(page[8:], 2)
	le.PutUint64(page[16:], 3)
	le.PutUint64(page[24:], 4)
	le.PutUint64(page[32:], 5)
	le.PutUint64(page[40:], 6)
	le.PutUint32(page[48:], 7)
	le.PutUint32(page[52:], 0xffffffff)

	got := readControlPage(page)
	want := ControlPageSnapshot{
		SchedFlags:      1,
		IRQCount:        2,
		TSSyscallStart:  3,
		IRQSyscallStart: 4,
		Deadline:        5,
		Release:         6,
		JobIndex:        7,
		KExclusionSlot:  NoKExclusionSlot,
	}
	if got != want {
		t.Fatalf("snapshot = %+v, want %+v", got, want)
	}

	le.PutUint32(page[52:], 2)
	if slot := LoadControlPageField(page, FieldKExclusionSlot); slot != 2 {
		t.Fatalf("slot = %d, want 2", slot)
	}
}

func TestStoreControlPageFieldTruncates(t *testing.T) {
	t.Parallel()
	page := alignedPage()
	StoreControlPageField(page, FieldJobIndex, 1<<32+9)
	if got := LoadControlPageField(page, FieldJobIndex); got != 9 {
		t.Fatalf("job_index = %d, want 9", got)
	}
	if got := LoadControlPageField(page, FieldKExclusionSlot); got != 0 {
		t.Fatalf("neighbouring slot clobbered: %d", got)
	}
	StoreControlPageField(page, FieldKExclusionSlot, NoKExclusionSlot)
	if got := LoadControlPageField(page, FieldKExclusionSlot); got != NoKExclusionSlot {
		t.Fatalf("slot = %#x, want none", got)
	}
}

func TestControlPageFieldNames(t *testing.T) {
	t.Parallel()
	if FieldKExclusionSlot.String() != "k_exclusion_slot" || FieldKExclusionSlot.Offset() != 52 || FieldKExclusionSlot.Width() != 4 {
		t.Fatalf("k_exclusion_slot layout = %s@%d/%d", FieldKExclusionSlot, FieldKExclusionSlot.Offset(), FieldKExclusionSlot.Width())
	}
	if ControlPageField(99).String() != "unknown" {
		t.Fatalf("out-of-range field name = %q", ControlPageField(99).String())
	}
}

func isLittleEndian() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}
