package probe

import (
	"encoding/binary"
	"testing"

	"rvprobe/memory"
)

func newTextSpace(t *testing.T, base uint64, insn uint32) *memory.Space {
	t.Helper()
	s := memory.NewSpace()
	s.Map(base, 16, memory.PermRead|memory.PermWrite|memory.PermExec)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, insn)
	if err := s.WriteAt(base, buf); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBuildInstructionRoundTrip(t *testing.T) {
	// addi x0, x0, 0 — a 4-byte no-op, opcode OP-IMM.
	space := newTextSpace(t, 0x8000, 0x00000013)
	before, _ := space.ReadAt(0x8000, 4)

	d, err := Build(space, 0x8000, Placement{Scope: ScopeKernel, Kind: Instruction}, HandlerFunc(func(*Frame) {}), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := d.Arm(); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := d.Disarm(); err != nil {
		t.Fatalf("Disarm failed: %v", err)
	}
	after, _ := space.ReadAt(0x8000, 4)
	if string(before) != string(after) {
		t.Fatalf("bytes not restored: before=%v after=%v", before, after)
	}
}

func TestBuildFunctionEntryDecodesSPDelta(t *testing.T) {
	// addi sp, sp, -32
	var insn uint32 = 0x00010113
	insn |= uint32(int32(-32)&0xFFF) << 20
	space := newTextSpace(t, 0x9000, insn)

	d, err := Build(space, 0x9000, Placement{Scope: ScopeKernel, Kind: FunctionEntrySync}, HandlerFunc(func(*Frame) {}), HandlerFunc(func(*Frame) {}))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if d.SPDelta != -32 {
		t.Fatalf("expected -32, got %d", d.SPDelta)
	}
	if d.FunctionTrampolineAddr == 0 {
		t.Fatal("expected a function trampoline to be allocated when post != nil")
	}
}

func TestBuildRejectsAsync(t *testing.T) {
	space := newTextSpace(t, 0xA000, 0x00000013)
	before, _ := space.ReadAt(0xA000, 4)
	_, err := Build(space, 0xA000, Placement{Scope: ScopeKernel, Kind: FunctionEntryAsync}, HandlerFunc(func(*Frame) {}), nil)
	if err != ErrAsyncUnsupported {
		t.Fatalf("expected ErrAsyncUnsupported, got %v", err)
	}
	after, _ := space.ReadAt(0xA000, 4)
	if string(before) != string(after) {
		t.Fatal("target bytes must not be modified on a rejected build")
	}
}

func TestBuildRejectsIllegalInstructionKindTarget(t *testing.T) {
	// jal x0, 8 (opcode 1101111) is control-flow and not in the
	// Instruction-kind whitelist.
	space := newTextSpace(t, 0xB000, 0b0000000100000000000000001101111)
	_, err := Build(space, 0xB000, Placement{Scope: ScopeKernel, Kind: Instruction}, HandlerFunc(func(*Frame) {}), nil)
	if err != ErrDecodeRefused {
		t.Fatalf("expected ErrDecodeRefused, got %v", err)
	}
}
