package kprobes

import (
	"encoding/binary"
	"testing"

	"rvprobe/memory"
	"rvprobe/probe"
)

func newKernelSpace(t *testing.T, base uint64, insns ...uint32) *memory.Space {
	t.Helper()
	s := memory.NewSpace()
	s.Map(base, 4096, memory.PermRead|memory.PermWrite|memory.PermExec)
	for i, insn := range insns {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, insn)
		if err := s.WriteAt(base+uint64(4*i), buf); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func addiSPImm(imm int32) uint32 {
	return 0x00010113 | uint32(imm&0xFFF)<<20
}

// TestInstructionProbeRoundTrip exercises scenario S1: a kernel
// instruction probe fires its pre-callback, single-steps out-of-line,
// and control returns to the instruction following the original target.
func TestInstructionProbeRoundTrip(t *testing.T) {
	const addr = 0x8000
	space := newKernelSpace(t, addr, 0x00000013) // addi x0,x0,0
	r := New(space)

	var fired bool
	err := r.Register(addr, probe.Instruction, probe.HandlerFunc(func(f *probe.Frame) {
		fired = true
	}), nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	d, ok := r.Lookup(addr)
	if !ok {
		t.Fatal("expected a registered descriptor")
	}

	frame := &probe.Frame{PC: addr}
	if !r.HandleTrap(frame) {
		t.Fatal("expected HandleTrap to claim the target trap")
	}
	if !fired {
		t.Fatal("expected pre-callback to fire")
	}
	if frame.PC != d.SlotAddr {
		t.Fatalf("expected pc redirected to slot %#x, got %#x", d.SlotAddr, frame.PC)
	}

	// The out-of-line copy of the 4-byte no-op executes and the CPU
	// reaches the trailing breakpoint.
	frame.PC += 4
	if !r.HandleTrap(frame) {
		t.Fatal("expected HandleTrap to claim the trampoline trap")
	}
	if frame.PC != addr+4 {
		t.Fatalf("expected pc restored to %#x, got %#x", addr+4, frame.PC)
	}
	if r.InFlightCount() != 0 {
		t.Fatalf("expected in-flight table drained, got %d entries", r.InFlightCount())
	}

	if err := r.Unregister(addr); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	after, _ := space.ReadAt(addr, 4)
	if binary.LittleEndian.Uint32(after) != 0x00000013 {
		t.Fatal("expected original instruction bytes restored after unregister")
	}
}

// TestFunctionEntryRecursiveReturns exercises scenario S2: a re-entrant
// function probe must balance two nested calls in LIFO order.
func TestFunctionEntryRecursiveReturns(t *testing.T) {
	const addr = 0x9000
	space := newKernelSpace(t, addr, addiSPImm(-32))
	r := New(space)

	var preCount, postCount int
	err := r.Register(addr, probe.FunctionEntrySync,
		probe.HandlerFunc(func(f *probe.Frame) { preCount++ }),
		probe.HandlerFunc(func(f *probe.Frame) { postCount++ }),
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, _ := r.Lookup(addr)

	outer := &probe.Frame{PC: addr, SP: 0x1000, RA: 0x1111}
	if !r.HandleTrap(outer) {
		t.Fatal("expected outer call to be claimed")
	}
	if outer.SP != 0x1000-32 {
		t.Fatalf("expected sp adjusted by -32, got %#x", outer.SP)
	}
	if outer.RA != d.FunctionTrampolineAddr {
		t.Fatal("expected ra redirected to the function trampoline")
	}

	inner := &probe.Frame{PC: addr, SP: 0x2000, RA: 0x2222}
	if !r.HandleTrap(inner) {
		t.Fatal("expected inner (recursive) call to be claimed")
	}
	if len(d.ReturnAddrStack) != 2 {
		t.Fatalf("expected two saved return addresses, got %d", len(d.ReturnAddrStack))
	}

	innerReturn := &probe.Frame{PC: d.FunctionTrampolineAddr}
	if !r.HandleTrap(innerReturn) {
		t.Fatal("expected inner return trap to be claimed")
	}
	if innerReturn.PC != 0x2222 {
		t.Fatalf("expected LIFO pop to 0x2222, got %#x", innerReturn.PC)
	}
	if r.InFlightCount() != 1 {
		t.Fatalf("expected trampoline still in flight for the outer call, got %d", r.InFlightCount())
	}

	outerReturn := &probe.Frame{PC: d.FunctionTrampolineAddr}
	if !r.HandleTrap(outerReturn) {
		t.Fatal("expected outer return trap to be claimed")
	}
	if outerReturn.PC != 0x1111 {
		t.Fatalf("expected pop to 0x1111, got %#x", outerReturn.PC)
	}
	if r.InFlightCount() != 0 {
		t.Fatal("expected in-flight table drained once the stack balances")
	}
	if preCount != 2 || postCount != 2 {
		t.Fatalf("expected 2 pre and 2 post invocations, got %d/%d", preCount, postCount)
	}
}

// TestRegisterReplace exercises scenario S3: registering again at an
// already-probed address replaces, rather than errors on, the existing
// descriptor.
func TestRegisterReplace(t *testing.T) {
	const addr = 0xA000
	space := newKernelSpace(t, addr, 0x00000013)
	r := New(space)
	original, _ := space.ReadAt(addr, 4)

	if err := r.Register(addr, probe.Instruction, probe.HandlerFunc(func(*probe.Frame) {}), nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	first, _ := r.Lookup(addr)

	if err := r.Register(addr, probe.Instruction, probe.HandlerFunc(func(*probe.Frame) {}), nil); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	second, _ := r.Lookup(addr)

	if first == second {
		t.Fatal("expected replace to install a new descriptor")
	}

	armed, _ := space.ReadAt(addr, 4)
	if binary.LittleEndian.Uint32(armed) == binary.LittleEndian.Uint32(original) {
		t.Fatal("expected the target to still hold a breakpoint after replace, not the original bytes")
	}

	frame := &probe.Frame{PC: addr}
	if !r.HandleTrap(frame) {
		t.Fatal("expected the replacement descriptor to still be armed")
	}

	if err := r.Unregister(addr); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	restored, _ := space.ReadAt(addr, 4)
	if binary.LittleEndian.Uint32(restored) != binary.LittleEndian.Uint32(original) {
		t.Fatal("expected original bytes restored after unregister")
	}
}

// TestUnregisterIdempotent checks that a second unregister at the same
// address fails rather than silently succeeding.
func TestUnregisterIdempotent(t *testing.T) {
	const addr = 0xB000
	space := newKernelSpace(t, addr, 0x00000013)
	r := New(space)

	if err := r.Register(addr, probe.Instruction, probe.HandlerFunc(func(*probe.Frame) {}), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister(addr); err != nil {
		t.Fatalf("first Unregister: %v", err)
	}
	if err := r.Unregister(addr); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered on second unregister, got %v", err)
	}
}

// TestHandleTrapIgnoresUnrelatedPC checks Case C: a pc matching neither
// table leaves the frame untouched and is reported unclaimed.
func TestHandleTrapIgnoresUnrelatedPC(t *testing.T) {
	space := newKernelSpace(t, 0xC000, 0x00000013)
	r := New(space)
	frame := &probe.Frame{PC: 0xDEADBEEF, SP: 42}
	if r.HandleTrap(frame) {
		t.Fatal("expected an unrelated pc to be unclaimed")
	}
	if frame.SP != 42 {
		t.Fatal("expected frame untouched on an unclaimed trap")
	}
}
