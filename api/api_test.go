package api

import (
	"encoding/binary"
	"testing"

	"rvprobe/kprobes"
	"rvprobe/memory"
	"rvprobe/probe"
	"rvprobe/uprobes"
)

func mapNop(t *testing.T, space *memory.Space, addr uint64) {
	t.Helper()
	space.Map(addr, 4096, memory.PermRead|memory.PermWrite|memory.PermExec)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x00000013)
	if err := space.WriteAt(addr, buf); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterEBPFKernelInstruction(t *testing.T) {
	r := kprobes.New(memory.NewSpace())
	saved := kprobes.Default
	kprobes.Default = r
	defer func() { kprobes.Default = saved }()

	const addr = 0xE000
	mapNop(t, r.Space(), addr)

	bytecode := make([]byte, 8) // one NOP word, then falls off the end
	if status := RegisterEBPF(addr, bytecode, "", KernelInstruction); status != StatusOK {
		t.Fatalf("expected StatusOK, got %d", status)
	}
	if _, ok := r.Lookup(addr); !ok {
		t.Fatal("expected a descriptor registered at addr")
	}
	if status := UnregisterKernel(addr); status != StatusOK {
		t.Fatalf("expected StatusOK on unregister, got %d", status)
	}
}

func TestRegisterEBPFInvalidPlacement(t *testing.T) {
	if status := RegisterEBPF(0x1000, make([]byte, 8), "", Placement(99)); status != StatusError {
		t.Fatalf("expected StatusError, got %d", status)
	}
}

func TestRegisterEBPFMisalignedBytecode(t *testing.T) {
	if status := RegisterEBPF(0x1000, make([]byte, 3), "", KernelInstruction); status != StatusError {
		t.Fatalf("expected StatusError for misaligned bytecode, got %d", status)
	}
}

func TestUnregisterKernelMissing(t *testing.T) {
	r := kprobes.New(memory.NewSpace())
	saved := kprobes.Default
	kprobes.Default = r
	defer func() { kprobes.Default = saved }()

	if status := UnregisterKernel(0xDEAD); status != StatusError {
		t.Fatalf("expected StatusError, got %d", status)
	}
}

func TestRegisterEBPFUserFunctionSync(t *testing.T) {
	r := uprobes.New()
	saved := uprobes.Default
	uprobes.Default = r
	defer func() { uprobes.Default = saved }()

	const path = "/bin/foo"
	const addr = 0xF000
	space := r.Space(path)
	space.Map(addr, 4096, memory.PermRead|memory.PermWrite|memory.PermExec)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x00010113|uint32(int32(-16)&0xFFF)<<20)
	if err := space.WriteAt(addr, buf); err != nil {
		t.Fatal(err)
	}
	r.ActivateProcess(path)

	if status := RegisterEBPF(addr, make([]byte, 8), path, UserFunctionSync); status != StatusOK {
		t.Fatalf("expected StatusOK, got %d", status)
	}
	d, ok := r.Lookup(path, addr)
	if !ok || d.Placement.Kind != probe.FunctionEntrySync {
		t.Fatal("expected a function-entry-sync descriptor registered for the path")
	}
}
