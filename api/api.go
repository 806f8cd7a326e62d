// Package api is the registration surface a syscall handler talks to
// (spec.md §6): register/unregister by address, attaching raw bytecode
// and an executable path, with the probe's scope and kind folded into a
// single small integer at the boundary. It owns nothing itself — it
// decodes the wire-format placement code, builds an ebpf.Adapter from
// the supplied bytecode, and forwards to kprobes.Default or
// uprobes.Default.
//
// Grounded on original_source/kernel/src/syscall/ebpf.rs's
// sys_register_ebpf/sys_unregister_ebpf (word-chunking the bytecode
// slice, transmuting the placement integer, routing by path) and
// original_source/kernel/src/kprobes/kprobes.rs's ProbePlace enum for
// the four valid (scope, kind) pairs.
package api

import (
	"rvprobe/ebpf"
	"rvprobe/kprobes"
	"rvprobe/memory"
	"rvprobe/probe"
	"rvprobe/uprobes"

	"github.com/btcsuite/goleveldb/leveldb/errors"
)

// Placement is the wire-format integer identifying a (scope, kind)
// pair, matching spec.md §6's "small integer decoded as (placement,
// kind) pair".
type Placement int

const (
	KernelInstruction Placement = iota
	KernelFunctionSync
	UserInstruction
	UserFunctionSync
)

var ErrInvalidPlacement = errors.New("api: placement value is not one of the recognised pairs")

func (p Placement) decode() (probe.Scope, probe.Kind, error) {
	switch p {
	case KernelInstruction:
		return probe.ScopeKernel, probe.Instruction, nil
	case KernelFunctionSync:
		return probe.ScopeKernel, probe.FunctionEntrySync, nil
	case UserInstruction:
		return probe.ScopeUser, probe.Instruction, nil
	case UserFunctionSync:
		return probe.ScopeUser, probe.FunctionEntrySync, nil
	default:
		return 0, 0, ErrInvalidPlacement
	}
}

// StatusOK and StatusError are the two values RegisterEBPF,
// UnregisterKernel and UnregisterUser return at the syscall boundary (spec.md §6: "0 on success, negative
// on failure").
const (
	StatusOK    = 0
	StatusError = -1
)

// RegisterEBPF is the syscall-facing entry point: decode placement,
// parse the bytecode word sequence, and register a probe whose callback
// interprets that bytecode on every fire. path is ignored for the two
// kernel placements. Returns StatusOK or StatusError, per spec.md §6.
func RegisterEBPF(addr uint64, bytecode []byte, path string, placement Placement) int {
	scope, kind, err := placement.decode()
	if err != nil {
		return StatusError
	}

	prog, err := ebpf.ParseProgram(bytecode)
	if err != nil {
		return StatusError
	}

	switch scope {
	case probe.ScopeKernel:
		rt := &ebpf.Runtime{Space: kprobes.Default.Space()}
		handler := &ebpf.Adapter{Runtime: rt, Program: prog}
		if err := kprobes.Default.Register(addr, kind, handler, nil); err != nil {
			return StatusError
		}
	case probe.ScopeUser:
		var space *memory.Space = uprobes.Default.Space(path)
		rt := &ebpf.Runtime{Space: space}
		handler := &ebpf.Adapter{Runtime: rt, Program: prog}
		if err := uprobes.Default.Register(path, addr, kind, handler, nil); err != nil {
			return StatusError
		}
	}
	return StatusOK
}

// UnregisterKernel removes a kernel probe at addr.
func UnregisterKernel(addr uint64) int {
	if err := kprobes.Default.Unregister(addr); err != nil {
		return StatusError
	}
	return StatusOK
}

// UnregisterUser removes a user probe at (path, addr).
func UnregisterUser(path string, addr uint64) int {
	if err := uprobes.Default.Unregister(path, addr); err != nil {
		return StatusError
	}
	return StatusOK
}
