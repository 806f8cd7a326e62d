// Copyright © 2019 mg
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package probe defines the probe kind/placement taxonomy and the Probe
// Descriptor (spec.md §3, §4.2): the per-attachment record that a
// registry arms, disarms, and drives through its trap-handling state
// machine.
//
// Field names and the two-phase build/arm split mirror
// original_source/kernel/src/kprobes/{kprobes.rs,uprobes.rs,probes.rs}
// (ProbePlace, ProbeType, UprobesInner) translated into idiomatic Go:
// explicit error returns instead of panics, and a Handler interface in
// place of the original's `Arc<Mutex<dyn FnMut(...)>>`, per spec.md §9's
// note that callbacks are "one capability ... represented as a single
// callable object" rather than an inheritance hierarchy.
package probe

import (
	"fmt"

	"rvprobe/decode"
	"rvprobe/memory"

	"github.com/btcsuite/goleveldb/leveldb/errors"
)

// Kind is the probe's attachment semantics (spec.md §3).
type Kind int

const (
	// Instruction fires before a single instruction; the original
	// instruction is re-executed out-of-line afterward.
	Instruction Kind = iota
	// FunctionEntrySync fires on function entry and, if a post-callback
	// is present, again on the matching return.
	FunctionEntrySync
	// FunctionEntryAsync is reserved and always rejected at build time.
	FunctionEntryAsync
)

func (k Kind) String() string {
	switch k {
	case Instruction:
		return "instruction"
	case FunctionEntrySync:
		return "function-entry-sync"
	case FunctionEntryAsync:
		return "function-entry-async"
	default:
		return "unknown"
	}
}

// Scope distinguishes a kernel-code probe from a probe on a named
// executable's user code.
type Scope int

const (
	ScopeKernel Scope = iota
	ScopeUser
)

// Placement is where a probe attaches: Kernel(kind) or User(kind, path).
type Placement struct {
	Scope Scope
	Kind  Kind
	Path  string // executable path; empty and ignored for ScopeKernel
}

// Frame stands in for the trap-frame-like object spec.md §4.5 describes:
// it exposes the faulting PC and the two general registers the state
// machine touches (sp, ra). A real kernel's trapframe/usercontext would
// carry the full register file; this engine only needs these three.
type Frame struct {
	PC uint64
	SP uint64
	RA uint64
}

// Handler is the one capability the engine needs from a callback:
// "invoke me with a trap frame". Native closures and the eBPF
// interpreter's invocation both implement it; spec.md §9 calls for this
// to be a single-method callable rather than an inheritance hierarchy.
type Handler interface {
	Handle(f *Frame)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(f *Frame)

// Handle implements Handler.
func (h HandlerFunc) Handle(f *Frame) { h(f) }

// BreakpointBytes is the 2-byte compressed c.ebreak encoding, the Go
// rendition of the original's `__ebreak` naked function: a read-only
// byte source used only to fill in trampolines and armed targets, never
// executed as Go code.
var BreakpointBytes = [2]byte{0x02, 0x90}

var (
	// ErrDecodeRefused means the instruction at the target address is
	// not in the decoder's whitelist for the requested kind.
	ErrDecodeRefused = errors.New("probe: instruction refused by decoder")
	// ErrAsyncUnsupported means FunctionEntryAsync was requested.
	ErrAsyncUnsupported = errors.New("probe: asynchronous function-entry probing is not implemented")
	// ErrAlloc wraps a failure to read the target or allocate a
	// trampoline/slot.
	ErrAlloc = errors.New("probe: unable to read target or allocate trampoline")
)

// Descriptor is the per-attachment record (spec.md §3).
type Descriptor struct {
	Placement Placement

	TargetAddr    uint64
	InsnLength    int
	OriginalBytes [6]byte

	SPDelta int32

	// SlotAddr is where the out-of-line copy of the original
	// instruction lives (Instruction kind only); InstructionTrampolineAddr
	// is SlotAddr+InsnLength, the address of the breakpoint appended
	// after it.
	SlotAddr                  uint64
	InstructionTrampolineAddr uint64

	// FunctionTrampolineAddr holds a breakpoint used as the synthetic
	// return target for FunctionEntrySync.
	FunctionTrampolineAddr uint64

	// ReturnAddrStack holds one saved caller return address per active,
	// not-yet-returned invocation (supports re-entrancy, spec.md
	// invariant 4).
	ReturnAddrStack []uint64

	Pre  Handler
	Post Handler

	space *memory.Space
}

// Build reads the instruction at addr out of space, decodes it according
// to placement.Kind, and allocates whatever out-of-line slot or
// trampoline that kind needs. It does not arm the probe; call Arm
// separately once Build succeeds (spec.md §4.2 steps 1-2 vs. step 3).
func Build(space *memory.Space, addr uint64, placement Placement, pre, post Handler) (*Descriptor, error) {
	if placement.Kind == FunctionEntryAsync {
		return nil, ErrAsyncUnsupported
	}

	b0, err := space.ReadAt(addr, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
	}
	length := decode.Length(b0[0])
	raw, err := space.ReadAt(addr, length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
	}

	d := &Descriptor{
		Placement:  placement,
		TargetAddr: addr,
		InsnLength: length,
		Pre:        pre,
		Post:       post,
		space:      space,
	}
	copy(d.OriginalBytes[:length], raw)

	switch placement.Kind {
	case Instruction:
		if decode.ClassifyInstruction(raw) != decode.Legal {
			return nil, ErrDecodeRefused
		}
		slot, err := space.AllocExecWritable(addr, length+2)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
		}
		if err := space.WriteAt(slot, raw); err != nil {
			return nil, err
		}
		if err := space.WriteAt(slot+uint64(length), BreakpointBytes[:]); err != nil {
			return nil, err
		}
		copy(d.OriginalBytes[length:length+2], BreakpointBytes[:])
		d.SlotAddr = slot
		d.InstructionTrampolineAddr = slot + uint64(length)

	case FunctionEntrySync:
		delta, status := decode.SPDelta(raw)
		if status != decode.Legal {
			return nil, ErrDecodeRefused
		}
		d.SPDelta = delta
		if post != nil {
			trampoline, err := space.AllocExecWritable(addr, 2)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
			}
			if err := space.WriteAt(trampoline, BreakpointBytes[:]); err != nil {
				return nil, err
			}
			d.FunctionTrampolineAddr = trampoline
		}
	}

	return d, nil
}

// Arm overwrites InsnLength bytes at TargetAddr with the breakpoint
// pattern — two compressed breakpoints back to back for a 4-byte target
// — and issues an instruction-fence (spec.md §4.2 step 3).
func (d *Descriptor) Arm() error {
	if err := d.space.SetWritable(d.TargetAddr); err != nil {
		return err
	}
	pattern := make([]byte, d.InsnLength)
	copy(pattern, BreakpointBytes[:])
	if d.InsnLength == 4 {
		copy(pattern[2:], BreakpointBytes[:])
	}
	if err := d.space.WriteAt(d.TargetAddr, pattern); err != nil {
		return err
	}
	memory.FenceI()
	return nil
}

// Disarm restores OriginalBytes[:InsnLength] to TargetAddr and fences
// (spec.md §4.2 step 4).
func (d *Descriptor) Disarm() error {
	if err := d.space.WriteAt(d.TargetAddr, d.OriginalBytes[:d.InsnLength]); err != nil {
		return err
	}
	memory.FenceI()
	return nil
}
