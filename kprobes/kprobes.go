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

// Package kprobes is the global kernel-address probe registry (spec.md
// §4.3): a single process-wide table of target address to Descriptor,
// plus the in-flight auxiliary table, both serialised by one lock held
// for the duration of every public operation and every trap dispatch —
// the Go rendition of original_source/kernel/src/kprobes/kprobes.rs's
// `Kprobes`/`KPROBES` lazy_static singleton and its trap handler.
//
// The trap state machine (spec.md §4.5) lives in Registry.HandleTrap;
// package uprobes carries its own copy scoped to one path's tables, and
// package trap only routes a trap to one of the two registries.
package kprobes

import (
	"sync"

	"rvprobe/logx"
	"rvprobe/memory"
	"rvprobe/probe"

	"github.com/btcsuite/goleveldb/leveldb/errors"
)

// ErrNotRegistered is returned by Unregister when no descriptor exists
// at the given address.
var ErrNotRegistered = errors.New("kprobes: no probe registered at address")

// Registry is a kernel kprobe table. Most callers use the package-level
// Default singleton; Registry is exported so tests can build isolated
// instances over their own simulated kernel text.
type Registry struct {
	mu       sync.Mutex
	space    *memory.Space
	byAddr   map[uint64]*probe.Descriptor
	inFlight map[uint64]*probe.Descriptor
}

// New returns a Registry whose probes are armed in space — the engine's
// simulated kernel text. space must already be mapped with the kernel
// image before probes are registered against it.
func New(space *memory.Space) *Registry {
	return &Registry{
		space:    space,
		byAddr:   make(map[uint64]*probe.Descriptor),
		inFlight: make(map[uint64]*probe.Descriptor),
	}
}

// Default is the process-wide kprobe registry. Its backing space starts
// empty; embedders Map() their kernel image into Default.Space() before
// registering probes, mirroring how a real kernel's text is already
// resident when kprobes.rs's KPROBES singleton is first touched.
var Default = New(memory.NewSpace())

// Space returns the simulated kernel text backing this registry.
func (r *Registry) Space() *memory.Space {
	return r.space
}

// Register builds, arms, and inserts a descriptor at addr. If a
// descriptor already exists at addr it is disarmed first and replaced —
// spec.md's "duplicate-replace", not an error.
func (r *Registry) Register(addr uint64, kind probe.Kind, pre, post probe.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byAddr[addr]; ok {
		logx.Logf("kprobes: replacing existing probe at %#x", addr)
		_ = old.Disarm()
		delete(r.byAddr, addr)
	}

	d, err := probe.Build(r.space, addr, probe.Placement{Scope: probe.ScopeKernel, Kind: kind}, pre, post)
	if err != nil {
		logx.Logf("kprobes: build failed at %#x: %v", addr, err)
		return err
	}
	if err := d.Arm(); err != nil {
		logx.Logf("kprobes: arm failed at %#x: %v", addr, err)
		return err
	}

	r.byAddr[addr] = d
	logx.Logf("kprobes: registered %s probe at %#x", kind, addr)
	return nil
}

// Unregister disarms and removes the descriptor at addr.
func (r *Registry) Unregister(addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byAddr[addr]
	if !ok {
		return ErrNotRegistered
	}
	delete(r.byAddr, addr)
	err := d.Disarm()
	logx.Logf("kprobes: unregistered probe at %#x", addr)
	return err
}

// Lookup returns the descriptor at addr, for tests and monitoring tools.
func (r *Registry) Lookup(addr uint64) (*probe.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byAddr[addr]
	return d, ok
}

// InFlightCount reports how many descriptors currently have a pending
// post-phase, for tests and monitoring tools.
func (r *Registry) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// HandleTrap drives the trap dispatch state machine (spec.md §4.5) for a
// single breakpoint trap at frame.PC. It returns true if the trap was
// ours to handle (Case A or B) and false if pc matched neither table
// (Case C), in which case frame is left untouched and the caller should
// treat the trap as belonging to someone else.
//
// Case A always wins the tie-break over Case B: a trampoline address
// that somehow also got registered as a target would be serviced as a
// target first.
func (r *Registry) HandleTrap(frame *probe.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pc := frame.PC

	if d, ok := r.byAddr[pc]; ok {
		if d.Pre != nil {
			d.Pre.Handle(frame)
		}
		switch d.Placement.Kind {
		case probe.Instruction:
			frame.PC = d.SlotAddr
			if _, exists := r.inFlight[d.InstructionTrampolineAddr]; !exists {
				r.inFlight[d.InstructionTrampolineAddr] = d
			}
		case probe.FunctionEntrySync:
			frame.SP += uint64(d.SPDelta)
			frame.PC = d.TargetAddr + uint64(d.InsnLength)
			if d.Post != nil {
				d.ReturnAddrStack = append(d.ReturnAddrStack, frame.RA)
				if _, exists := r.inFlight[d.FunctionTrampolineAddr]; !exists {
					r.inFlight[d.FunctionTrampolineAddr] = d
				}
				frame.RA = d.FunctionTrampolineAddr
			}
		}
		logx.Logf("kprobes: trap at %#x (target)", pc)
		return true
	}

	if d, ok := r.inFlight[pc]; ok {
		switch pc {
		case d.InstructionTrampolineAddr:
			if d.Post != nil {
				d.Post.Handle(frame)
			}
			frame.PC = d.TargetAddr + uint64(d.InsnLength)
			delete(r.inFlight, pc)
		case d.FunctionTrampolineAddr:
			if d.Post != nil {
				d.Post.Handle(frame)
			}
			n := len(d.ReturnAddrStack)
			frame.PC = d.ReturnAddrStack[n-1]
			d.ReturnAddrStack = d.ReturnAddrStack[:n-1]
			if len(d.ReturnAddrStack) == 0 {
				delete(r.inFlight, pc)
			}
		}
		logx.Logf("kprobes: trap at %#x (in-flight)", pc)
		return true
	}

	return false
}
