// Package uprobes is the path-scoped user probe registry (spec.md §4.4):
// a map from executable path to that path's own descriptor table and
// in-flight table. Registration is path-scoped and deferred — a
// descriptor is recorded immediately but its arm() (a write into a
// traced process's memory) only happens once a process running that
// path is current, via Register (if it already is) or ActivateProcess
// (the scheduler hook called on every context switch).
//
// Grounded on original_source/kernel/src/kprobes/uprobes.rs's
// `UProbes`/`UPROBES` (path keyed outer map, get_new_page/set_writeable
// lazy materialisation) and, for the "own simulated address space per
// traced executable" idiom, on bassosimone-risc32/pkg/vm/vm.go's
// per-machine page table.
package uprobes

import (
	"sync"

	"rvprobe/logx"
	"rvprobe/memory"
	"rvprobe/probe"

	"github.com/btcsuite/goleveldb/leveldb/errors"
)

// ErrNotRegistered is returned by Unregister when no descriptor exists
// at the given path/address pair.
var ErrNotRegistered = errors.New("uprobes: no probe registered at path/address")

// pathTable holds everything the registry tracks for one executable
// path: its simulated address space, its descriptors (armed or not),
// and its in-flight table.
type pathTable struct {
	mu       sync.Mutex
	space    *memory.Space
	armed    map[uint64]bool
	byAddr   map[uint64]*probe.Descriptor
	inFlight map[uint64]*probe.Descriptor
}

func newPathTable() *pathTable {
	return &pathTable{
		space:    memory.NewSpace(),
		armed:    make(map[uint64]bool),
		byAddr:   make(map[uint64]*probe.Descriptor),
		inFlight: make(map[uint64]*probe.Descriptor),
	}
}

// Registry is the process-wide uprobe registry: path → pathTable,
// guarded by its own lock for insertions of new paths.
type Registry struct {
	mu      sync.Mutex
	paths   map[string]*pathTable
	current string // executable path of the process currently scheduled
}

// New returns an empty uprobe registry.
func New() *Registry {
	return &Registry{paths: make(map[string]*pathTable)}
}

// Default is the process-wide uprobe registry.
var Default = New()

func (r *Registry) tableFor(path string) *pathTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.paths[path]
	if !ok {
		t = newPathTable()
		r.paths[path] = t
	}
	return t
}

// Space returns the simulated address space backing path, creating the
// path's table if this is the first probe registered against it. Tests
// and embedders Map() a traced executable's image into this space
// before (or after) registering probes against it.
func (r *Registry) Space(path string) *memory.Space {
	return r.tableFor(path).space
}

// Register records a descriptor for (path, addr) without necessarily
// arming it. If the process currently scheduled runs this same path,
// the descriptor is armed immediately (spec.md §4.4 trigger 1);
// otherwise it is armed lazily at the next ActivateProcess call for
// this path (trigger 2).
func (r *Registry) Register(path string, addr uint64, kind probe.Kind, pre, post probe.Handler) error {
	t := r.tableFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byAddr[addr]; ok {
		logx.Logf("uprobes: replacing existing probe for %s@%#x", path, addr)
		if t.armed[addr] {
			_ = old.Disarm()
			delete(t.armed, addr)
		}
		delete(t.byAddr, addr)
	}

	d, err := probe.Build(t.space, addr, probe.Placement{Scope: probe.ScopeUser, Kind: kind, Path: path}, pre, post)
	if err != nil {
		logx.Logf("uprobes: build failed for %s@%#x: %v", path, addr, err)
		return err
	}
	t.byAddr[addr] = d

	r.mu.Lock()
	isCurrent := r.current == path
	r.mu.Unlock()

	if isCurrent {
		if err := d.Arm(); err != nil {
			logx.Logf("uprobes: immediate arm failed for %s@%#x: %v", path, addr, err)
			return err
		}
		t.armed[addr] = true
		logx.Logf("uprobes: armed %s probe for %s@%#x at registration", kind, path, addr)
	} else {
		logx.Logf("uprobes: deferred %s probe for %s@%#x (current path is %q)", kind, path, addr, r.current)
	}
	return nil
}

// Unregister removes the descriptor for (path, addr), disarming it
// first if it was armed.
func (r *Registry) Unregister(path string, addr uint64) error {
	t := r.tableFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.byAddr[addr]
	if !ok {
		return ErrNotRegistered
	}
	delete(t.byAddr, addr)
	var err error
	if t.armed[addr] {
		err = d.Disarm()
		delete(t.armed, addr)
	}
	logx.Logf("uprobes: unregistered probe for %s@%#x", path, addr)
	return err
}

// Lookup returns the descriptor registered for (path, addr), for tests
// and monitoring tools.
func (r *Registry) Lookup(path string, addr uint64) (*probe.Descriptor, bool) {
	t := r.tableFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byAddr[addr]
	return d, ok
}

// IsArmed reports whether the descriptor at (path, addr) has had its
// bytes patched into the traced process's address space, for tests.
func (r *Registry) IsArmed(path string, addr uint64) bool {
	t := r.tableFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed[addr]
}

// ActivateProcess is the scheduler hook (spec.md §6): called whenever a
// process becomes current, it arms every not-yet-armed descriptor in
// that process's path's table (spec.md §4.4 trigger 2) and records path
// as the executable now current, so future Register calls against the
// same path arm immediately.
func (r *Registry) ActivateProcess(path string) {
	r.mu.Lock()
	r.current = path
	r.mu.Unlock()

	t := r.tableFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, d := range t.byAddr {
		if t.armed[addr] {
			continue
		}
		if err := d.Arm(); err != nil {
			logx.Logf("uprobes: activation arm failed for %s@%#x: %v", path, addr, err)
			continue
		}
		t.armed[addr] = true
		logx.Logf("uprobes: armed %s probe for %s@%#x on activation", d.Placement.Kind, path, addr)
	}
}

// HandleTrap drives the trap dispatch state machine (spec.md §4.5) for a
// user-mode trap in the process currently running path. It mirrors
// kprobes.Registry.HandleTrap exactly, scoped to one path's tables.
func (r *Registry) HandleTrap(path string, frame *probe.Frame) bool {
	t := r.tableFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()

	pc := frame.PC

	if d, ok := t.byAddr[pc]; ok {
		if d.Pre != nil {
			d.Pre.Handle(frame)
		}
		switch d.Placement.Kind {
		case probe.Instruction:
			frame.PC = d.SlotAddr
			if _, exists := t.inFlight[d.InstructionTrampolineAddr]; !exists {
				t.inFlight[d.InstructionTrampolineAddr] = d
			}
		case probe.FunctionEntrySync:
			frame.SP += uint64(d.SPDelta)
			frame.PC = d.TargetAddr + uint64(d.InsnLength)
			if d.Post != nil {
				d.ReturnAddrStack = append(d.ReturnAddrStack, frame.RA)
				if _, exists := t.inFlight[d.FunctionTrampolineAddr]; !exists {
					t.inFlight[d.FunctionTrampolineAddr] = d
				}
				frame.RA = d.FunctionTrampolineAddr
			}
		}
		logx.Logf("uprobes: trap at %s@%#x (target)", path, pc)
		return true
	}

	if d, ok := t.inFlight[pc]; ok {
		switch pc {
		case d.InstructionTrampolineAddr:
			if d.Post != nil {
				d.Post.Handle(frame)
			}
			frame.PC = d.TargetAddr + uint64(d.InsnLength)
			delete(t.inFlight, pc)
		case d.FunctionTrampolineAddr:
			if d.Post != nil {
				d.Post.Handle(frame)
			}
			n := len(d.ReturnAddrStack)
			frame.PC = d.ReturnAddrStack[n-1]
			d.ReturnAddrStack = d.ReturnAddrStack[:n-1]
			if len(d.ReturnAddrStack) == 0 {
				delete(t.inFlight, pc)
			}
		}
		logx.Logf("uprobes: trap at %s@%#x (in-flight)", path, pc)
		return true
	}

	return false
}
