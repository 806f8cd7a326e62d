// Package memory simulates the byte-addressable address space the probe
// engine reads, writes, and arms breakpoints in — either the kernel's own
// text (always mapped, always writable by the engine that is patching
// itself) or a traced process's user address space (pages that must be
// found, mapped, and have their write-protect bit cleared before a probe
// can be armed there, per spec.md §4.4).
//
// The page/flag model is lifted directly from
// bassosimone-risc32/pkg/vm/vm.go's paging support (status-register-gated
// page table, Exec/Write/Read flag bits) and repurposed here as the
// traced process's page table rather than a guest OS's; the lazy
// allocation behaviour (find a hole, back it on first touch) is grounded
// on original_source/kernel/src/kprobes/uprobes.rs's get_new_page and
// set_writeable.
package memory

import (
	"sync"

	"github.com/btcsuite/goleveldb/leveldb/errors"
)

// Perm is a page permission bitmask, using the same bit layout
// bassosimone-risc32/pkg/vm/vm.go uses for its memory flags.
type Perm uint8

const (
	PermExec Perm = 1 << iota
	PermWrite
	PermRead
	PermUser
)

// PageSize is the granularity at which Space allocates and tracks pages.
const PageSize = 4096

var (
	// ErrUnmapped indicates an access to an address with no backing page.
	ErrUnmapped = errors.New("memory: address is unmapped")
	// ErrPermission indicates an access violates the page's permissions.
	ErrPermission = errors.New("memory: permission denied")
	// ErrNoFreeHole indicates no free virtual-address range of the
	// requested size could be found.
	ErrNoFreeHole = errors.New("memory: no free virtual address hole")
)

type page struct {
	base uint64
	data []byte
	perm Perm
}

// Space is a simulated address space: a sparse set of fixed-size pages,
// each carrying its own permission bits. A Kernel space is typically
// pre-mapped up front with always-RWX pages (the engine is patching its
// own already-resident text); a user Space starts empty and pages are
// added lazily via Alloc, mirroring how a traced process's memory map
// only grows on demand.
type Space struct {
	mu    sync.Mutex
	pages map[uint64]*page
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{pages: make(map[uint64]*page)}
}

func pageBase(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// Map installs size bytes of freshly zeroed, fixed-address memory at base
// with the given permissions, rounding to whole pages. Used to preload a
// kernel's always-resident text, or to pre-seed a test user image.
func (s *Space) Map(base uint64, size int, perm Perm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := pageBase(base)
	end := pageBase(base + uint64(size) + PageSize - 1)
	for b := start; b < end; b += PageSize {
		s.pages[b] = &page{base: b, data: make([]byte, PageSize), perm: perm}
	}
}

func (s *Space) lookupLocked(addr uint64) (*page, error) {
	p, ok := s.pages[pageBase(addr)]
	if !ok {
		return nil, ErrUnmapped
	}
	return p, nil
}

// ReadAt copies n bytes starting at addr. All n bytes must lie within a
// single mapped page with PermRead set.
func (s *Space) ReadAt(addr uint64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookupLocked(addr)
	if err != nil {
		return nil, err
	}
	if p.perm&PermRead == 0 {
		return nil, ErrPermission
	}
	off := int(addr - p.base)
	if off+n > len(p.data) {
		return nil, ErrUnmapped
	}
	out := make([]byte, n)
	copy(out, p.data[off:off+n])
	return out, nil
}

// WriteAt writes data at addr, requiring PermWrite on the backing page.
func (s *Space) WriteAt(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookupLocked(addr)
	if err != nil {
		return err
	}
	if p.perm&PermWrite == 0 {
		return ErrPermission
	}
	off := int(addr - p.base)
	if off+len(data) > len(p.data) {
		return ErrUnmapped
	}
	copy(p.data[off:off+len(data)], data)
	return nil
}

// SetWritable clears the write-protect bit on the page containing addr,
// the Go rendition of original_source/uprobes.rs's set_writeable: before
// a kprobe/uprobe can overwrite an instruction with a breakpoint, the
// containing page must be made writable.
func (s *Space) SetWritable(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookupLocked(addr)
	if err != nil {
		return err
	}
	p.perm |= PermWrite
	return nil
}

// FindFreeHole searches upward from near for a size-byte range with no
// backing pages at all, so Alloc never silently overlaps an existing
// mapping.
func (s *Space) FindFreeHole(near uint64, size int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := pageBase(near) + PageSize
	for tries := 0; tries < 1<<20; tries++ {
		free := true
		end := pageBase(candidate+uint64(size)+PageSize-1) + PageSize
		for b := pageBase(candidate); b < end; b += PageSize {
			if _, ok := s.pages[b]; ok {
				free = false
				candidate = b + PageSize
				break
			}
		}
		if free {
			return candidate, nil
		}
	}
	return 0, ErrNoFreeHole
}

// AllocExecWritable finds a free hole near addr sized size bytes, maps it
// backed by zeroed, frame-allocate-on-touch memory (simulated here simply
// as an already-zeroed byte slice), with execute|writable|user
// permissions, and returns its base address — the uprobe trampoline/slot
// allocation spec.md §4.4 describes.
func (s *Space) AllocExecWritable(addr uint64, size int) (uint64, error) {
	hole, err := s.FindFreeHole(addr, size)
	if err != nil {
		return 0, err
	}
	s.Map(hole, size, PermExec|PermWrite|PermRead|PermUser)
	return hole, nil
}

// FenceI is the local instruction-fence hook every arm/disarm issues
// after patching code bytes, so subsequent fetches on the same hart see
// the new bytes (spec.md §5, §9). Broadcasting this to other harts on an
// SMP system is the one explicitly open design question (spec.md §9(a));
// this simulation runs single-hart, so the hook is a no-op kept only as
// a documented seam for a future broadcast implementation.
func FenceI() {}
