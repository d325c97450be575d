// Package pagepool implements the hypervisor's only source of dynamic
// memory: a bitmap-backed bump-and-free allocator over a fixed arena of
// 4 KiB pages (§4.1). It is grounded on the teacher's
// internal/hv/address_space.go (the same "claim a region above a fixed
// base, never grow" shape) but replaces the linear allocator with a
// bitmap scan so pages can be freed and reused, and backs the arena with
// an anonymous mmap the way internal/hv/kvm/kvm.go backs guest RAM.
package pagepool

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

const PageSize = 4096

// Flags control allocator behavior.
type Flags uint32

const (
	// ScrubOnFree zeroes pages before their bits are cleared, matching
	// §4.1's SCRUB_ON_FREE contract.
	ScrubOnFree Flags = 1 << iota
)

// Pool is a contiguous range of 4 KiB pages with a used-bitmap. Two pools
// exist per hypervisor instance per §3: mem_pool backs data structures and
// guest-shadow tables, remap_pool backs temporary/device virtual windows.
// Allocation is never required to sleep or reclaim: a full pool fails the
// caller's reconfiguration operation permanently, per §9.
type Pool struct {
	mu sync.Mutex

	name  string
	base  uintptr
	arena []byte
	count uint32
	used  bitmap.Bitmap
	usedN uint32
	flags Flags

	// lastFree is where the next scan resumes, per §4.1 ("scans ...
	// from the last freed position ... on restart at wrap the pointer
	// returns to zero").
	lastFree uint32

	log *slog.Logger
}

// New allocates (via anonymous mmap) an arena of count pages and returns a
// pool managing it. The backing mapping is never grown or shrunk after
// creation — consistent with "no dynamic allocation after cell creation
// beyond page-pool slices" (§1).
func New(name string, count uint32, flags Flags) (*Pool, error) {
	if count == 0 {
		return nil, fmt.Errorf("pagepool %s: count must be non-zero: %w", name, jhsys.EINVAL)
	}
	size := int(count) * PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pagepool %s: mmap %d bytes: %w", name, size, err)
	}
	return &Pool{
		name:  name,
		arena: arena,
		base:  uintptr(0),
		count: count,
		used:  bitmap.New(count),
		flags: flags,
		log:   slog.Default().With("component", "pagepool", "pool", name),
	}, nil
}

// Base returns the byte offset of page index 0 within the pool's arena;
// callers address pages by index, not by raw pointer, since the arena is
// host-process memory standing in for hypervisor-reserved physical RAM.
func (p *Pool) Base() uintptr { return p.base }

// Count returns the total number of pages in the pool.
func (p *Pool) Count() uint32 { return p.count }

// UsedCount returns the number of pages currently allocated.
func (p *Pool) UsedCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedN
}

// Bytes returns the raw backing arena for page-table walkers that need to
// read/write page contents directly (e.g. paging.Engine).
func (p *Pool) Bytes() []byte { return p.arena }

// Alloc finds n consecutive clear bits and marks them used, returning the
// page index of the first page. Returns ENOMEM if no run of n free pages
// exists — callers never sleep or trigger reclaim (§4.1, §9).
func (p *Pool) Alloc(n uint32) (uint32, error) {
	return p.alloc(n, 1)
}

// AllocAligned behaves like Alloc but additionally requires the returned
// base index be a multiple of n, which must be a power of two. This
// backs hardware page-table roots that require naturally-aligned storage
// (§4.1 "aligned-consecutive-N").
func (p *Pool) AllocAligned(n uint32) (uint32, error) {
	if n == 0 || n&(n-1) != 0 {
		return 0, fmt.Errorf("pagepool %s: alignment %d is not a power of two: %w", p.name, n, jhsys.EINVAL)
	}
	return p.alloc(n, n)
}

func (p *Pool) alloc(n, align uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("pagepool %s: cannot allocate zero pages: %w", p.name, jhsys.EINVAL)
	}
	if n > p.count {
		return 0, fmt.Errorf("pagepool %s: request for %d pages exceeds pool size %d: %w", p.name, n, p.count, jhsys.ENOMEM)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := alignUp(p.lastFree, align)
	for pass := 0; pass < 2; pass++ {
		for start+n <= p.count {
			if p.used.IsZero(start, start+n) {
				p.used.SetRange(start, start+n, true)
				p.usedN += n
				p.lastFree = start + n
				if p.lastFree >= p.count {
					p.lastFree = 0
				}
				return start, nil
			}
			next := p.used.FirstZero(start + 1)
			start = alignUp(next, align)
		}
		// Wrap to the beginning once, matching §4.1's restart-at-zero.
		start = 0
	}
	return 0, fmt.Errorf("pagepool %s: no run of %d free pages: %w", p.name, n, jhsys.ENOMEM)
}

// Free releases n pages starting at index base. Under ScrubOnFree the
// pages are zeroed before their bits are cleared.
func (p *Pool) Free(base, n uint32) error {
	if n == 0 {
		return nil
	}
	if base+n > p.count {
		return fmt.Errorf("pagepool %s: free range [%d,%d) exceeds pool size %d: %w", p.name, base, base+n, p.count, jhsys.EINVAL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.flags&ScrubOnFree != 0 {
		start := int(base) * PageSize
		end := start + int(n)*PageSize
		for i := start; i < end; i++ {
			p.arena[i] = 0
		}
	}
	p.used.SetRange(base, base+n, false)
	p.usedN -= n
	p.lastFree = base
	return nil
}

// Close unmaps the pool's backing arena.
func (p *Pool) Close() error {
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return err
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
