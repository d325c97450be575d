// Package ivshmem implements the inter-cell shared-memory PCI device
// (§4.8): a pair of PCI endpoints (vendor 0x110a, device 0x4106) that
// share one physical memory region, each exposing a BAR0 register window
// (IVPosition/doorbell/state) and a BAR1 MSI-X table, linked together by
// a registry keyed on the shared-memory region they reference. Grounded
// on original_source/hypervisor/ivshmem.c (the spin-lock-protected peer
// pointer and the "send one final doorbell before severing the link"
// teardown sequence, preserved here as invariant P6) and on the teacher's
// internal/devices/pci endpoint shape, generalized from a single
// software-emulated device into a linked pair moderated through
// internal/pci's config-space shadow.
package ivshmem

import (
	"fmt"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
	"github.com/jailhouse-go/jailhouse/internal/pci"
)

const (
	VendorID = 0x110a
	DeviceID = 0x4106

	// ShutdownVector is reserved: peers never program a real MSI-X
	// vector to this index, so a doorbell write using it at teardown
	// cannot collide with guest traffic.
	ShutdownVector = 0xFFFF
)

// State is the ivshmem BAR0 state register (§4.8).
type State int32

const (
	StateReset State = iota
	StateReady
)

// Key identifies the shared-memory region a pair of endpoints link
// through; two endpoints are peers iff they carry the same Key (§3 "PCI
// device record" extended with shmem_phys/shmem_size for ivshmem
// devices).
type Key struct {
	ShmemPhys uint64
	ShmemSize uint64
}

// DoorbellSink receives a delivered doorbell interrupt; wired to the
// owning cell's irqchip.Chip.InjectVector by the cell manager.
type DoorbellSink func(vector uint16)

// Endpoint is one side of an ivshmem device pair.
type Endpoint struct {
	mu sync.Mutex

	Dev        *pci.Device
	IVPosition uint16 // 0 or 1, this endpoint's index within the pair
	key        Key

	state State
	peer  *Endpoint

	sink DoorbellSink
}

// NewEndpoint wraps a PCI device record as one ivshmem endpoint.
func NewEndpoint(dev *pci.Device, position uint16, key Key, sink DoorbellSink) *Endpoint {
	return &Endpoint{Dev: dev, IVPosition: position, key: key, sink: sink}
}

// SetState implements a BAR0 state-register write: guests flip StateReady
// once they've mapped the shared region and are prepared to receive
// doorbells.
func (e *Endpoint) SetState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// State returns the current BAR0 state value.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ring implements a BAR0 doorbell-register write: deliver vector to the
// linked peer's MSI-X table, unless the peer has that vector masked or
// has no peer (link already torn down), matching §4.8's "doorbell writes
// to a disconnected endpoint are silently discarded, not an error".
func (e *Endpoint) Ring(vector uint16) error {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil {
		return nil
	}
	return peer.deliver(vector)
}

func (e *Endpoint) deliver(vector uint16) error {
	e.mu.Lock()
	sink := e.sink
	dev := e.Dev
	e.mu.Unlock()

	// ShutdownVector lies outside every MSI-X table, so the per-vector
	// mask check does not apply to it.
	if vector != ShutdownVector && dev != nil && dev.MSIXVectorMasked(int(vector)) {
		return nil
	}
	if sink != nil {
		sink(vector)
	}
	return nil
}

// Link connects two endpoints as peers, implementing P6: from this point
// each endpoint's doorbell writes are visible to the other.
type Link struct {
	mu  sync.Mutex
	A   *Endpoint
	B   *Endpoint
	key Key
}

// Registry tracks ivshmem links by the shared-memory region they carry
// (§4.8). A region backs exactly one link; a third endpoint attempting to
// reuse a region already linked is rejected.
type Registry struct {
	mu    sync.Mutex
	links map[Key]*Link
}

// NewRegistry constructs an empty link registry.
func NewRegistry() *Registry {
	return &Registry{links: make(map[Key]*Link)}
}

// CreateLink registers a and b as peers sharing key and sets both
// endpoints' key to it. It fails with EEXIST if key's region already backs
// a link; it does not check whether a or b already belong to another link.
func (r *Registry) CreateLink(key Key, a, b *Endpoint) (*Link, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("ivshmem: CreateLink requires two non-nil endpoints: %w", jhsys.EINVAL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[key]; exists {
		return nil, fmt.Errorf("ivshmem: region %+v already linked: %w", key, jhsys.EEXIST)
	}

	a.mu.Lock()
	a.peer = b
	a.key = key
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.key = key
	b.mu.Unlock()

	link := &Link{A: a, B: b, key: key}
	r.links[key] = link
	return link, nil
}

// Teardown severs a link by key, implementing P6: before clearing either
// endpoint's peer pointer under its own lock (so no concurrent Ring call
// observes a half-torn-down link), each surviving endpoint receives one
// final ShutdownVector doorbell so software polling the link can detect
// it going away instead of silently stalling.
func (r *Registry) Teardown(key Key) error {
	r.mu.Lock()
	link, exists := r.links[key]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("ivshmem: no link for region %+v: %w", key, jhsys.ENOENT)
	}
	delete(r.links, key)
	r.mu.Unlock()

	link.mu.Lock()
	defer link.mu.Unlock()

	_ = link.A.deliver(ShutdownVector)
	_ = link.B.deliver(ShutdownVector)

	link.A.mu.Lock()
	link.A.peer = nil
	link.A.mu.Unlock()

	link.B.mu.Lock()
	link.B.peer = nil
	link.B.mu.Unlock()

	return nil
}

// Lookup returns the link for key, or nil.
func (r *Registry) Lookup(key Key) *Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[key]
}
