package pci

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// Registry tracks every PCI function system-wide and the cell that
// currently owns it (§4.4's "PCI ownership transfer on cell create/
// destroy"). Grounded on the teacher's internal/devices/pci/host.go
// device map, reworked from "device belongs to the one VM" into
// "device is handed between cells, with the root cell as both the
// initial and final owner".
type Registry struct {
	mu      sync.Mutex
	devices map[BDF]*Device
	root    uint32
}

// NewRegistry creates a registry whose devices initially belong to the
// root cell.
func NewRegistry(rootCellID uint32) *Registry {
	return &Registry{devices: make(map[BDF]*Device), root: rootCellID}
}

// Add registers a device, owned by the root cell, discovered at boot.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[d.Info.BDF]; exists {
		return fmt.Errorf("pci: device %s already registered: %w", d.Info.BDF, jhsys.EEXIST)
	}
	r.devices[d.Info.BDF] = d
	return nil
}

// Lookup returns the device at bdf, or nil.
func (r *Registry) Lookup(bdf BDF) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[bdf]
}

// AssignToCell transfers ownership of bdf from the root cell to cellID,
// as part of cell creation (§4.9). The device must currently be owned by
// the root cell: devices already assigned to a non-root cell cannot be
// reassigned without first returning to root.
func (r *Registry) AssignToCell(bdf BDF, cellID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[bdf]
	if d == nil {
		return fmt.Errorf("pci: assign: unknown device %s: %w", bdf, jhsys.ENODEV)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OwnerCell != r.root {
		return fmt.Errorf("pci: assign: device %s owned by cell %d, not root: %w", bdf, d.OwnerCell, jhsys.EBUSY)
	}
	d.OwnerCell = cellID
	d.command = 0
	d.msi = MSICapability{}
	for i := range d.msix.Vectors {
		d.msix.Vectors[i] = MSIXVector{}
	}
	d.msix.Enabled = false
	d.msix.FunctionMask = false
	return nil
}

// ReturnToRoot reclaims every device owned by cellID back to the root
// cell, resetting shadow state, as part of cell destruction (§4.9). BARs
// are left as-is since the root cell's driver will reprogram them on
// rediscovery, matching the teacher's "device state survives detach,
// config space doesn't" split.
func (r *Registry) ReturnToRoot(cellID uint32) []BDF {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reclaimed []BDF
	for bdf, d := range r.devices {
		d.mu.Lock()
		if d.OwnerCell == cellID {
			d.OwnerCell = r.root
			d.command = 0
			d.msi = MSICapability{}
			d.msix.Enabled = false
			d.msix.FunctionMask = false
			for i := range d.msix.Vectors {
				d.msix.Vectors[i] = MSIXVector{}
			}
			reclaimed = append(reclaimed, bdf)
		}
		d.mu.Unlock()
	}
	sort.Slice(reclaimed, func(i, j int) bool {
		a, b := reclaimed[i], reclaimed[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})
	return reclaimed
}

// DevicesOwnedBy returns the BDFs currently assigned to cellID, sorted.
func (r *Registry) DevicesOwnedBy(cellID uint32) []BDF {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BDF
	for bdf, d := range r.devices {
		d.mu.Lock()
		owned := d.OwnerCell == cellID
		d.mu.Unlock()
		if owned {
			out = append(out, bdf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})
	return out
}

// HandOver runs the hand-over step at hypervisor enablement: it calls the
// caller's hwMask callback once for every registered device, stopping at
// the first error. It does not read or save the MSI/MSI-X state the root
// Linux kernel left behind, and nothing restores such state later.
func (r *Registry) HandOver(hwMask func(bdf BDF) error) error {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	for _, d := range devices {
		if hwMask != nil {
			if err := hwMask(d.Info.BDF); err != nil {
				return fmt.Errorf("pci: hand-over: mask device %s: %w", d.Info.BDF, err)
			}
		}
	}
	return nil
}
