package cellmgr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jailhouse-go/jailhouse/internal/config"
)

// CellSnapshot is a point-in-time, YAML-serializable dump of one cell's
// manager-level bookkeeping, for test assertions and diagnostic logging.
// Grounded on the teacher's internal/hv snapshot.go/config_hash.go (there,
// a binary on-disk VM-snapshot format keyed by a config hash for restore
// validation); reworked here from "restore a VM's runtime state" - this
// hypervisor has no live-migration or restore path, an explicit non-goal
// - into "assert a cell's state deterministically in a test", so the
// binary framing is dropped in favor of a plain YAML struct a test can
// diff against a golden string.
type CellSnapshot struct {
	ID       uint32   `yaml:"id"`
	Name     string   `yaml:"name"`
	State    string   `yaml:"state"`
	CPUs     []uint32 `yaml:"cpus"`
	Devices  []string `yaml:"devices,omitempty"`
	Loaded   bool     `yaml:"loaded"`
	Revision uint16   `yaml:"config_revision"`
}

// Snapshot captures c's current state.
func (c *Cell) Snapshot() CellSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]string, len(c.devices))
	for i, d := range c.devices {
		devices[i] = d.String()
	}
	rev := uint16(0)
	if c.config != nil {
		rev = c.config.Revision
	}
	return CellSnapshot{
		ID:       c.ID,
		Name:     c.Name,
		State:    c.state.String(),
		CPUs:     append([]uint32(nil), c.cpus...),
		Devices:  devices,
		Loaded:   c.loaded,
		Revision: rev,
	}
}

// YAML renders the snapshot in the same format a test compares against.
func (s CellSnapshot) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("cellmgr: marshal snapshot: %w", err)
	}
	return string(out), nil
}

// ConfigFingerprint is a deterministic digest of a cell configuration,
// used to tell whether two CELL_CREATE submissions for the same cell
// name actually describe the same cell (e.g. a root-cell tool retrying a
// previously successful create) versus a genuine conflicting definition.
type ConfigFingerprint [32]byte

// Fingerprint computes cfg's ConfigFingerprint. Only the fields that
// determine a cell's resource claims are hashed (name, CPU set, memory
// regions, PCI devices); console/ivshmem cosmetic fields that don't
// affect resource ownership are intentionally excluded.
func Fingerprint(cfg *config.CellConfig) ConfigFingerprint {
	h := sha256.New()
	h.Write([]byte(cfg.Name))
	h.Write([]byte{0})

	var buf [8]byte
	for _, cpu := range cfg.CPUs {
		binary.LittleEndian.PutUint64(buf[:], uint64(cpu))
		h.Write(buf[:])
	}
	for _, r := range cfg.MemoryRegions {
		binary.LittleEndian.PutUint64(buf[:], r.PhysStart)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], r.VirtStart)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], r.Size)
		h.Write(buf[:])
	}
	for _, d := range cfg.PCIDevices {
		h.Write([]byte{d.Bus, d.Device, d.Function})
	}

	var fp ConfigFingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}
