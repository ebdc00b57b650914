// Package mem wraps guest memory access with address-space selection.
package mem

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/lunixbochs/icebox/go/models"
)

const PageSize = 0x1000

func AlignDown[T constraints.Unsigned](x, n T) T {
	return x &^ (n - 1)
}

func AlignUp[T constraints.Unsigned](x, n T) T {
	return (x + n - 1) &^ (n - 1)
}

// Memory reads guest memory through a hypervisor. The current address space is
// refreshed by the breakpoint engine every time the guest stops.
type Memory struct {
	hv      models.Hypervisor
	current models.Dtb
}

func New(hv models.Hypervisor) *Memory {
	return &Memory{hv: hv}
}

// Update selects proc as the current address space.
func (m *Memory) Update(proc models.Proc) {
	m.current = proc.Dtb
}

func (m *Memory) Current() models.Dtb {
	return m.current
}

func (m *Memory) ReadVirtual(p []byte, ptr uint64, dtb models.Dtb) error {
	if err := m.hv.ReadVirtual(p, ptr, dtb); err != nil {
		return errors.Wrapf(err, "unable to read %#x bytes at %#x (dtb %#x)", len(p), ptr, uint64(dtb))
	}
	return nil
}

func (m *Memory) ReadPhysical(p []byte, phy models.Phy) error {
	return m.hv.ReadPhysical(p, phy)
}

func (m *Memory) VirtualToPhysical(ptr uint64, dtb models.Dtb) (models.Phy, error) {
	phy, err := m.hv.VirtualToPhysical(ptr, dtb)
	if err != nil {
		return 0, errors.Wrapf(models.ErrTranslate, "%#x (dtb %#x): %v", ptr, uint64(dtb), err)
	}
	return phy, nil
}
