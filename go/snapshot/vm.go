package snapshot

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/cpu"
)

// VM is a frozen guest. Memory and registers can be inspected, anything
// that would run the guest or change it fails with models.ErrReadOnly.
type VM struct {
	regs  *cpu.Regs
	pages map[uint64][]byte
}

func newVM() *VM {
	return &VM{regs: cpu.NewRegs(), pages: make(map[uint64][]byte)}
}

func readOnly(op string) error {
	return errors.Wrapf(models.ErrReadOnly, "snapshot: %s", op)
}

func (v *VM) Pause() error { return nil }
func (v *VM) Resume() error { return readOnly("resume") }
func (v *VM) SingleStep() error { return readOnly("single-step") }
func (v *VM) State() (models.VMState, error) { return models.StatePaused, nil }
func (v *VM) StateChanged() bool { return false }

func (v *VM) SetBreakpoint(kind models.BreakpointKind, phy models.Phy, dtb models.Dtb) (int, error) {
	return -1, readOnly("set breakpoint")
}

func (v *VM) UnsetBreakpoint(id int) error {
	return readOnly("unset breakpoint")
}

// ReadPhysical returns zeroes for pages missing from the snapshot.
func (v *VM) ReadPhysical(p []byte, phy models.Phy) error {
	for len(p) > 0 {
		off := uint64(phy) & (mem.PageSize - 1)
		n := int(mem.PageSize - off)
		if n > len(p) {
			n = len(p)
		}
		if page, ok := v.pages[mem.AlignDown(uint64(phy), mem.PageSize)]; ok {
			copy(p[:n], page[off:])
		} else {
			clear(p[:n])
		}
		p, phy = p[n:], phy+models.Phy(n)
	}
	return nil
}

func (v *VM) WritePhysical(p []byte, phy models.Phy) error {
	return readOnly("write physical")
}

func (v *VM) ReadVirtual(p []byte, ptr uint64, dtb models.Dtb) error {
	return mem.ReadVirtual(v, dtb, p, ptr)
}

func (v *VM) WriteVirtual(p []byte, ptr uint64, dtb models.Dtb) error {
	return readOnly("write virtual")
}

func (v *VM) VirtualToPhysical(ptr uint64, dtb models.Dtb) (models.Phy, error) {
	return mem.Translate(v, dtb, ptr)
}

func (v *VM) ReadRegister(reg models.Reg) (uint64, error) {
	return v.regs.RegRead(reg)
}

func (v *VM) WriteRegister(reg models.Reg, val uint64) error {
	return readOnly("write register")
}

func (v *VM) ReadMsr(msr models.Msr) (uint64, error) {
	return v.regs.MsrRead(msr)
}

func (v *VM) WriteMsr(msr models.Msr, val uint64) error {
	return readOnly("write msr")
}

// Pages returns the number of physical pages held.
func (v *VM) Pages() int {
	return len(v.pages)
}
