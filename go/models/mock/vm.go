// Package mock provides a scripted in-memory guest implementing models.Hypervisor.
package mock

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/cpu"
)

// Step is one instruction of the guest script.
type Step struct {
	Rip  uint64
	Dtb  models.Dtb
	Regs map[models.Reg]uint64
	// Apply runs when the guest reaches this step, before breakpoints are checked.
	Apply func(vm *VM)
}

type Breakpoint struct {
	ID   int
	Kind models.BreakpointKind
	Phy  models.Phy
	Dtb  models.Dtb
}

// VM executes Script one step at a time. Pos is the step about to execute: a
// breakpoint on it fires before it runs, so resuming without a single-step
// fires it again.
type VM struct {
	Regs *cpu.Regs

	phys     map[uint64][]byte
	tables   map[models.Dtb]map[uint64]uint64
	kernel   map[uint64]uint64
	nextPage uint64

	Script  []Step
	Pos     int
	running bool
	state   models.VMState
	changed bool

	bps    map[int]*Breakpoint
	nextBp int
	// MaxBreakpoints is the hardware slot budget, 0 means unlimited.
	MaxBreakpoints int
	FailSet        bool
	FailUnset      bool
	FailState      bool
	FailRegs       bool

	Pauses, Resumes, SingleSteps, Sets, Unsets int
	// Hits counts breakpoint stops per step index.
	Hits map[int]int
}

func NewVM() *VM {
	return &VM{
		Regs:     cpu.NewRegs(),
		phys:     make(map[uint64][]byte),
		tables:   make(map[models.Dtb]map[uint64]uint64),
		kernel:   make(map[uint64]uint64),
		nextPage: 0x100000,
		state:    models.StatePaused,
		bps:      make(map[int]*Breakpoint),
		Hits:     make(map[int]int),
	}
}

func isKernel(ptr uint64) bool {
	return ptr&0xfff0000000000000 != 0
}

// Run replaces the script and stops the guest on its first step.
func (vm *VM) Run(steps ...Step) {
	vm.Script = steps
	vm.running = false
	vm.state = models.StatePaused
	vm.enter(0)
}

func (vm *VM) enter(i int) {
	vm.Pos = i
	if i >= len(vm.Script) {
		return
	}
	s := vm.Script[i]
	vm.Regs.RegWrite(models.RegRip, s.Rip)
	vm.Regs.RegWrite(models.RegCr3, uint64(s.Dtb))
	for reg, val := range s.Regs {
		vm.Regs.RegWrite(reg, val)
	}
	if s.Apply != nil {
		s.Apply(vm)
	}
}

func (vm *VM) hit(i int) bool {
	if i >= len(vm.Script) {
		return false
	}
	s := vm.Script[i]
	phy, err := vm.VirtualToPhysical(s.Rip, s.Dtb)
	if err != nil {
		return false
	}
	for _, bp := range vm.bps {
		if bp.Kind != models.BreakExecute || bp.Phy != phy {
			continue
		}
		if bp.Dtb == models.AnyDtb || bp.Dtb == s.Dtb {
			return true
		}
	}
	return false
}

func (vm *VM) stop(state models.VMState) {
	vm.running = false
	vm.state = state
	vm.changed = true
}

func (vm *VM) run() {
	for {
		if vm.hit(vm.Pos) {
			vm.Hits[vm.Pos]++
			vm.stop(models.StatePaused | models.StateBreakpointHit)
			return
		}
		if vm.Pos+1 >= len(vm.Script) {
			vm.stop(models.StatePaused)
			return
		}
		vm.enter(vm.Pos + 1)
	}
}

func (vm *VM) Pause() error {
	vm.Pauses++
	if !vm.running {
		return nil
	}
	// the guest runs one step, unless a breakpoint stops it first
	if vm.hit(vm.Pos) {
		vm.Hits[vm.Pos]++
		vm.stop(models.StatePaused | models.StateBreakpointHit)
		return nil
	}
	if vm.Pos+1 < len(vm.Script) {
		vm.enter(vm.Pos + 1)
	}
	vm.stop(models.StatePaused)
	return nil
}

func (vm *VM) Resume() error {
	vm.Resumes++
	vm.running = true
	return nil
}

func (vm *VM) SingleStep() error {
	vm.SingleSteps++
	if vm.Pos+1 < len(vm.Script) {
		vm.enter(vm.Pos + 1)
	}
	vm.state = models.StatePaused
	return nil
}

func (vm *VM) State() (models.VMState, error) {
	if vm.FailState {
		return 0, errors.New("state unavailable")
	}
	if vm.running {
		return models.StateNull, nil
	}
	return vm.state, nil
}

func (vm *VM) StateChanged() bool {
	if vm.running {
		vm.run()
	}
	changed := vm.changed
	vm.changed = false
	return changed
}

func (vm *VM) SetBreakpoint(kind models.BreakpointKind, phy models.Phy, dtb models.Dtb) (int, error) {
	if vm.FailSet {
		return -1, errors.New("breakpoint rejected")
	}
	if vm.MaxBreakpoints > 0 && len(vm.bps) >= vm.MaxBreakpoints {
		return -1, errors.New("no free breakpoint slot")
	}
	vm.Sets++
	id := vm.nextBp
	vm.nextBp++
	vm.bps[id] = &Breakpoint{ID: id, Kind: kind, Phy: phy, Dtb: dtb}
	return id, nil
}

func (vm *VM) UnsetBreakpoint(id int) error {
	if vm.FailUnset {
		return errors.New("unset rejected")
	}
	if _, ok := vm.bps[id]; !ok {
		return errors.Errorf("breakpoint %d not set", id)
	}
	vm.Unsets++
	delete(vm.bps, id)
	return nil
}

// Breakpoints returns the programmed hardware breakpoints ordered by id.
func (vm *VM) Breakpoints() []Breakpoint {
	var out []Breakpoint
	for _, bp := range vm.bps {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Map backs [ptr, ptr+size) with fresh physical pages. High-half pages are
// shared by every address space.
func (vm *VM) Map(dtb models.Dtb, ptr, size uint64) {
	for page := mem.AlignDown(ptr, mem.PageSize); page < ptr+size; page += mem.PageSize {
		if _, err := vm.VirtualToPhysical(page, dtb); err == nil {
			continue
		}
		vm.Alias(dtb, page, models.Phy(vm.nextPage))
		vm.nextPage += mem.PageSize
	}
}

// Alias maps the page holding ptr onto an existing physical page.
func (vm *VM) Alias(dtb models.Dtb, ptr uint64, phy models.Phy) {
	page := mem.AlignDown(ptr, mem.PageSize)
	table := vm.kernel
	if !isKernel(ptr) {
		if table = vm.tables[dtb]; table == nil {
			table = make(map[uint64]uint64)
			vm.tables[dtb] = table
		}
	}
	table[page] = mem.AlignDown(uint64(phy), mem.PageSize)
	if _, ok := vm.phys[table[page]]; !ok {
		vm.phys[table[page]] = make([]byte, mem.PageSize)
	}
}

func (vm *VM) VirtualToPhysical(ptr uint64, dtb models.Dtb) (models.Phy, error) {
	page := mem.AlignDown(ptr, mem.PageSize)
	table := vm.kernel
	if !isKernel(ptr) {
		table = vm.tables[dtb]
	}
	phy, ok := table[page]
	if !ok {
		return 0, errors.Wrapf(models.ErrTranslate, "%#x unmapped in %#x", ptr, uint64(dtb))
	}
	return models.Phy(phy | ptr&(mem.PageSize-1)), nil
}

func (vm *VM) physical(p []byte, phy models.Phy, write bool) error {
	for len(p) > 0 {
		page, ok := vm.phys[mem.AlignDown(uint64(phy), mem.PageSize)]
		if !ok {
			return errors.Errorf("physical %#x unmapped", uint64(phy))
		}
		off := uint64(phy) & (mem.PageSize - 1)
		var n int
		if write {
			n = copy(page[off:], p)
		} else {
			n = copy(p, page[off:])
		}
		p, phy = p[n:], phy+models.Phy(n)
	}
	return nil
}

func (vm *VM) ReadPhysical(p []byte, phy models.Phy) error {
	return vm.physical(p, phy, false)
}

func (vm *VM) WritePhysical(p []byte, phy models.Phy) error {
	return vm.physical(p, phy, true)
}

func (vm *VM) virtual(p []byte, ptr uint64, dtb models.Dtb, write bool) error {
	for len(p) > 0 {
		phy, err := vm.VirtualToPhysical(ptr, dtb)
		if err != nil {
			return err
		}
		n := int(mem.PageSize - ptr&(mem.PageSize-1))
		if n > len(p) {
			n = len(p)
		}
		if err := vm.physical(p[:n], phy, write); err != nil {
			return err
		}
		p, ptr = p[n:], ptr+uint64(n)
	}
	return nil
}

func (vm *VM) ReadVirtual(p []byte, ptr uint64, dtb models.Dtb) error {
	return vm.virtual(p, ptr, dtb, false)
}

func (vm *VM) WriteVirtual(p []byte, ptr uint64, dtb models.Dtb) error {
	return vm.virtual(p, ptr, dtb, true)
}

func (vm *VM) ReadRegister(reg models.Reg) (uint64, error) {
	if vm.FailRegs {
		return 0, errors.New("registers unavailable")
	}
	return vm.Regs.RegRead(reg)
}

func (vm *VM) WriteRegister(reg models.Reg, val uint64) error {
	return vm.Regs.RegWrite(reg, val)
}

func (vm *VM) ReadMsr(msr models.Msr) (uint64, error) {
	return vm.Regs.MsrRead(msr)
}

func (vm *VM) WriteMsr(msr models.Msr, val uint64) error {
	vm.Regs.MsrWrite(msr, val)
	return nil
}

func (vm *VM) putUint(dtb models.Dtb, ptr uint64, size int, val uint64) {
	buf, err := cpu.PackUint(binary.LittleEndian, size, val)
	if err != nil {
		panic(err)
	}
	vm.Put(dtb, ptr, buf)
}

// Put64 maps and writes a little-endian value, panicking on failure.
func (vm *VM) Put64(dtb models.Dtb, ptr, val uint64) {
	vm.putUint(dtb, ptr, 8, val)
}

func (vm *VM) Put32(dtb models.Dtb, ptr uint64, val uint32) {
	vm.putUint(dtb, ptr, 4, uint64(val))
}

func (vm *VM) Put16(dtb models.Dtb, ptr uint64, val uint16) {
	vm.putUint(dtb, ptr, 2, uint64(val))
}

func (vm *VM) Put(dtb models.Dtb, ptr uint64, p []byte) {
	vm.Map(dtb, ptr, uint64(len(p)))
	if err := vm.WriteVirtual(p, ptr, dtb); err != nil {
		panic(err)
	}
}
