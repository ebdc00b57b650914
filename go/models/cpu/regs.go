package cpu

import (
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

var Names = map[models.Reg]string{
	models.RegRax:    "rax",
	models.RegRbx:    "rbx",
	models.RegRcx:    "rcx",
	models.RegRdx:    "rdx",
	models.RegRsi:    "rsi",
	models.RegRdi:    "rdi",
	models.RegRsp:    "rsp",
	models.RegRbp:    "rbp",
	models.RegR8:     "r8",
	models.RegR9:     "r9",
	models.RegR10:    "r10",
	models.RegR11:    "r11",
	models.RegR12:    "r12",
	models.RegR13:    "r13",
	models.RegR14:    "r14",
	models.RegR15:    "r15",
	models.RegRip:    "rip",
	models.RegRflags: "rflags",
	models.RegCs:     "cs",
	models.RegDs:     "ds",
	models.RegEs:     "es",
	models.RegFs:     "fs",
	models.RegGs:     "gs",
	models.RegSs:     "ss",
	models.RegCr0:    "cr0",
	models.RegCr2:    "cr2",
	models.RegCr3:    "cr3",
	models.RegCr4:    "cr4",
	models.RegCr8:    "cr8",
}

var MsrNames = map[models.Msr]string{
	models.MsrLstar:        "lstar",
	models.MsrFsBase:       "fs_base",
	models.MsrGsBase:       "gs_base",
	models.MsrKernelGsBase: "kernel_gs_base",
}

func Lookup(name string) (models.Reg, bool) {
	for reg, n := range Names {
		if n == name {
			return reg, true
		}
	}
	return 0, false
}

func LookupMsr(name string) (models.Msr, bool) {
	for msr, n := range MsrNames {
		if n == name {
			return msr, true
		}
	}
	return 0, false
}

// Sorted returns every register in natural name order (r8 before r10).
func Sorted() []models.Reg {
	regs := make([]models.Reg, 0, len(Names))
	for reg := range Names {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return sortorder.NaturalLess(Names[regs[i]], Names[regs[j]])
	})
	return regs
}

// Regs is a register and MSR file for guests which are not backed by real hardware.
type Regs struct {
	vals map[models.Reg]uint64
	msrs map[models.Msr]uint64
}

func NewRegs() *Regs {
	r := &Regs{
		vals: make(map[models.Reg]uint64),
		msrs: make(map[models.Msr]uint64),
	}
	for reg := range Names {
		r.vals[reg] = 0
	}
	return r
}

func (r *Regs) RegRead(reg models.Reg) (uint64, error) {
	if val, ok := r.vals[reg]; !ok {
		return 0, errors.Errorf("invalid register %d", reg)
	} else {
		return val, nil
	}
}

func (r *Regs) RegWrite(reg models.Reg, val uint64) error {
	if _, ok := r.vals[reg]; !ok {
		return errors.Errorf("invalid register %d", reg)
	}
	r.vals[reg] = val
	return nil
}

func (r *Regs) MsrRead(msr models.Msr) (uint64, error) {
	if val, ok := r.msrs[msr]; !ok {
		return 0, errors.Errorf("msr %#x not set", uint32(msr))
	} else {
		return val, nil
	}
}

func (r *Regs) MsrWrite(msr models.Msr, val uint64) {
	r.msrs[msr] = val
}

// Each calls fn for every register then every set MSR.
func (r *Regs) Each(reg func(models.Reg, uint64), msr func(models.Msr, uint64)) {
	for _, e := range Sorted() {
		reg(e, r.vals[e])
	}
	for e, v := range r.msrs {
		msr(e, v)
	}
}
