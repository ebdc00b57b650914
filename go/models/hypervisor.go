package models

// VMState is a bitmask reported by the hypervisor.
type VMState uint32

const (
	StateNull           VMState = 0
	StatePaused         VMState = 1 << 0
	StateBreakpointHit  VMState = 1 << 1
	StateDebuggerAlert  VMState = 1 << 2
	StateHardReset      VMState = 1 << 3
	StateStateChanged   VMState = 1 << 4
	StateSingleStepping VMState = 1 << 5
)

func (s VMState) Has(flag VMState) bool {
	return s&flag != 0
}

type BreakpointKind int

const (
	BreakExecute BreakpointKind = iota
	BreakRead
	BreakWrite
)

// Reg is an x86-64 register identifier.
type Reg int

const (
	RegRax Reg = iota
	RegRbx
	RegRcx
	RegRdx
	RegRsi
	RegRdi
	RegRsp
	RegRbp
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRip
	RegRflags
	RegCs
	RegDs
	RegEs
	RegFs
	RegGs
	RegSs
	RegCr0
	RegCr2
	RegCr3
	RegCr4
	RegCr8
	RegCount
)

// Msr is a model-specific register address.
type Msr uint32

const (
	MsrLstar        Msr = 0xC0000082
	MsrFsBase       Msr = 0xC0000100
	MsrGsBase       Msr = 0xC0000101
	MsrKernelGsBase Msr = 0xC0000102
)

// Hypervisor is the raw control interface of one guest. Calls are synchronous;
// StateChanged never blocks.
type Hypervisor interface {
	Pause() error
	Resume() error
	SingleStep() error
	State() (VMState, error)
	StateChanged() bool

	// SetBreakpoint programs a hardware breakpoint at a physical address.
	// dtb restricts it to one address space, AnyDtb leaves it unrestricted.
	SetBreakpoint(kind BreakpointKind, phy Phy, dtb Dtb) (int, error)
	UnsetBreakpoint(id int) error

	ReadPhysical(p []byte, phy Phy) error
	WritePhysical(p []byte, phy Phy) error
	ReadVirtual(p []byte, ptr uint64, dtb Dtb) error
	WriteVirtual(p []byte, ptr uint64, dtb Dtb) error
	VirtualToPhysical(ptr uint64, dtb Dtb) (Phy, error)

	ReadRegister(reg Reg) (uint64, error)
	WriteRegister(reg Reg, val uint64) error
	ReadMsr(msr Msr) (uint64, error)
	WriteMsr(msr Msr, val uint64) error
}
