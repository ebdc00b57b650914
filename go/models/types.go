package models

import "fmt"

// Dtb is a page-table root (cr3 value) identifying one virtual address space.
type Dtb uint64

// AnyDtb marks a breakpoint which fires regardless of the current address space.
const AnyDtb Dtb = ^Dtb(0)

// Phy is a guest physical address.
type Phy uint64

// Proc is a process, identified by its EPROCESS address. Dtb is the user-mode
// address space root and may equal the kernel one.
type Proc struct {
	ID  uint64
	Dtb Dtb
}

func (p Proc) String() string {
	return fmt.Sprintf("proc(%#x dtb:%#x)", p.ID, uint64(p.Dtb))
}

// Thread is identified by its ETHREAD address.
type Thread struct {
	ID uint64
}

// Mod is a user module, identified by its loader list entry address.
type Mod struct {
	ID uint64
}

// Driver is a kernel module, identified by its loader list entry address.
type Driver struct {
	ID uint64
}

type Span struct {
	Addr uint64
	Size uint64
}

func (s Span) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

func (s Span) End() uint64 {
	return s.Addr + s.Size
}

func (s Span) String() string {
	return fmt.Sprintf("%#x-%#x", s.Addr, s.Addr+s.Size)
}

// Walk is returned by enumeration callbacks.
type Walk int

const (
	WalkNext Walk = iota
	WalkStop
)

// Filter restricts which address spaces a breakpoint observer accepts.
type Filter int

const (
	// AnyCr3 fires in every address space.
	AnyCr3 Filter = iota
	// FilterCr3 fires only while the observer's process address space is current.
	FilterCr3
)

func (f Filter) String() string {
	switch f {
	case AnyCr3:
		return "any"
	case FilterCr3:
		return "cr3"
	}
	return fmt.Sprintf("filter(%d)", int(f))
}

type Join int

const (
	// JoinAnyMode returns as soon as the process is scheduled, usually in kernel mode.
	JoinAnyMode Join = iota
	// JoinUserMode returns on the first user-mode instruction of the process.
	JoinUserMode
)

func (j Join) String() string {
	if j == JoinUserMode {
		return "user"
	}
	return "kernel"
}
