package mock

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/symbols"
)

const (
	KernelBase  uint64     = 0xfffff80002000000
	KernelSize  uint64     = 0x20000
	KernelDtb   models.Dtb = 0x1aa000
	KpcrAddr    uint64     = 0xfffff80004000000
	heapBase    uint64     = 0xfffffa8000000000
	userHeap    uint64     = 0x7ff00000
	eprocSize              = 0x700
	ethreadSize            = 0x700
)

// Symbol RVAs inside the synthetic kernel image.
const (
	RvaKiSystemCall64      = 0x3040
	RvaKiKernelSysretExit  = 0x3400
	RvaPsActiveProcessHead = 0x8000
	RvaPsInitialSystemProc = 0x8010
	RvaPsLoadedModuleList  = 0x8020
)

// NtStrucs is the structure layout of the synthetic kernel.
func NtStrucs() map[string]map[string]uint64 {
	return map[string]map[string]uint64{
		"_CLIENT_ID": {"UniqueThread": 0x8},
		"_EPROCESS": {
			"ActiveProcessLinks":         0x2e8,
			"ImageFileName":              0x450,
			"Pcb":                        0x0,
			"Peb":                        0x3f8,
			"SeAuditProcessCreationInfo": 0x468,
			"ThreadListHead":             0x488,
			"UniqueProcessId":            0x2e0,
			"VadRoot":                    0x628,
			"Wow64Process":               0x428,
		},
		"_ETHREAD": {
			"Cid":             0x478,
			"Tcb":             0x0,
			"ThreadListEntry": 0x6a8,
		},
		"_KPCR":        {"Irql": 0x50, "Prcb": 0x180},
		"_KPRCB":       {"CurrentThread": 0x8},
		"_KPROCESS":    {"DirectoryTableBase": 0x28, "UserDirectoryTableBase": 0x280},
		"_KTHREAD":     {"Process": 0x220, "TrapFrame": 0x90},
		"_KTRAP_FRAME": {"Rip": 0x168},
		"_TEB":         {"NtTib": 0x0},
		"_NT_TIB":      {"StackBase": 0x8, "StackLimit": 0x10},
		"_LDR_DATA_TABLE_ENTRY": {
			"DllBase":          0x30,
			"FullDllName":      0x48,
			"InLoadOrderLinks": 0x0,
			"SizeOfImage":      0x40,
		},
		"_OBJECT_NAME_INFORMATION":        {"Name": 0x0},
		"_PEB":                            {"Ldr": 0x18, "ProcessParameters": 0x20},
		"_PEB_LDR_DATA":                   {"InLoadOrderModuleList": 0x10},
		"_PEB32":                          {"Ldr": 0xc},
		"_RTL_USER_PROCESS_PARAMETERS":    {"ImagePathName": 0x60},
		"_SE_AUDIT_PROCESS_CREATION_INFO": {"ImageFileName": 0x0},
		"_EWOW64PROCESS":                  {"Peb": 0x0, "NtdllType": 0x8},
	}
}

// Guest lays out a minimal NT kernel in a VM: an image header, the process,
// thread and driver lists, and per-process loader data.
type Guest struct {
	VM *VM
	// Nt and Wntdll are handed to the symbol table by Symbols, tests may
	// edit them first to drop entries.
	Nt     symbols.Module
	Wntdll symbols.Module

	heap  uint64
	uheap map[models.Dtb]uint64
	procs []models.Proc
}

func NewGuest() *Guest {
	g := &Guest{
		VM:    NewVM(),
		heap:  heapBase,
		uheap: make(map[models.Dtb]uint64),
		Nt: symbols.Module{
			Name: "nt",
			Symbols: map[string]uint64{
				"KiSystemCall64":         RvaKiSystemCall64,
				"KiKernelSysretExit":     RvaKiKernelSysretExit,
				"PsActiveProcessHead":    RvaPsActiveProcessHead,
				"PsInitialSystemProcess": RvaPsInitialSystemProc,
				"PsLoadedModuleList":     RvaPsLoadedModuleList,
			},
			Strucs: NtStrucs(),
		},
		Wntdll: symbols.Module{
			Name: "wntdll",
			Strucs: map[string]map[string]uint64{
				"_TEB":    {"NtTib": 0x0},
				"_NT_TIB": {"StackBase": 0x4, "StackLimit": 0x8},
			},
		},
	}
	vm := g.VM
	vm.Map(KernelDtb, KernelBase, KernelSize)
	vm.Put(KernelDtb, KernelBase, []byte("MZ"))
	vm.Put32(KernelDtb, KernelBase+0x3c, 0x80)
	vm.Put(KernelDtb, KernelBase+0x80, []byte("PE\x00\x00"))
	vm.Put16(KernelDtb, KernelBase+0x84, 0x8664)
	// optional header follows the 20 byte file header
	vm.Put16(KernelDtb, KernelBase+0x98, 0x20b)
	vm.Put32(KernelDtb, KernelBase+0x98+56, uint32(KernelSize))

	g.listInit(KernelDtb, KernelBase+RvaPsActiveProcessHead)
	g.listInit(KernelDtb, KernelBase+RvaPsLoadedModuleList)

	vm.Map(KernelDtb, KpcrAddr, 0x1000)
	vm.WriteMsr(models.MsrLstar, KernelBase+RvaKiSystemCall64)
	vm.WriteMsr(models.MsrGsBase, KpcrAddr)
	vm.WriteMsr(models.MsrKernelGsBase, 0)
	vm.Regs.RegWrite(models.RegCr3, uint64(KernelDtb))
	vm.Regs.RegWrite(models.RegCs, 0x10)
	return g
}

// Symbols returns a table holding the guest's symbol databases.
func (g *Guest) Symbols() *symbols.Table {
	t := symbols.New()
	t.Define(g.Nt)
	t.Define(g.Wntdll)
	return t
}

func (g *Guest) off(struc, member string) uint64 {
	return g.Nt.Strucs[struc][member]
}

// Alloc returns zeroed kernel memory.
func (g *Guest) Alloc(size uint64) uint64 {
	ptr := g.heap
	g.heap = mem.AlignUp(g.heap+size, 0x10)
	g.VM.Map(KernelDtb, ptr, size)
	return ptr
}

// AllocUser returns zeroed memory in one process address space.
func (g *Guest) AllocUser(dtb models.Dtb, size uint64) uint64 {
	ptr, ok := g.uheap[dtb]
	if !ok {
		ptr = userHeap
	}
	g.uheap[dtb] = mem.AlignUp(ptr+size, 0x10)
	g.VM.Map(dtb, ptr, size)
	return ptr
}

func (g *Guest) Get64(dtb models.Dtb, ptr uint64) uint64 {
	var buf [8]byte
	if err := g.VM.ReadVirtual(buf[:], ptr, dtb); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (g *Guest) listInit(dtb models.Dtb, head uint64) {
	g.VM.Put64(dtb, head, head)
	g.VM.Put64(dtb, head+8, head)
}

func (g *Guest) listAppend(dtb models.Dtb, head, entry uint64) {
	last := g.Get64(dtb, head+8)
	g.VM.Put64(dtb, entry, head)
	g.VM.Put64(dtb, entry+8, last)
	g.VM.Put64(dtb, last, entry)
	g.VM.Put64(dtb, head+8, entry)
}

func (g *Guest) list32Append(dtb models.Dtb, head, entry uint64) {
	var buf [4]byte
	if err := g.VM.ReadVirtual(buf[:], head+4, dtb); err != nil {
		panic(err)
	}
	last := uint64(binary.LittleEndian.Uint32(buf[:]))
	g.VM.Put32(dtb, entry, uint32(head))
	g.VM.Put32(dtb, entry+4, uint32(last))
	g.VM.Put32(dtb, last, uint32(entry))
	g.VM.Put32(dtb, head+4, uint32(entry))
}

// PutUnicode writes a UNICODE_STRING descriptor at ptr and its buffer in the
// same address space. width is the pointer size of the descriptor.
func (g *Guest) PutUnicode(dtb models.Dtb, ptr uint64, width int, s string) {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	var data uint64
	if ptr&0xfff0000000000000 != 0 {
		data = g.Alloc(uint64(len(buf)) + 2)
	} else {
		data = g.AllocUser(dtb, uint64(len(buf))+2)
	}
	g.VM.Put(dtb, data, buf)
	g.VM.Put16(dtb, ptr, uint16(len(buf)))
	g.VM.Put16(dtb, ptr+2, uint16(len(buf)+2))
	if width == 4 {
		g.VM.Put32(dtb, ptr+4, uint32(data))
	} else {
		g.VM.Put64(dtb, ptr+8, data)
	}
}

// AddProc links a new EPROCESS into the active process list. The first process
// added becomes PsInitialSystemProcess.
func (g *Guest) AddProc(pid uint64, name string, dtb models.Dtb) models.Proc {
	eproc := g.Alloc(eprocSize)
	pcb := eproc + g.off("_EPROCESS", "Pcb")
	g.VM.Put64(KernelDtb, pcb+g.off("_KPROCESS", "DirectoryTableBase"), uint64(KernelDtb))
	g.VM.Put64(KernelDtb, pcb+g.off("_KPROCESS", "UserDirectoryTableBase"), uint64(dtb))
	g.VM.Put64(KernelDtb, eproc+g.off("_EPROCESS", "UniqueProcessId"), pid)
	g.VM.Put64(KernelDtb, eproc+g.off("_EPROCESS", "VadRoot"), eproc+0x10)
	short := []byte(name)
	if len(short) > 15 {
		short = short[:15]
	}
	g.VM.Put(KernelDtb, eproc+g.off("_EPROCESS", "ImageFileName"), short)
	g.listInit(KernelDtb, eproc+g.off("_EPROCESS", "ThreadListHead"))
	g.listAppend(KernelDtb, KernelBase+RvaPsActiveProcessHead, eproc+g.off("_EPROCESS", "ActiveProcessLinks"))
	if len(g.procs) == 0 {
		g.VM.Put64(KernelDtb, KernelBase+RvaPsInitialSystemProc, eproc)
	}
	if dtb != KernelDtb {
		g.VM.Map(dtb, userHeap, 0x1000)
	}
	proc := models.Proc{ID: eproc, Dtb: dtb}
	g.procs = append(g.procs, proc)
	return proc
}

// SetImagePath fills the audit information with the full image path.
func (g *Guest) SetImagePath(proc models.Proc, path string) {
	info := g.Alloc(0x20)
	g.PutUnicode(KernelDtb, info+g.off("_OBJECT_NAME_INFORMATION", "Name"), 8, path)
	audit := proc.ID + g.off("_EPROCESS", "SeAuditProcessCreationInfo")
	g.VM.Put64(KernelDtb, audit+g.off("_SE_AUDIT_PROCESS_CREATION_INFO", "ImageFileName"), info)
}

// AddThread links a new ETHREAD into proc's thread list.
func (g *Guest) AddThread(proc models.Proc, tid uint64) models.Thread {
	ethread := g.Alloc(ethreadSize)
	tcb := ethread + g.off("_ETHREAD", "Tcb")
	g.VM.Put64(KernelDtb, tcb+g.off("_KTHREAD", "Process"), proc.ID+g.off("_EPROCESS", "Pcb"))
	g.VM.Put64(KernelDtb, ethread+g.off("_ETHREAD", "Cid")+g.off("_CLIENT_ID", "UniqueThread"), tid)
	g.listAppend(KernelDtb, proc.ID+g.off("_EPROCESS", "ThreadListHead"), ethread+g.off("_ETHREAD", "ThreadListEntry"))
	return models.Thread{ID: ethread}
}

func (g *Guest) SetTrapFrame(thread models.Thread, rip uint64) {
	frame := g.Alloc(0x190)
	g.VM.Put64(KernelDtb, frame+g.off("_KTRAP_FRAME", "Rip"), rip)
	g.VM.Put64(KernelDtb, thread.ID+g.off("_ETHREAD", "Tcb")+g.off("_KTHREAD", "TrapFrame"), frame)
}

// SetCurrent makes thread the one running on the processor.
func (g *Guest) SetCurrent(thread models.Thread) {
	g.VM.Put64(KernelDtb, KpcrAddr+g.off("_KPCR", "Prcb")+g.off("_KPRCB", "CurrentThread"), thread.ID)
}

func (g *Guest) SetIrql(irql byte) {
	g.VM.Put(KernelDtb, KpcrAddr+g.off("_KPCR", "Irql"), []byte{irql})
}

// AddDriver links a loader entry into PsLoadedModuleList.
func (g *Guest) AddDriver(path string, base, size uint64) models.Driver {
	entry := g.Alloc(0x100)
	g.putEntry(KernelDtb, entry, path, base, size)
	g.listAppend(KernelDtb, KernelBase+RvaPsLoadedModuleList, entry+g.off("_LDR_DATA_TABLE_ENTRY", "InLoadOrderLinks"))
	return models.Driver{ID: entry}
}

func (g *Guest) putEntry(dtb models.Dtb, entry uint64, path string, base, size uint64) {
	g.VM.Put64(dtb, entry+g.off("_LDR_DATA_TABLE_ENTRY", "DllBase"), base)
	g.VM.Put32(dtb, entry+g.off("_LDR_DATA_TABLE_ENTRY", "SizeOfImage"), uint32(size))
	g.PutUnicode(dtb, entry+g.off("_LDR_DATA_TABLE_ENTRY", "FullDllName"), 8, path)
}

func (g *Guest) peb(proc models.Proc) (peb, ldr uint64) {
	pebPtr := proc.ID + g.off("_EPROCESS", "Peb")
	if peb = g.Get64(KernelDtb, pebPtr); peb != 0 {
		return peb, g.Get64(proc.Dtb, peb+g.off("_PEB", "Ldr"))
	}
	peb = g.AllocUser(proc.Dtb, 0x100)
	ldr = g.AllocUser(proc.Dtb, 0x60)
	g.VM.Put64(KernelDtb, pebPtr, peb)
	g.VM.Put64(proc.Dtb, peb+g.off("_PEB", "Ldr"), ldr)
	g.listInit(proc.Dtb, ldr+g.off("_PEB_LDR_DATA", "InLoadOrderModuleList"))
	return peb, ldr
}

// AddMod links a loader entry into proc's native module list.
func (g *Guest) AddMod(proc models.Proc, path string, base, size uint64) models.Mod {
	_, ldr := g.peb(proc)
	entry := g.AllocUser(proc.Dtb, 0x100)
	g.putEntry(proc.Dtb, entry, path, base, size)
	g.listAppend(proc.Dtb, ldr+g.off("_PEB_LDR_DATA", "InLoadOrderModuleList"), entry+g.off("_LDR_DATA_TABLE_ENTRY", "InLoadOrderLinks"))
	return models.Mod{ID: entry}
}

// SetWow64 gives proc a 32-bit PEB and returns its address.
func (g *Guest) SetWow64(proc models.Proc) uint64 {
	wow := g.Alloc(0x20)
	peb32 := g.AllocUser(proc.Dtb, 0x100)
	ldr32 := g.AllocUser(proc.Dtb, 0x40)
	g.VM.Put64(KernelDtb, proc.ID+g.off("_EPROCESS", "Wow64Process"), wow)
	g.VM.Put64(KernelDtb, wow+g.off("_EWOW64PROCESS", "Peb"), peb32)
	g.VM.Put32(proc.Dtb, peb32+g.off("_PEB32", "Ldr"), uint32(ldr32))
	head := ldr32 + 12
	g.VM.Put32(proc.Dtb, head, uint32(head))
	g.VM.Put32(proc.Dtb, head+4, uint32(head))
	return peb32
}

// AddMod32 links a 32-bit loader entry into proc's compatibility module list.
// The module image is mapped so its symbols can be loaded.
func (g *Guest) AddMod32(proc models.Proc, path string, base, size uint64) models.Mod {
	wow := g.Get64(KernelDtb, proc.ID+g.off("_EPROCESS", "Wow64Process"))
	peb32 := g.Get64(KernelDtb, wow+g.off("_EWOW64PROCESS", "Peb"))
	var buf [4]byte
	if err := g.VM.ReadVirtual(buf[:], peb32+g.off("_PEB32", "Ldr"), proc.Dtb); err != nil {
		panic(err)
	}
	ldr32 := uint64(binary.LittleEndian.Uint32(buf[:]))
	entry := g.AllocUser(proc.Dtb, 0x80)
	g.VM.Put32(proc.Dtb, entry+24, uint32(base))
	g.VM.Put32(proc.Dtb, entry+32, uint32(size))
	g.PutUnicode(proc.Dtb, entry+36, 4, path)
	g.VM.Map(proc.Dtb, base, size)
	g.list32Append(proc.Dtb, ldr32+12, entry)
	return models.Mod{ID: entry}
}
