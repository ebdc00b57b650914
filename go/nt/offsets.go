package nt

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

type category int

const (
	required category = iota
	optional
)

type offset int

const (
	clientIDUniqueThread offset = iota
	eprocessActiveProcessLinks
	eprocessImageFileName
	eprocessPcb
	eprocessPeb
	eprocessSeAuditProcessCreationInfo
	eprocessThreadListHead
	eprocessUniqueProcessID
	eprocessVadRoot
	eprocessWow64Process
	ethreadCid
	ethreadTcb
	ethreadThreadListEntry
	kpcrIrql
	kpcrPrcb
	kprcbCurrentThread
	kprcbKernelDirectoryTableBase
	kprocessDirectoryTableBase
	kprocessUserDirectoryTableBase
	kthreadProcess
	kthreadTrapFrame
	ktrapFrameRip
	tebNtTib
	ntTibStackBase
	ntTibStackLimit
	ldrEntryDllBase
	ldrEntryFullDllName
	ldrEntryInLoadOrderLinks
	ldrEntrySizeOfImage
	objectNameInformationName
	pebLdr
	pebLdrDataInLoadOrderModuleList
	pebProcessParameters
	peb32Ldr
	processParametersImagePathName
	seAuditImageFileName
	ewow64ProcessPeb
	ewow64ProcessNtdllType
	offsetCount
)

type offset32 int

const (
	teb32NtTib offset32 = iota
	ntTib32StackBase
	ntTib32StackLimit
	offset32Count
)

type symbol int

const (
	kiKernelSysretExit symbol = iota
	kiSystemCall64
	psActiveProcessHead
	psInitialSystemProcess
	psLoadedModuleList
	symbolCount
)

type memberDef[ID ~int] struct {
	cat    category
	id     ID
	module string
	struc  string
	member string
}

type symbolDef struct {
	cat    category
	id     symbol
	module string
	name   string
}

var ntMembers = []memberDef[offset]{
	{required, clientIDUniqueThread, "nt", "_CLIENT_ID", "UniqueThread"},
	{required, eprocessActiveProcessLinks, "nt", "_EPROCESS", "ActiveProcessLinks"},
	{required, eprocessImageFileName, "nt", "_EPROCESS", "ImageFileName"},
	{required, eprocessPcb, "nt", "_EPROCESS", "Pcb"},
	{required, eprocessPeb, "nt", "_EPROCESS", "Peb"},
	{required, eprocessSeAuditProcessCreationInfo, "nt", "_EPROCESS", "SeAuditProcessCreationInfo"},
	{required, eprocessThreadListHead, "nt", "_EPROCESS", "ThreadListHead"},
	{required, eprocessUniqueProcessID, "nt", "_EPROCESS", "UniqueProcessId"},
	{required, eprocessVadRoot, "nt", "_EPROCESS", "VadRoot"},
	{required, eprocessWow64Process, "nt", "_EPROCESS", "Wow64Process"},
	{required, ethreadCid, "nt", "_ETHREAD", "Cid"},
	{required, ethreadTcb, "nt", "_ETHREAD", "Tcb"},
	{required, ethreadThreadListEntry, "nt", "_ETHREAD", "ThreadListEntry"},
	{required, kpcrIrql, "nt", "_KPCR", "Irql"},
	{required, kpcrPrcb, "nt", "_KPCR", "Prcb"},
	{required, kprcbCurrentThread, "nt", "_KPRCB", "CurrentThread"},
	{optional, kprcbKernelDirectoryTableBase, "nt", "_KPRCB", "KernelDirectoryTableBase"},
	{required, kprocessDirectoryTableBase, "nt", "_KPROCESS", "DirectoryTableBase"},
	{optional, kprocessUserDirectoryTableBase, "nt", "_KPROCESS", "UserDirectoryTableBase"},
	{required, kthreadProcess, "nt", "_KTHREAD", "Process"},
	{required, kthreadTrapFrame, "nt", "_KTHREAD", "TrapFrame"},
	{required, ktrapFrameRip, "nt", "_KTRAP_FRAME", "Rip"},
	{required, tebNtTib, "nt", "_TEB", "NtTib"},
	{required, ntTibStackBase, "nt", "_NT_TIB", "StackBase"},
	{required, ntTibStackLimit, "nt", "_NT_TIB", "StackLimit"},
	{required, ldrEntryDllBase, "nt", "_LDR_DATA_TABLE_ENTRY", "DllBase"},
	{required, ldrEntryFullDllName, "nt", "_LDR_DATA_TABLE_ENTRY", "FullDllName"},
	{required, ldrEntryInLoadOrderLinks, "nt", "_LDR_DATA_TABLE_ENTRY", "InLoadOrderLinks"},
	{required, ldrEntrySizeOfImage, "nt", "_LDR_DATA_TABLE_ENTRY", "SizeOfImage"},
	{required, objectNameInformationName, "nt", "_OBJECT_NAME_INFORMATION", "Name"},
	{required, pebLdr, "nt", "_PEB", "Ldr"},
	{required, pebLdrDataInLoadOrderModuleList, "nt", "_PEB_LDR_DATA", "InLoadOrderModuleList"},
	{required, pebProcessParameters, "nt", "_PEB", "ProcessParameters"},
	{required, peb32Ldr, "nt", "_PEB32", "Ldr"},
	{required, processParametersImagePathName, "nt", "_RTL_USER_PROCESS_PARAMETERS", "ImagePathName"},
	{required, seAuditImageFileName, "nt", "_SE_AUDIT_PROCESS_CREATION_INFO", "ImageFileName"},
	{optional, ewow64ProcessPeb, "nt", "_EWOW64PROCESS", "Peb"},
	{optional, ewow64ProcessNtdllType, "nt", "_EWOW64PROCESS", "NtdllType"},
}

var nt32Members = []memberDef[offset32]{
	{required, teb32NtTib, "wntdll", "_TEB", "NtTib"},
	{required, ntTib32StackBase, "wntdll", "_NT_TIB", "StackBase"},
	{required, ntTib32StackLimit, "wntdll", "_NT_TIB", "StackLimit"},
}

var ntSymbols = []symbolDef{
	{optional, kiKernelSysretExit, "nt", "KiKernelSysretExit"},
	{required, kiSystemCall64, "nt", "KiSystemCall64"},
	{required, psActiveProcessHead, "nt", "PsActiveProcessHead"},
	{required, psInitialSystemProcess, "nt", "PsInitialSystemProcess"},
	{required, psLoadedModuleList, "nt", "PsLoadedModuleList"},
}

// table holds resolved values; ok marks the entries which were found.
type table[ID ~int] struct {
	vals []uint64
	ok   []bool
}

func newTable[ID ~int](count ID) table[ID] {
	return table[ID]{vals: make([]uint64, count), ok: make([]bool, count)}
}

func (t table[ID]) get(id ID) uint64 {
	return t.vals[id]
}

func (t table[ID]) has(id ID) bool {
	return t.ok[id]
}

func (t table[ID]) set(id ID, val uint64) {
	t.vals[id] = val
	t.ok[id] = true
}

func missing(cat category, format string, args ...interface{}) {
	if cat == required {
		log.Errorf(format, args...)
	} else {
		log.Warnf(format, args...)
	}
}

// resolveMembers looks up every member offset. Missing optional members are
// logged, any missing required member fails once every entry was tried.
func resolveMembers[ID ~int](syms models.Symbols, defs []memberDef[ID], count ID) (table[ID], error) {
	t := newTable(count)
	fail := 0
	for i, def := range defs {
		if def.id != ID(i) {
			return t, errors.Errorf("member table out of order at %s.%s", def.struc, def.member)
		}
		off, err := syms.StrucOffset(def.module, def.struc, def.member)
		if err != nil {
			missing(def.cat, "unable to read %s!%s.%s member offset", def.module, def.struc, def.member)
			if def.cat == required {
				fail++
			}
			continue
		}
		t.set(def.id, off)
	}
	if fail > 0 {
		return t, errors.Errorf("%d required member offsets missing", fail)
	}
	return t, nil
}

func resolveSymbols(syms models.Symbols) (table[symbol], error) {
	t := newTable(symbolCount)
	fail := 0
	for _, def := range ntSymbols {
		addr, err := syms.Symbol(def.module, def.name)
		if err != nil {
			missing(def.cat, "unable to read %s!%s symbol offset", def.module, def.name)
			if def.cat == required {
				fail++
			}
			continue
		}
		t.set(def.id, addr)
	}
	if fail > 0 {
		return t, errors.Errorf("%d required symbols missing", fail)
	}
	return t, nil
}
