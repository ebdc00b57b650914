package nt

import (
	"fmt"
	"strings"

	"github.com/lunixbochs/icebox/go/models"
)

func irqlName(irql byte) string {
	switch irql {
	case 0:
		return "passive"
	case 1:
		return "apc"
	case 2:
		return "dispatch"
	}
	return "?"
}

// DebugString summarizes where the processor is stopped.
func (n *Nt) DebugString() string {
	rip, _ := n.hv.ReadRegister(models.RegRip)
	cr3, _ := n.hv.ReadRegister(models.RegCr3)
	cs, _ := n.hv.ReadRegister(models.RegCs)
	parts := []string{fmt.Sprintf("rip: %#x cr3: %#x", rip, cr3)}

	thread, terr := n.ThreadCurrent()
	proc, perr := models.Proc{}, terr
	if terr == nil {
		proc, perr = n.ThreadProc(thread)
	}
	if perr == nil {
		parts = append(parts, fmt.Sprintf("dtb: %#x", uint64(proc.Dtb)))
	}
	if irql, err := n.reader.Byte(n.kpcr + n.offsets.get(kpcrIrql)); err == nil {
		parts = append(parts, irqlName(irql))
	} else {
		parts = append(parts, "?")
	}
	if cs&3 != 0 {
		parts = append(parts, "user")
	} else {
		parts = append(parts, "kernel")
	}
	if perr == nil {
		if name, err := n.ProcName(proc); err == nil {
			parts = append(parts, name)
		}
	}
	if cur, err := n.syms.Find(rip); err == nil {
		parts = append(parts, cur.String())
	}
	parts = append(parts, fmt.Sprintf("p: %#x t: %#x", proc.ID, thread.ID))
	return strings.Join(parts, " ")
}
