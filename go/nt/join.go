package nt

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

// ProcJoin runs the guest until proc is scheduled. In user mode it returns on
// the first user instruction after a system call returns to proc.
func (n *Nt) ProcJoin(proc models.Proc, join models.Join) error {
	if join == models.JoinAnyMode {
		return n.state.RunToProc(proc)
	}
	return n.joinUser(proc)
}

func (n *Nt) joinUser(proc models.Proc) error {
	where := n.symbols.get(kiKernelSysretExit)
	if !n.symbols.has(kiKernelSysretExit) {
		// KiSystemCall64 keeps the user return address in rcx
		lstar, err := n.hv.ReadMsr(models.MsrLstar)
		if err != nil {
			return errors.Wrap(err, "unable to read lstar")
		}
		where = lstar
	}
	if err := n.state.RunTo(proc, where); err != nil {
		return errors.Wrap(err, "unable to reach system call return")
	}
	rip, err := n.hv.ReadRegister(models.RegRcx)
	if err != nil {
		return errors.Wrap(err, "unable to read return address")
	}
	return n.state.RunTo(proc, rip)
}
