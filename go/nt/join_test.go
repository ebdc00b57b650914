package nt

import (
	"testing"

	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/mock"
)

const (
	userReturn uint64 = 0x402000
	userIdle   uint64 = 0x403000
)

// joinGuest has two processes, the current thread belongs to the first.
func joinGuest() (*mock.Guest, models.Proc, models.Proc, models.Thread, models.Thread) {
	g := mock.NewGuest()
	a := g.AddProc(100, "target.exe", dtbA)
	b := g.AddProc(104, "other.exe", dtbB)
	ta := g.AddThread(a, 200)
	tb := g.AddThread(b, 204)
	g.SetCurrent(tb)
	g.VM.Map(dtbA, userReturn, 0x2000)
	g.VM.Map(dtbB, userReturn, 0x2000)
	return g, a, b, ta, tb
}

func current(g *mock.Guest, th models.Thread) func(*mock.VM) {
	return func(*mock.VM) { g.SetCurrent(th) }
}

func testJoinUser(t *testing.T, g *mock.Guest, a models.Proc, ta, tb models.Thread, sysret uint64) {
	n, st, err := setup(g)
	if err != nil {
		t.Fatal(err)
	}
	rcx := func(v uint64) map[models.Reg]uint64 { return map[models.Reg]uint64{models.RegRcx: v} }
	g.VM.Run(
		mock.Step{Rip: userIdle, Dtb: dtbB, Apply: current(g, tb)},
		mock.Step{Rip: sysret, Dtb: dtbB, Regs: rcx(userIdle)},
		mock.Step{Rip: userIdle, Dtb: dtbB},
		mock.Step{Rip: mock.KernelBase + 0x5000, Dtb: dtbA, Apply: current(g, ta)},
		mock.Step{Rip: sysret, Dtb: dtbA, Regs: rcx(userReturn)},
		mock.Step{Rip: sysret + 0x10, Dtb: dtbA},
		mock.Step{Rip: userReturn, Dtb: dtbA},
		mock.Step{Rip: userReturn + 4, Dtb: dtbA},
	)
	if err := n.ProcJoin(a, models.JoinUserMode); err != nil {
		t.Fatal(err)
	}
	rip, _ := g.VM.ReadRegister(models.RegRip)
	cr3, _ := g.VM.ReadRegister(models.RegCr3)
	if rip != userReturn || models.Dtb(cr3) != dtbA || g.VM.Pos != 6 {
		t.Fatalf("stopped at %#x in %#x (step %d)", rip, cr3, g.VM.Pos)
	}
	if len(g.VM.Breakpoints()) != 0 || len(st.Breakpoints()) != 0 {
		t.Fatal("join left breakpoints behind")
	}
	if cur, err := n.ProcCurrent(); err != nil || cur != a {
		t.Fatalf("current process %v, %v", cur, err)
	}
}

func TestProcJoinUser(t *testing.T) {
	g, a, _, ta, tb := joinGuest()
	testJoinUser(t, g, a, ta, tb, mock.KernelBase+mock.RvaKiKernelSysretExit)
}

func TestProcJoinUserLstar(t *testing.T) {
	g, a, _, ta, tb := joinGuest()
	delete(g.Nt.Symbols, "KiKernelSysretExit")
	testJoinUser(t, g, a, ta, tb, mock.KernelBase+mock.RvaKiSystemCall64)
}

func TestProcJoinKernel(t *testing.T) {
	g, a, _, ta, tb := joinGuest()
	n := makeNt(t, g)
	g.VM.Run(
		mock.Step{Rip: userIdle, Dtb: dtbB, Apply: current(g, tb)},
		mock.Step{Rip: mock.KernelBase + 0x5000, Dtb: dtbB},
		mock.Step{Rip: mock.KernelBase + 0x5100, Dtb: dtbA, Apply: current(g, ta)},
		mock.Step{Rip: userIdle, Dtb: dtbA},
	)
	if err := n.ProcJoin(a, models.JoinAnyMode); err != nil {
		t.Fatal(err)
	}
	if g.VM.Pos != 2 {
		t.Fatalf("stopped at step %d", g.VM.Pos)
	}
	if g.VM.Sets != 0 {
		t.Fatal("kernel join programmed a breakpoint")
	}
}
