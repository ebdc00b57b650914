package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/mock"
)

const (
	dtbA models.Dtb = 0x2000
	dtbB models.Dtb = 0x3000
	code uint64     = 0x400000
	idle uint64     = 0x500000
)

var (
	procA = models.Proc{ID: 0xfffffa80000a0000, Dtb: dtbA}
	procB = models.Proc{ID: 0xfffffa80000b0000, Dtb: dtbB}
)

// cr3Tracker reports the process owning the current cr3.
type cr3Tracker struct {
	vm *mock.VM
}

func (c cr3Tracker) ProcCurrent() (models.Proc, error) {
	cr3, err := c.vm.ReadRegister(models.RegCr3)
	if err != nil {
		return models.Proc{}, err
	}
	for _, p := range []models.Proc{procA, procB} {
		if p.Dtb == models.Dtb(cr3) {
			return p, nil
		}
	}
	return models.Proc{ID: 4, Dtb: models.Dtb(cr3)}, nil
}

// makeState maps one shared code page in two address spaces.
func makeState(t *testing.T) (*mock.VM, *State) {
	vm := mock.NewVM()
	vm.Map(dtbA, code, 0x2000)
	phy, err := vm.VirtualToPhysical(code, dtbA)
	if err != nil {
		t.Fatal(err)
	}
	vm.Alias(dtbB, code, phy)
	vm.Alias(dtbB, code+0x1000, phy+0x1000)
	s := New(vm, mem.New(vm))
	s.Track(cr3Tracker{vm})
	return vm, s
}

func set(t *testing.T, s *State, ptr uint64, proc models.Proc, filter models.Filter, fn Callback) *Breakpoint {
	bp, err := s.SetBreakpoint(ptr, proc, filter, fn)
	if err != nil {
		t.Fatal(err)
	}
	return bp
}

func nop() {}

func TestOneHardwareBreakpointPerAddress(t *testing.T) {
	vm, s := makeState(t)
	bps := []*Breakpoint{
		set(t, s, code, procA, models.FilterCr3, nop),
		set(t, s, code, procA, models.FilterCr3, nop),
		set(t, s, code, procB, models.FilterCr3, nop),
		set(t, s, code, procB, models.AnyCr3, nop),
	}
	hw := vm.Breakpoints()
	if len(hw) != 1 {
		t.Fatalf("expected 1 hardware breakpoint, got %d", len(hw))
	}
	if hw[0].Dtb != models.AnyDtb {
		t.Fatalf("conflicting filters should widen, got dtb %#x", uint64(hw[0].Dtb))
	}
	if vm.Sets != 2 || vm.Unsets != 1 {
		t.Fatalf("unexpected programming: %d sets, %d unsets", vm.Sets, vm.Unsets)
	}
	for _, bp := range bps {
		if bp.HardwareID() != hw[0].ID {
			t.Fatalf("%v does not share hardware breakpoint %d", bp, hw[0].ID)
		}
	}
	for i, bp := range bps {
		bp.Close()
		hw = vm.Breakpoints()
		if i < len(bps)-1 {
			if len(hw) != 1 || hw[0].Dtb != models.AnyDtb {
				t.Fatalf("after %d releases: %+v", i+1, hw)
			}
		} else if len(hw) != 0 {
			t.Fatalf("hardware breakpoint left after last release: %+v", hw)
		}
	}
	if len(s.Breakpoints()) != 0 {
		t.Fatal("observers left after release")
	}
}

func TestCompatibleFilterReusesHardware(t *testing.T) {
	vm, s := makeState(t)
	wide := set(t, s, code, procA, models.AnyCr3, nop)
	scoped := set(t, s, code, procB, models.FilterCr3, nop)
	if vm.Sets != 1 || vm.Unsets != 0 {
		t.Fatalf("unfiltered breakpoint should be reused: %d sets, %d unsets", vm.Sets, vm.Unsets)
	}
	wide.Close()
	// stays unfiltered until the address is empty
	if hw := vm.Breakpoints(); len(hw) != 1 || hw[0].Dtb != models.AnyDtb {
		t.Fatalf("breakpoint narrowed: %+v", hw)
	}
	scoped.Close()
	scoped.Close()
	if vm.Unsets != 1 {
		t.Fatalf("expected 1 unset, got %d", vm.Unsets)
	}
}

func TestReleaseIsolation(t *testing.T) {
	vm, s := makeState(t)
	var got []string
	first := set(t, s, code, procA, models.AnyCr3, func() { got = append(got, "first") })
	set(t, s, code, procA, models.AnyCr3, func() { got = append(got, "second") })
	set(t, s, code+0x10, procA, models.AnyCr3, func() { got = append(got, "other") })
	first.Close()

	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: code, Dtb: dtbA},
		mock.Step{Rip: code + 0x10, Dtb: dtbA},
		mock.Step{Rip: idle, Dtb: dtbA},
	)
	for i := 0; i < 3; i++ {
		if err := s.Exec(); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"second", "other"}, got); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeSingleSteps(t *testing.T) {
	vm, s := makeState(t)
	set(t, s, code, procA, models.AnyCr3, nop)
	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: code, Dtb: dtbA},
		mock.Step{Rip: idle, Dtb: dtbA},
	)
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if vm.SingleSteps != 0 {
		t.Fatalf("resume from a plain stop single-stepped %d times", vm.SingleSteps)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	if state, _ := vm.State(); !state.Has(models.StateBreakpointHit) {
		t.Fatalf("expected breakpoint stop, got %#x", state)
	}
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if vm.SingleSteps != 1 || vm.Resumes != 2 {
		t.Fatalf("expected 1 single-step and 2 resumes, got %d and %d", vm.SingleSteps, vm.Resumes)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	if vm.Hits[1] != 1 {
		t.Fatalf("breakpoint refired: %d hits", vm.Hits[1])
	}
}

func TestDispatchFilter(t *testing.T) {
	vm, s := makeState(t)
	var got []string
	set(t, s, code, procA, models.FilterCr3, func() { got = append(got, "a") })
	set(t, s, code, procB, models.AnyCr3, func() { got = append(got, "any") })
	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: code, Dtb: dtbB},
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: code, Dtb: dtbA},
		mock.Step{Rip: idle, Dtb: dtbA},
	)
	var procs []models.Proc
	for i := 0; i < 3; i++ {
		if err := s.Exec(); err != nil {
			t.Fatal(err)
		}
		procs = append(procs, models.Proc{Dtb: s.mem.Current()})
	}
	if diff := cmp.Diff([]string{"any", "a", "any"}, got); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if procs[0].Dtb != dtbB || procs[1].Dtb != dtbA {
		t.Fatalf("current process not refreshed: %v", procs)
	}
}

func TestNoDispatchWithoutBreakpointStop(t *testing.T) {
	vm, s := makeState(t)
	called := 0
	set(t, s, code, procA, models.AnyCr3, func() { called++ })
	vm.Run(mock.Step{Rip: code, Dtb: dtbA})
	// the guest is stopped on the address but not because of a breakpoint
	vm.Pause()
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	s.check(models.StatePaused)
	if called != 0 {
		t.Fatal("callback fired without a breakpoint stop")
	}
	s.check(models.StatePaused | models.StateBreakpointHit)
	if called != 1 {
		t.Fatalf("expected 1 call on a breakpoint stop, got %d", called)
	}
}

func TestHardwareFailureKeepsObserver(t *testing.T) {
	vm, s := makeState(t)
	vm.FailSet = true
	inert := set(t, s, code, procA, models.AnyCr3, nop)
	if inert.HardwareID() != -1 {
		t.Fatalf("expected inert observer, got hw %d", inert.HardwareID())
	}
	if len(s.Breakpoints()) != 1 {
		t.Fatal("inert observer was dropped")
	}
	vm.FailSet = false
	live := set(t, s, code, procA, models.AnyCr3, nop)
	if live.HardwareID() < 0 || inert.HardwareID() != live.HardwareID() {
		t.Fatalf("observers not rebound: %d, %d", inert.HardwareID(), live.HardwareID())
	}
}

func TestHardwareFailureWidensScope(t *testing.T) {
	vm, s := makeState(t)
	var got []string
	vm.FailSet = true
	inert := set(t, s, code, procA, models.AnyCr3, func() { got = append(got, "any") })
	vm.FailSet = false
	set(t, s, code, procB, models.FilterCr3, func() { got = append(got, "b") })
	hw := vm.Breakpoints()
	if len(hw) != 1 || hw[0].Dtb != models.AnyDtb {
		t.Fatalf("expected one unfiltered hardware breakpoint, got %+v", hw)
	}
	if inert.HardwareID() != hw[0].ID {
		t.Fatalf("inert observer not rebound: %d", inert.HardwareID())
	}
	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: code, Dtb: dtbA},
		mock.Step{Rip: code, Dtb: dtbB},
		mock.Step{Rip: idle, Dtb: dtbB},
	)
	for i := 0; i < 2; i++ {
		if err := s.Exec(); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"any", "any", "b"}, got); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestHardwareFailureSameProcessKeepsFilter(t *testing.T) {
	vm, s := makeState(t)
	vm.FailSet = true
	set(t, s, code, procA, models.FilterCr3, nop)
	vm.FailSet = false
	set(t, s, code, procA, models.FilterCr3, nop)
	hw := vm.Breakpoints()
	if len(hw) != 1 || hw[0].Dtb != dtbA {
		t.Fatalf("expected one breakpoint filtered on dtb A, got %+v", hw)
	}
}

func TestSetBreakpointUnmapped(t *testing.T) {
	_, s := makeState(t)
	if _, err := s.SetBreakpoint(0x7000000, procA, models.AnyCr3, nop); err == nil {
		t.Fatal("expected translation failure")
	}
}

func TestWaitStateFailure(t *testing.T) {
	vm, s := makeState(t)
	vm.Run(mock.Step{Rip: idle, Dtb: dtbA})
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	vm.FailState = true
	if err := s.Wait(); err == nil {
		t.Fatal("expected state failure")
	}
}

func TestRunTo(t *testing.T) {
	vm, s := makeState(t)
	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: code + 0x20, Dtb: dtbB},
		mock.Step{Rip: code, Dtb: dtbA},
		mock.Step{Rip: code + 0x20, Dtb: dtbA},
		mock.Step{Rip: idle, Dtb: dtbA},
	)
	if err := s.RunTo(procA, code+0x20); err != nil {
		t.Fatal(err)
	}
	rip, _ := vm.ReadRegister(models.RegRip)
	cr3, _ := vm.ReadRegister(models.RegCr3)
	if rip != code+0x20 || models.Dtb(cr3) != dtbA {
		t.Fatalf("stopped at %#x in %#x", rip, cr3)
	}
	if len(vm.Breakpoints()) != 0 || len(s.Breakpoints()) != 0 {
		t.Fatal("run-to breakpoint not released")
	}
}

func TestRunToProc(t *testing.T) {
	vm, s := makeState(t)
	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbB},
		mock.Step{Rip: idle, Dtb: dtbB},
		mock.Step{Rip: idle, Dtb: dtbA},
		mock.Step{Rip: idle, Dtb: dtbB},
	)
	if err := s.RunToProc(procA); err != nil {
		t.Fatal(err)
	}
	if vm.Pos != 2 || s.mem.Current() != dtbA {
		t.Fatalf("stopped at step %d in %#x", vm.Pos, uint64(s.mem.Current()))
	}
	if vm.Sets != 0 {
		t.Fatal("kernel join should not need a breakpoint")
	}
}

func TestRunToProcDispatches(t *testing.T) {
	vm, s := makeState(t)
	called := 0
	set(t, s, code, procA, models.AnyCr3, func() { called++ })
	vm.Run(
		mock.Step{Rip: idle, Dtb: dtbB},
		mock.Step{Rip: code, Dtb: dtbB},
		mock.Step{Rip: idle, Dtb: dtbA},
	)
	if err := s.RunToProc(procA); err != nil {
		t.Fatal(err)
	}
	if called != 1 || vm.Hits[1] != 1 {
		t.Fatalf("breakpoint crossed while joining: %d calls, %d hits", called, vm.Hits[1])
	}
	if vm.Pos != 2 || vm.SingleSteps != 1 {
		t.Fatalf("stopped at step %d after %d single-steps", vm.Pos, vm.SingleSteps)
	}
	if vm.StateChanged() {
		t.Fatal("pause left a state change pending")
	}
}

func TestClose(t *testing.T) {
	vm, s := makeState(t)
	set(t, s, code, procA, models.AnyCr3, nop)
	set(t, s, code, procB, models.FilterCr3, nop)
	bp := set(t, s, code+0x40, procB, models.FilterCr3, nop)
	s.Close()
	if len(vm.Breakpoints()) != 0 || len(s.Breakpoints()) != 0 {
		t.Fatal("breakpoints left after close")
	}
	bp.Close()
}
