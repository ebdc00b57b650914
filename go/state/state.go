// Package state multiplexes logical breakpoints onto hardware breakpoints and
// drives the pause/resume/wait loop of one guest.
package state

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
)

var log = logrus.WithField("module", "state")

// Tracker reports the process currently scheduled on the guest.
type Tracker interface {
	ProcCurrent() (models.Proc, error)
}

type State struct {
	hv      models.Hypervisor
	mem     *mem.Memory
	tracker Tracker

	targets   map[models.Phy]*target
	observers map[models.Phy][]*observer
	nextID    uint64
}

func New(hv models.Hypervisor, m *mem.Memory) *State {
	return &State{
		hv:        hv,
		mem:       m,
		targets:   make(map[models.Phy]*target),
		observers: make(map[models.Phy][]*observer),
	}
}

// Track binds the source of the current process, refreshed on every stop.
func (s *State) Track(t Tracker) {
	s.tracker = t
}

func (s *State) update() error {
	if s.tracker == nil {
		return nil
	}
	proc, err := s.tracker.ProcCurrent()
	if err != nil {
		return errors.Wrap(err, "unable to get current process & update break state")
	}
	s.mem.Update(proc)
	return nil
}

// Pause stops the guest and dispatches the stop it reports, if any.
func (s *State) Pause() error {
	if err := s.hv.Pause(); err != nil {
		return errors.Wrap(err, "unable to pause")
	}
	uerr := s.update()
	if s.hv.StateChanged() {
		state, err := s.hv.State()
		if err != nil {
			return errors.Wrap(err, "unable to get state")
		}
		s.check(state)
	}
	return uerr
}

// Resume single-steps over the instruction of a breakpoint hit before letting
// the guest run, so the same breakpoint does not fire again immediately.
func (s *State) Resume() error {
	state, err := s.hv.State()
	if err == nil && state.Has(models.StateBreakpointHit) {
		if err := s.hv.SingleStep(); err != nil {
			log.WithError(err).Warn("unable to single-step")
		}
	}
	if err := s.hv.Resume(); err != nil {
		return errors.Wrap(err, "unable to resume")
	}
	return nil
}

// Wait blocks until the guest stops then dispatches breakpoint observers.
func (s *State) Wait() error {
	for {
		runtime.Gosched()
		if !s.hv.StateChanged() {
			continue
		}
		if err := s.update(); err != nil {
			log.Debug(err)
		}
		state, err := s.hv.State()
		if err != nil {
			return errors.Wrap(err, "unable to get state")
		}
		s.check(state)
		return nil
	}
}

// Exec resumes the guest and waits for the next stop.
func (s *State) Exec() error {
	if err := s.Resume(); err != nil {
		return err
	}
	return s.Wait()
}

func (s *State) check(state models.VMState) {
	if !state.Has(models.StateBreakpointHit) || len(s.observers) == 0 {
		return
	}
	rip, err := s.hv.ReadRegister(models.RegRip)
	if err != nil {
		return
	}
	cr3, err := s.hv.ReadRegister(models.RegCr3)
	if err != nil {
		return
	}
	phy, err := s.mem.VirtualToPhysical(rip, models.Dtb(cr3))
	if err != nil {
		return
	}
	// callbacks may release observers
	hits := append([]*observer(nil), s.observers[phy]...)
	for _, o := range hits {
		if !s.registered(o) {
			continue
		}
		if o.filter == models.FilterCr3 && o.proc.Dtb != models.Dtb(cr3) {
			continue
		}
		o.fn()
	}
}

// RunToProc lets the guest run until proc is the current process.
func (s *State) RunToProc(proc models.Proc) error {
	if s.tracker == nil {
		return errors.Wrap(models.ErrNoProcess, "no process tracker")
	}
	for {
		cur, err := s.tracker.ProcCurrent()
		if err == nil && cur.ID == proc.ID {
			s.mem.Update(cur)
			return nil
		}
		if err := s.Resume(); err != nil {
			return err
		}
		runtime.Gosched()
		if err := s.Pause(); err != nil {
			return err
		}
	}
}

// RunTo lets the guest run until proc executes addr. The guest is left
// stopped on addr.
func (s *State) RunTo(proc models.Proc, addr uint64) error {
	hit := false
	bp, err := s.SetBreakpoint(addr, proc, models.FilterCr3, func() { hit = true })
	if err != nil {
		return err
	}
	defer bp.Close()
	for !hit {
		if err := s.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every breakpoint still registered.
func (s *State) Close() {
	for phy, list := range s.observers {
		for _, o := range list {
			s.release(phy, o.id)
		}
	}
}
