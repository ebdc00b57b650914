package state

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

// Callback runs synchronously on the goroutine calling Wait.
type Callback func()

// target is the hardware breakpoint programmed at one physical address. dtb is
// models.AnyDtb when it fires in every address space.
type target struct {
	id  int
	dtb models.Dtb
}

type observer struct {
	id     uint64
	phy    models.Phy
	proc   models.Proc
	filter models.Filter
	fn     Callback
	bpid   int
}

// Breakpoint is the handle of one observer. It holds only lookup keys into
// the engine, closing it removes exactly this observer.
type Breakpoint struct {
	s   *State
	phy models.Phy
	id  uint64
}

func (b *Breakpoint) Phy() models.Phy {
	return b.phy
}

// HardwareID returns the hardware breakpoint shared by this observer, or -1
// while the observer is inert.
func (b *Breakpoint) HardwareID() int {
	if b.s == nil {
		return -1
	}
	if o := b.s.find(b.phy, b.id); o != nil {
		return o.bpid
	}
	return -1
}

func (b *Breakpoint) String() string {
	return fmt.Sprintf("bp %d at phy %#x (hw %d)", b.id, uint64(b.phy), b.HardwareID())
}

// Close unregisters the observer. The hardware breakpoint is removed with the
// last observer of its address. Closing twice is a no-op.
func (b *Breakpoint) Close() {
	if b.s == nil {
		return
	}
	b.s.release(b.phy, b.id)
	b.s = nil
}

// SetBreakpoint observes execution of ptr as seen from proc's address space.
// A FilterCr3 observer shares its hardware breakpoint with observers of other
// address spaces at the same physical address: the breakpoint is then widened
// to all address spaces and the callback may see hits from any of them.
// Dispatch still checks the observer's own address space before calling fn.
func (s *State) SetBreakpoint(ptr uint64, proc models.Proc, filter models.Filter, fn Callback) (*Breakpoint, error) {
	phy, err := s.mem.VirtualToPhysical(ptr, proc.Dtb)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to set breakpoint at %#x", ptr)
	}
	s.nextID++
	o := &observer{id: s.nextID, phy: phy, proc: proc, filter: filter, fn: fn}
	s.observers[phy] = append(s.observers[phy], o)

	bpid := s.program(phy, o)
	for _, other := range s.observers[phy] {
		other.bpid = bpid
	}
	return &Breakpoint{s: s, phy: phy, id: o.id}, nil
}

// scope returns the address space a new hardware breakpoint at phy must be
// restricted to: one dtb when every observer filters on it, else AnyDtb.
func (s *State) scope(phy models.Phy) models.Dtb {
	dtb := models.AnyDtb
	for i, o := range s.observers[phy] {
		if o.filter != models.FilterCr3 || (i > 0 && o.proc.Dtb != dtb) {
			return models.AnyDtb
		}
		dtb = o.proc.Dtb
	}
	return dtb
}

// program returns the hardware breakpoint serving o, or -1.
func (s *State) program(phy models.Phy, o *observer) int {
	dtb := models.AnyDtb
	if o.filter == models.FilterCr3 {
		dtb = o.proc.Dtb
	}
	if t, ok := s.targets[phy]; ok {
		if t.dtb == models.AnyDtb || t.dtb == dtb {
			return t.id
		}
		err := s.hv.UnsetBreakpoint(t.id)
		delete(s.targets, phy)
		if err != nil {
			log.WithError(err).Errorf("unable to remove breakpoint %d", t.id)
			return -1
		}
	}
	// inert observers left by a failed attempt count as well
	dtb = s.scope(phy)
	id, err := s.hv.SetBreakpoint(models.BreakExecute, phy, dtb)
	if err != nil {
		log.WithError(err).Errorf("unable to set breakpoint at phy %#x", uint64(phy))
		return -1
	}
	s.targets[phy] = &target{id: id, dtb: dtb}
	return id
}

func (s *State) find(phy models.Phy, id uint64) *observer {
	for _, o := range s.observers[phy] {
		if o.id == id {
			return o
		}
	}
	return nil
}

func (s *State) registered(o *observer) bool {
	return s.find(o.phy, o.id) == o
}

func (s *State) release(phy models.Phy, id uint64) {
	list := s.observers[phy]
	for i, o := range list {
		if o.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		s.observers[phy] = list
		return
	}
	delete(s.observers, phy)
	t, ok := s.targets[phy]
	if !ok {
		return
	}
	delete(s.targets, phy)
	if err := s.hv.UnsetBreakpoint(t.id); err != nil {
		log.WithError(err).Errorf("unable to remove breakpoint %d", t.id)
	}
}

// Info describes one registered observer.
type Info struct {
	ID       uint64
	Phy      models.Phy
	Proc     models.Proc
	Filter   models.Filter
	Hardware int
}

// Breakpoints lists registered observers in creation order.
func (s *State) Breakpoints() []Info {
	var out []Info
	for phy, list := range s.observers {
		for _, o := range list {
			out = append(out, Info{ID: o.id, Phy: phy, Proc: o.proc, Filter: o.filter, Hardware: o.bpid})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
