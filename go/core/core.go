// Package core groups the pieces of one introspection session.
package core

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/nt"
	"github.com/lunixbochs/icebox/go/state"
	"github.com/lunixbochs/icebox/go/symbols"
)

var log = logrus.WithField("module", "core")

type Core struct {
	Hv      models.Hypervisor
	Symbols models.Symbols
	Mem     *mem.Memory
	State   *state.State
	Os      *nt.Nt
}

// Attach pauses the guest and sets up the NT walker. Nothing is returned
// unless the whole setup succeeded.
func Attach(hv models.Hypervisor, syms models.Symbols) (*Core, error) {
	m := mem.New(hv)
	st := state.New(hv, m)
	if err := st.Pause(); err != nil {
		return nil, err
	}
	os, err := nt.New(hv, m, st, syms)
	if err != nil {
		return nil, errors.Wrap(err, "unable to setup nt")
	}
	st.Track(os)
	if proc, err := os.ProcCurrent(); err == nil {
		m.Update(proc)
	} else {
		log.WithError(err).Warn("no current process")
	}
	return &Core{Hv: hv, Symbols: syms, Mem: m, State: st, Os: os}, nil
}

// Close releases every breakpoint of the session.
func (c *Core) Close() {
	c.State.Close()
}

// LoadSymbols reads every symbol database named by the config.
func LoadSymbols(config *models.Config) (*symbols.Table, error) {
	t := symbols.New()
	for _, path := range config.Symbols {
		if err := t.LoadFile(config.Path(path)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// OpenFunc connects to a guest named by target.
type OpenFunc func(target string) (models.Hypervisor, error)

var backends = make(map[string]OpenFunc)

// RegisterBackend makes a hypervisor transport available by name.
func RegisterBackend(name string, open OpenFunc) {
	backends[name] = open
}

func Backends() []string {
	var names []string
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Open(backend, target string) (models.Hypervisor, error) {
	open, ok := backends[backend]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "backend %q (have %v)", backend, Backends())
	}
	return open(target)
}
