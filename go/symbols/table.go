// Package symbols resolves module symbols and structure member offsets from
// symbol databases exported offline from PDB files.
package symbols

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/models"
)

var log = logrus.WithField("module", "symbols")

// Module is one symbol database entry. Symbols are relative to the image base.
type Module struct {
	Name    string                       `toml:"name"`
	Symbols map[string]uint64            `toml:"symbols"`
	Strucs  map[string]map[string]uint64 `toml:"strucs"`
}

type database struct {
	Modules []Module `toml:"module"`
}

type symbol struct {
	name string
	rva  uint64
}

type loaded struct {
	name   string
	def    *Module
	span   models.Span
	sorted []symbol
}

// Table implements models.Symbols.
type Table struct {
	defs   map[string]*Module
	loaded map[string]*loaded
}

func New() *Table {
	return &Table{
		defs:   make(map[string]*Module),
		loaded: make(map[string]*loaded),
	}
}

func key(name string) string {
	return strings.ToLower(name)
}

func (t *Table) Define(m Module) {
	def := m
	t.defs[key(m.Name)] = &def
}

// LoadFile adds every module found in a TOML symbol database.
func (t *Table) LoadFile(path string) error {
	var db database
	if _, err := toml.DecodeFile(path, &db); err != nil {
		return errors.Wrapf(err, "failed to decode symbol database %s", path)
	}
	for _, m := range db.Modules {
		if m.Name == "" {
			return errors.Errorf("%s: module without a name", path)
		}
		t.Define(m)
		log.Debugf("%s: %d symbols, %d structures", m.Name, len(m.Symbols), len(m.Strucs))
	}
	return nil
}

func (t *Table) Insert(module string, span models.Span, image []byte) error {
	def, ok := t.defs[key(module)]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "no symbol database for %s", module)
	}
	if uint64(len(image)) > span.Size {
		return errors.Errorf("%s: image larger than span (%#x > %#x)", module, len(image), span.Size)
	}
	l := &loaded{name: module, def: def, span: span}
	for name, rva := range def.Symbols {
		l.sorted = append(l.sorted, symbol{name, rva})
	}
	sort.Slice(l.sorted, func(i, j int) bool {
		if l.sorted[i].rva == l.sorted[j].rva {
			return l.sorted[i].name < l.sorted[j].name
		}
		return l.sorted[i].rva < l.sorted[j].rva
	})
	t.loaded[key(module)] = l
	log.Infof("%s loaded at %v", module, span)
	return nil
}

func (t *Table) module(name string) (*loaded, error) {
	l, ok := t.loaded[key(name)]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "module %s not loaded", name)
	}
	return l, nil
}

func (t *Table) Symbol(module, name string) (uint64, error) {
	l, err := t.module(module)
	if err != nil {
		return 0, err
	}
	rva, ok := l.def.Symbols[name]
	if !ok {
		return 0, errors.Wrapf(models.ErrNotFound, "symbol %s!%s", module, name)
	}
	return l.span.Addr + rva, nil
}

func (t *Table) StrucOffset(module, struc, member string) (uint64, error) {
	l, err := t.module(module)
	if err != nil {
		return 0, err
	}
	members, ok := l.def.Strucs[struc]
	if !ok {
		return 0, errors.Wrapf(models.ErrNotFound, "structure %s!%s", module, struc)
	}
	off, ok := members[member]
	if !ok {
		return 0, errors.Wrapf(models.ErrNotFound, "member %s!%s.%s", module, struc, member)
	}
	return off, nil
}

func (t *Table) Find(addr uint64) (models.Cursor, error) {
	for _, l := range t.loaded {
		if !l.span.Contains(addr) {
			continue
		}
		rva := addr - l.span.Addr
		i := sort.Search(len(l.sorted), func(i int) bool {
			return l.sorted[i].rva > rva
		})
		if i == 0 {
			return models.Cursor{Module: l.name, Offset: rva}, nil
		}
		sym := l.sorted[i-1]
		return models.Cursor{Module: l.name, Symbol: sym.name, Offset: rva - sym.rva}, nil
	}
	return models.Cursor{}, errors.Wrapf(models.ErrNotFound, "no module at %#x", addr)
}

// Span returns where a module was inserted.
func (t *Table) Span(module string) (models.Span, error) {
	l, err := t.module(module)
	if err != nil {
		return models.Span{}, err
	}
	return l.span, nil
}

func (t *Table) Loaded() []string {
	var names []string
	for _, l := range t.loaded {
		names = append(names, l.name)
	}
	sort.Strings(names)
	return names
}
