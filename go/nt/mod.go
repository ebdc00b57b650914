package nt

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

func none[T any](yield func(T) bool) {}

// Mods yields the native modules of proc. Processes without a PEB have none.
func (n *Nt) Mods(proc models.Proc) (iter.Seq[models.Mod], error) {
	r := n.procReader(proc)
	peb, err := r.Ptr(proc.ID + n.offsets.get(eprocessPeb))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read EPROCESS.Peb")
	}
	if peb == 0 {
		return none[models.Mod], nil
	}
	ldr, err := r.Ptr(peb + n.offsets.get(pebLdr))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read PEB.Ldr")
	}
	return newWalker[uint64](r, n.layout64()).modules(ldr), nil
}

// Mods32 yields the 32-bit modules of a compatibility process.
func (n *Nt) Mods32(proc models.Proc) (iter.Seq[models.Mod], error) {
	r := n.procReader(proc)
	peb32, err := n.peb32(proc)
	if err != nil {
		return nil, err
	}
	if peb32 == 0 {
		return none[models.Mod], nil
	}
	ldr32, err := r.Le32(peb32 + n.offsets.get(peb32Ldr))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read PEB32.Ldr")
	}
	return newWalker[uint32](r, layout32).modules(uint64(ldr32)), nil
}

func (n *Nt) ModList(proc models.Proc, fn func(models.Mod) models.Walk) error {
	mods, err := n.Mods(proc)
	if err != nil {
		return err
	}
	list(mods, fn)
	return nil
}

func (n *Nt) ModList32(proc models.Proc, fn func(models.Mod) models.Walk) error {
	mods, err := n.Mods32(proc)
	if err != nil {
		return err
	}
	list(mods, fn)
	return nil
}

func (n *Nt) ModName(proc models.Proc, mod models.Mod) (string, error) {
	return newWalker[uint64](n.procReader(proc), n.layout64()).name(mod.ID)
}

func (n *Nt) ModName32(proc models.Proc, mod models.Mod) (string, error) {
	return newWalker[uint32](n.procReader(proc), layout32).name(mod.ID)
}

func (n *Nt) ModSpan(proc models.Proc, mod models.Mod) (models.Span, error) {
	return newWalker[uint64](n.procReader(proc), n.layout64()).span(mod.ID)
}

func (n *Nt) ModSpan32(proc models.Proc, mod models.Mod) (models.Span, error) {
	return newWalker[uint32](n.procReader(proc), layout32).span(mod.ID)
}

// ModFind returns the native module of proc mapped at addr.
func (n *Nt) ModFind(proc models.Proc, addr uint64) (models.Mod, error) {
	mods, err := n.Mods(proc)
	if err != nil {
		return models.Mod{}, err
	}
	for mod := range mods {
		if span, err := n.ModSpan(proc, mod); err == nil && span.Contains(addr) {
			return mod, nil
		}
	}
	return models.Mod{}, errors.Wrapf(models.ErrNotFound, "no module at %#x", addr)
}
