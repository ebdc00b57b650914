package nt

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

// Drivers yields every entry of the kernel loaded module list.
func (n *Nt) Drivers() iter.Seq[models.Driver] {
	return func(yield func(models.Driver) bool) {
		head := n.symbols.get(psLoadedModuleList)
		for id := range n.kernelWalker().entries(head, n.offsets.get(ldrEntryInLoadOrderLinks)) {
			if !yield(models.Driver{ID: id}) {
				return
			}
		}
	}
}

func (n *Nt) DriverList(fn func(models.Driver) models.Walk) {
	list(n.Drivers(), fn)
}

func (n *Nt) DriverName(drv models.Driver) (string, error) {
	return n.kernelWalker().name(drv.ID)
}

func (n *Nt) DriverSpan(drv models.Driver) (models.Span, error) {
	return n.kernelWalker().span(drv.ID)
}

// DriverFind returns the driver whose full name is name.
func (n *Nt) DriverFind(name string) (models.Driver, error) {
	for drv := range n.Drivers() {
		if got, err := n.DriverName(drv); err == nil && got == name {
			return drv, nil
		}
	}
	return models.Driver{}, errors.Wrapf(models.ErrNotFound, "driver %s", name)
}
