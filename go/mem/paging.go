package mem

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

const (
	pagePresent = 1 << 0
	pageLarge   = 1 << 7
	addrMask    = 0x000ffffffffff000
)

// PhysReader reads guest physical memory.
type PhysReader interface {
	ReadPhysical(p []byte, phy models.Phy) error
}

func readEntry(r PhysReader, table uint64, index uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadPhysical(buf[:], models.Phy((table&addrMask)+index*8)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Translate walks x86-64 4-level page tables rooted at dtb.
func Translate(r PhysReader, dtb models.Dtb, ptr uint64) (models.Phy, error) {
	levels := []struct {
		shift uint
		large bool
	}{
		{39, false},
		{30, true},
		{21, true},
		{12, false},
	}
	table := uint64(dtb)
	for i, level := range levels {
		entry, err := readEntry(r, table, (ptr>>level.shift)&0x1ff)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to read page table level %d", 4-i)
		}
		if entry&pagePresent == 0 {
			return 0, errors.Wrapf(models.ErrTranslate, "%#x not present at level %d", ptr, 4-i)
		}
		if i == len(levels)-1 || (level.large && entry&pageLarge != 0) {
			mask := uint64(1)<<level.shift - 1
			return models.Phy((entry & addrMask &^ mask) | (ptr & mask)), nil
		}
		table = entry
	}
	panic("unreachable")
}

// ReadVirtual reads across page boundaries, translating every page separately.
func ReadVirtual(r PhysReader, dtb models.Dtb, p []byte, ptr uint64) error {
	for len(p) > 0 {
		phy, err := Translate(r, dtb, ptr)
		if err != nil {
			return err
		}
		n := PageSize - int(ptr&(PageSize-1))
		if n > len(p) {
			n = len(p)
		}
		if err := r.ReadPhysical(p[:n], phy); err != nil {
			return err
		}
		p, ptr = p[n:], ptr+uint64(n)
	}
	return nil
}
