package mem

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

type physMap map[uint64][]byte

func (m physMap) page(phy uint64) []byte {
	base := AlignDown(phy, PageSize)
	if p, ok := m[base]; ok {
		return p
	}
	p := make([]byte, PageSize)
	m[base] = p
	return p
}

func (m physMap) ReadPhysical(p []byte, phy models.Phy) error {
	page, ok := m[AlignDown(uint64(phy), PageSize)]
	if !ok {
		return errors.Errorf("%#x unmapped", uint64(phy))
	}
	off := uint64(phy) & (PageSize - 1)
	if off+uint64(len(p)) > PageSize {
		return errors.New("cross-page physical read")
	}
	copy(p, page[off:])
	return nil
}

func (m physMap) entry(table, index, val uint64) {
	binary.LittleEndian.PutUint64(m.page(table)[index*8:], val)
}

func TestTranslate(t *testing.T) {
	m := physMap{}
	const (
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
	)
	va := uint64(0xfffff80012345678)
	m.entry(pml4, (va>>39)&0x1ff, pdpt|pagePresent)
	m.entry(pdpt, (va>>30)&0x1ff, pd|pagePresent)
	m.entry(pd, (va>>21)&0x1ff, pt|pagePresent)
	m.entry(pt, (va>>12)&0x1ff, 0x7000|pagePresent)
	copy(m.page(0x7000)[0x678:], "hello")

	phy, err := Translate(m, pml4, va)
	if err != nil {
		t.Fatal(err)
	}
	if phy != 0x7678 {
		t.Fatalf("Translate() = %#x, want 0x7678", uint64(phy))
	}
	buf := make([]byte, 5)
	if err := ReadVirtual(m, pml4, buf, va); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("ReadVirtual() = %q", buf)
	}

	// 2M page
	va2 := uint64(0x40200000 + 0x1234)
	m.entry(pml4, (va2>>39)&0x1ff, pdpt|pagePresent)
	m.entry(pdpt, (va2>>30)&0x1ff, pd|pagePresent)
	m.entry(pd, (va2>>21)&0x1ff, 0x800000|pagePresent|pageLarge)
	if phy, err := Translate(m, pml4, va2); err != nil || phy != 0x801234 {
		t.Fatalf("large Translate() = %#x, %v", uint64(phy), err)
	}

	if _, err := Translate(m, pml4, 0x1000); errors.Cause(err) != models.ErrTranslate {
		t.Fatalf("unmapped Translate() error = %v", err)
	}
}

func TestAlign(t *testing.T) {
	if AlignDown(uint64(0x1fff), PageSize) != 0x1000 {
		t.Fatal("AlignDown")
	}
	if AlignUp(uint64(0x1001), PageSize) != 0x2000 {
		t.Fatal("AlignUp")
	}
	if AlignUp(uint32(0x1000), 0x1000) != 0x1000 {
		t.Fatal("AlignUp aligned")
	}
}
