package cpu

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lunixbochs/icebox/go/models"
)

func TestRegs(t *testing.T) {
	regs := NewRegs()
	for i, e := range Sorted() {
		if err := regs.RegWrite(e, uint64(i*2)); err != nil {
			t.Fatal(err, "initial RegWrite() failed")
		}
	}
	for i, e := range Sorted() {
		if val, err := regs.RegRead(e); err != nil {
			t.Fatal(err, "RegRead() failed")
		} else if val != uint64(i*2) {
			t.Fatalf("RegRead() returned %d, expecting %d", val, i*2)
		}
	}
	if _, err := regs.RegRead(models.RegCount); err == nil {
		t.Fatal("RegRead() accepted an invalid register")
	}
	if _, err := regs.MsrRead(models.MsrLstar); err == nil {
		t.Fatal("MsrRead() returned an unset msr")
	}
	regs.MsrWrite(models.MsrLstar, 0xfffff80000001000)
	if val, err := regs.MsrRead(models.MsrLstar); err != nil || val != 0xfffff80000001000 {
		t.Fatalf("MsrRead() = %#x, %v", val, err)
	}
}

func TestSortedNatural(t *testing.T) {
	var r8, r10 int
	for i, reg := range Sorted() {
		switch reg {
		case models.RegR8:
			r8 = i
		case models.RegR10:
			r10 = i
		}
	}
	if r8 > r10 {
		t.Fatal("r8 sorted after r10")
	}
	if reg, ok := Lookup("cr3"); !ok || reg != models.RegCr3 {
		t.Fatal("Lookup(cr3) failed")
	}
}

func TestPackUint(t *testing.T) {
	for _, size := range []int{1, 2, 4, 8} {
		buf, err := PackUint(binary.LittleEndian, size, 0x1122334455667788)
		if err != nil {
			t.Fatal(err)
		}
		if len(buf) != size {
			t.Fatalf("size %d: packed %d bytes", size, len(buf))
		}
		val, err := UnpackUint(binary.LittleEndian, size, buf)
		if err != nil {
			t.Fatal(err)
		}
		mask := ^uint64(0) >> (64 - uint(size)*8)
		if val != 0x1122334455667788&mask {
			t.Fatalf("size %d: got %#x", size, val)
		}
	}
	buf, err := AppendUint(binary.BigEndian, []byte{0xff}, 4, 0x11223344)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xff, 0x11, 0x22, 0x33, 0x44}, buf); diff != "" {
		t.Fatalf("append mismatch (-want +got):\n%s", diff)
	}
	if _, err := PackUint(binary.LittleEndian, 3, 0); err == nil {
		t.Fatal("PackUint accepted size 3")
	}
	if _, err := UnpackUint(binary.LittleEndian, 3, make([]byte, 4)); err == nil {
		t.Fatal("UnpackUint accepted size 3")
	}
	if _, err := UnpackUint(binary.LittleEndian, 8, make([]byte, 4)); err == nil {
		t.Fatal("UnpackUint accepted a short buffer")
	}
}
