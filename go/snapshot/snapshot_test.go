package snapshot

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/mock"
)

const (
	pml4 = 0x101000
	pdpt = 0x102000
	pd   = 0x103000
	pt   = 0x104000
	data = 0x105000
	va   = 0x401000
)

// pagedGuest builds real page tables mapping va to data.
func pagedGuest(t *testing.T) *mock.VM {
	vm := mock.NewVM()
	for _, phy := range []uint64{pml4, pdpt, pd, pt, data} {
		// allocates the physical page
		vm.Alias(0xdead000, phy, models.Phy(phy))
	}
	entry := func(table, index, next uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], next|3)
		if err := vm.WritePhysical(buf[:], models.Phy(table+index*8)); err != nil {
			t.Fatal(err)
		}
	}
	entry(pml4, (va>>39)&0x1ff, pdpt)
	entry(pdpt, (va>>30)&0x1ff, pd)
	entry(pd, (va>>21)&0x1ff, pt)
	entry(pt, (va>>12)&0x1ff, data)
	if err := vm.WritePhysical([]byte("snapshot page"), models.Phy(data+0x10)); err != nil {
		t.Fatal(err)
	}
	vm.WriteRegister(models.RegRip, va+0x10)
	vm.WriteRegister(models.RegCr3, pml4)
	vm.WriteMsr(models.MsrLstar, 0xfffff80002003040)
	return vm
}

func TestSnapshot(t *testing.T) {
	src := pagedGuest(t)
	var buf bytes.Buffer
	if err := Write(&buf, src, []models.Span{{Addr: 0x100000, Size: 0x10000}}); err != nil {
		t.Fatal(err)
	}
	vm, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if vm.Pages() != 5 {
		t.Fatalf("expected 5 non-zero pages, got %d", vm.Pages())
	}
	rip, err := vm.ReadRegister(models.RegRip)
	if err != nil || rip != va+0x10 {
		t.Fatalf("rip %#x, %v", rip, err)
	}
	lstar, err := vm.ReadMsr(models.MsrLstar)
	if err != nil || lstar != 0xfffff80002003040 {
		t.Fatalf("lstar %#x, %v", lstar, err)
	}
	phy, err := vm.VirtualToPhysical(va+0x10, pml4)
	if err != nil || phy != data+0x10 {
		t.Fatalf("translated to %#x, %v", phy, err)
	}
	got := make([]byte, 13)
	if err := vm.ReadVirtual(got, va+0x10, pml4); err != nil {
		t.Fatal(err)
	}
	if string(got) != "snapshot page" {
		t.Fatalf("read %q", got)
	}
	if _, err := vm.VirtualToPhysical(va+0x1000, pml4); errors.Cause(err) != models.ErrTranslate {
		t.Fatalf("expected ErrTranslate, got %v", err)
	}
}

func TestSnapshotReadOnly(t *testing.T) {
	vm := newVM()
	if err := vm.Resume(); errors.Cause(err) != models.ErrReadOnly {
		t.Fatalf("resume: %v", err)
	}
	if _, err := vm.SetBreakpoint(models.BreakExecute, 0x1000, models.AnyDtb); errors.Cause(err) != models.ErrReadOnly {
		t.Fatalf("set breakpoint: %v", err)
	}
	if err := vm.WritePhysical([]byte{1}, 0); errors.Cause(err) != models.ErrReadOnly {
		t.Fatalf("write physical: %v", err)
	}
	if vm.StateChanged() {
		t.Fatal("frozen guest changed state")
	}
}

func TestSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.snap")
	if err := Save(path, pagedGuest(t), []models.Span{{Addr: data, Size: 0x1000}}); err != nil {
		t.Fatal(err)
	}
	vm, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if vm.Pages() != 1 {
		t.Fatalf("expected 1 page, got %d", vm.Pages())
	}
	if err := os.WriteFile(path, []byte("nope, not a snapshot"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("bad magic accepted")
	}
}
