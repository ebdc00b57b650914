package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

const testDatabase = `
[[module]]
name = "nt"

[module.symbols]
KiSystemCall64 = 0x1000
PsActiveProcessHead = 0x2000
SwapContext = 0x1800

[module.strucs._EPROCESS]
ActiveProcessLinks = 0x2f0
ImageFileName = 0x450
`

func loadTest(t *testing.T) *Table {
	path := filepath.Join(t.TempDir(), "nt.toml")
	if err := os.WriteFile(path, []byte(testDatabase), 0644); err != nil {
		t.Fatal(err)
	}
	tab := New()
	if err := tab.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	return tab
}

func TestTableResolve(t *testing.T) {
	tab := loadTest(t)
	if _, err := tab.Symbol("nt", "KiSystemCall64"); errors.Cause(err) != models.ErrNotFound {
		t.Fatalf("Symbol() before Insert() error = %v", err)
	}
	span := models.Span{Addr: 0xfffff80000000000, Size: 0x10000}
	if err := tab.Insert("nt", span, make([]byte, 0x1000)); err != nil {
		t.Fatal(err)
	}
	addr, err := tab.Symbol("nt", "KiSystemCall64")
	if err != nil {
		t.Fatal(err)
	}
	if addr != span.Addr+0x1000 {
		t.Fatalf("Symbol() = %#x", addr)
	}
	off, err := tab.StrucOffset("NT", "_EPROCESS", "ImageFileName")
	if err != nil || off != 0x450 {
		t.Fatalf("StrucOffset() = %#x, %v", off, err)
	}
	if _, err := tab.StrucOffset("nt", "_EPROCESS", "Missing"); errors.Cause(err) != models.ErrNotFound {
		t.Fatalf("missing member error = %v", err)
	}
	if err := tab.Insert("ntdll", span, nil); errors.Cause(err) != models.ErrNotFound {
		t.Fatalf("Insert() without database error = %v", err)
	}
}

func TestTableFind(t *testing.T) {
	tab := loadTest(t)
	span := models.Span{Addr: 0x10000, Size: 0x10000}
	if err := tab.Insert("nt", span, nil); err != nil {
		t.Fatal(err)
	}
	table := []struct {
		addr uint64
		want models.Cursor
	}{
		{0x10010, models.Cursor{Module: "nt", Offset: 0x10}},
		{0x11000, models.Cursor{Module: "nt", Symbol: "KiSystemCall64"}},
		{0x11804, models.Cursor{Module: "nt", Symbol: "SwapContext", Offset: 4}},
		{0x12345, models.Cursor{Module: "nt", Symbol: "PsActiveProcessHead", Offset: 0x345}},
	}
	for _, tt := range table {
		got, err := tab.Find(tt.addr)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("Find(%#x) mismatch (-want +got):\n%s", tt.addr, diff)
		}
	}
	if _, err := tab.Find(0x30000); err == nil {
		t.Fatal("Find() outside every module succeeded")
	}
	if s := (models.Cursor{Module: "nt", Symbol: "SwapContext", Offset: 4}).String(); s != "nt!SwapContext+0x4" {
		t.Fatalf("Cursor.String() = %q", s)
	}
}
