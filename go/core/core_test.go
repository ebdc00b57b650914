package core

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/mock"
)

func TestAttach(t *testing.T) {
	g := mock.NewGuest()
	g.AddProc(4, "System", mock.KernelDtb)
	proc := g.AddProc(100, "smss.exe", 0x5000)
	g.SetCurrent(g.AddThread(proc, 200))
	c, err := Attach(g.VM, g.Symbols())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Mem.Current() != proc.Dtb {
		t.Fatalf("current dtb %#x", uint64(c.Mem.Current()))
	}
	if g.VM.Pauses != 1 {
		t.Fatalf("expected 1 pause, got %d", g.VM.Pauses)
	}
	found, err := c.Os.ProcFind("smss.exe")
	if err != nil || found != proc {
		t.Fatalf("ProcFind: %v, %v", found, err)
	}
}

func TestAttachFailure(t *testing.T) {
	g := mock.NewGuest()
	delete(g.Nt.Symbols, "PsActiveProcessHead")
	if c, err := Attach(g.VM, g.Symbols()); err == nil || c != nil {
		t.Fatal("attach should fail without PsActiveProcessHead")
	}
}

func TestBackends(t *testing.T) {
	vm := mock.NewVM()
	RegisterBackend("test", func(target string) (models.Hypervisor, error) {
		if target != "guest" {
			return nil, errors.New("unknown guest")
		}
		return vm, nil
	})
	hv, err := Open("test", "guest")
	if err != nil || hv != vm {
		t.Fatalf("Open: %v, %v", hv, err)
	}
	if _, err := Open("missing", ""); errors.Cause(err) != models.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSymbols(t *testing.T) {
	config := models.DefaultConfig()
	config.Symbols = []string{"does-not-exist.toml"}
	if _, err := LoadSymbols(config); err == nil {
		t.Fatal("missing database accepted")
	}
}
