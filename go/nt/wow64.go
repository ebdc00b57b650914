package nt

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

// peb32 returns the 32-bit PEB of proc, 0 when it has none.
func (n *Nt) peb32(proc models.Proc) (uint64, error) {
	wow, err := n.reader.Ptr(proc.ID + n.offsets.get(eprocessWow64Process))
	if err != nil {
		return 0, errors.Wrap(err, "unable to read EPROCESS.Wow64Process")
	}
	// older kernels point straight at the PEB
	if !n.offsets.has(ewow64ProcessNtdllType) || wow == 0 {
		return wow, nil
	}
	peb, err := n.reader.Ptr(wow + n.offsets.get(ewow64ProcessPeb))
	if err != nil {
		return 0, errors.Wrap(err, "unable to read EWOW64PROCESS.Peb")
	}
	return peb, nil
}

// SetupWow64 loads the symbols of the 32-bit ntdll of proc and resolves the
// compatibility offsets. Processes without a 32-bit PEB need nothing.
func (n *Nt) SetupWow64(proc models.Proc) error {
	peb32, err := n.peb32(proc)
	if err != nil {
		return err
	}
	if peb32 == 0 {
		return nil
	}
	mods, err := n.Mods32(proc)
	if err != nil {
		return err
	}
	r := n.procReader(proc)
	w := newWalker[uint32](r, layout32)
	found := false
	for mod := range mods {
		name, err := w.name(mod.ID)
		if err != nil {
			return errors.Wrap(err, "unable to read module name to find wntdll")
		}
		if !strings.Contains(strings.ToLower(name), "ntdll") {
			continue
		}
		span, err := w.span(mod.ID)
		if err != nil {
			return errors.Wrap(err, "unable to read wntdll span")
		}
		if err := n.LoadModule(r, "wntdll", span); err != nil {
			return errors.Wrap(err, "unable to insert wntdll symbols")
		}
		found = true
		break
	}
	if !found {
		return errors.Wrap(models.ErrNotFound, "unable to find wntdll")
	}
	offsets32, err := resolveMembers(n.syms, nt32Members, offset32Count)
	if err != nil {
		return err
	}
	n.offsets32 = offsets32
	n.wow64 = true
	return nil
}

// StackCurrentBounds returns the stack of the running thread, read from its
// TEB in the width of the current processor mode.
func (n *Nt) StackCurrentBounds(proc models.Proc) (models.Span, error) {
	r := n.procReader(proc)
	var base, limit uint64
	if !n.ProcCtxIsX64() {
		if !n.wow64 {
			if err := n.SetupWow64(proc); err != nil {
				return models.Span{}, err
			}
		}
		if !n.wow64 {
			return models.Span{}, errors.Wrap(models.ErrNotFound, "32-bit context without a 32-bit peb")
		}
		teb, err := n.hv.ReadMsr(models.MsrFsBase)
		if err != nil {
			return models.Span{}, err
		}
		tib := teb + n.offsets32.get(teb32NtTib)
		b, err1 := r.Le32(tib + n.offsets32.get(ntTib32StackBase))
		l, err2 := r.Le32(tib + n.offsets32.get(ntTib32StackLimit))
		if err1 != nil || err2 != nil {
			return models.Span{}, errors.New("unable to read stack bounds")
		}
		base, limit = uint64(b), uint64(l)
	} else {
		teb, err := n.hv.ReadMsr(models.MsrGsBase)
		if err != nil {
			return models.Span{}, err
		}
		tib := teb + n.offsets.get(tebNtTib)
		var err1, err2 error
		base, err1 = r.Ptr(tib + n.offsets.get(ntTibStackBase))
		limit, err2 = r.Ptr(tib + n.offsets.get(ntTibStackLimit))
		if err1 != nil || err2 != nil {
			return models.Span{}, errors.New("unable to read stack bounds")
		}
	}
	if base == 0 || limit == 0 || limit > base {
		return models.Span{}, errors.Wrapf(models.ErrCorrupted, "stack bounds %#x-%#x", limit, base)
	}
	return models.Span{Addr: limit, Size: base - limit}, nil
}
