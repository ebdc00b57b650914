package nt

import (
	"bytes"
	"iter"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

// imageFileNameSize is the used part of EPROCESS.ImageFileName.
const imageFileNameSize = 14

func (n *Nt) kernelWalker() walker[uint64] {
	return newWalker[uint64](n.reader, n.layout64())
}

// Procs yields every process of the active process list.
func (n *Nt) Procs() iter.Seq[models.Proc] {
	return func(yield func(models.Proc) bool) {
		head := n.symbols.get(psActiveProcessHead)
		for eproc := range n.kernelWalker().entries(head, n.offsets.get(eprocessActiveProcessLinks)) {
			dtb, err := n.reader.Ptr(eproc + n.offsets.get(eprocessPcb) + n.offsets.get(kprocessUserDirectoryTableBase))
			if err != nil {
				log.WithError(err).Errorf("unable to read KPROCESS.DirectoryTableBase from %#x", eproc)
				continue
			}
			if !yield(models.Proc{ID: eproc, Dtb: models.Dtb(dtb)}) {
				return
			}
		}
	}
}

func (n *Nt) ProcList(fn func(models.Proc) models.Walk) {
	list(n.Procs(), fn)
}

// ProcCurrent returns the process of the thread running on the processor.
func (n *Nt) ProcCurrent() (models.Proc, error) {
	thread, err := n.ThreadCurrent()
	if err != nil {
		return models.Proc{}, errors.Wrap(err, "unable to get current thread")
	}
	return n.ThreadProc(thread)
}

func (n *Nt) ProcFind(name string) (models.Proc, error) {
	for proc := range n.Procs() {
		if got, err := n.ProcName(proc); err == nil && got == name {
			return proc, nil
		}
	}
	return models.Proc{}, errors.Wrapf(models.ErrNotFound, "process %s", name)
}

func (n *Nt) ProcFindPid(pid uint64) (models.Proc, error) {
	for proc := range n.Procs() {
		if got, err := n.ProcID(proc); err == nil && got == pid {
			return proc, nil
		}
	}
	return models.Proc{}, errors.Wrapf(models.ErrNotFound, "process %d", pid)
}

// ProcName reads the short image name. A name filling the whole field may be
// truncated, the full image path is then taken from the audit information.
func (n *Nt) ProcName(proc models.Proc) (string, error) {
	buf := make([]byte, imageFileNameSize+1)
	if err := n.reader.Read(buf, proc.ID+n.offsets.get(eprocessImageFileName)); err != nil {
		return "", errors.Wrap(err, "unable to read EPROCESS.ImageFileName")
	}
	buf = buf[:imageFileNameSize]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i]), nil
	}
	name := string(buf)

	audit := proc.ID + n.offsets.get(eprocessSeAuditProcessCreationInfo) + n.offsets.get(seAuditImageFileName)
	info, err := n.reader.Ptr(audit)
	if err != nil || info == 0 {
		return name, nil
	}
	path, err := n.kernelWalker().unicode(info + n.offsets.get(objectNameInformationName))
	if err != nil {
		log.WithError(err).Debugf("unable to read image path of %v", proc)
		return name, nil
	}
	return basename(path), nil
}

func basename(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (n *Nt) ProcID(proc models.Proc) (uint64, error) {
	return n.reader.Ptr(proc.ID + n.offsets.get(eprocessUniqueProcessID))
}

// ProcIsValid reports whether proc still owns an address space.
func (n *Nt) ProcIsValid(proc models.Proc) bool {
	root, err := n.reader.Ptr(proc.ID + n.offsets.get(eprocessVadRoot))
	return err == nil && root != 0
}

func (n *Nt) ProcIsWow64(proc models.Proc) (bool, error) {
	wow, err := n.reader.Ptr(proc.ID + n.offsets.get(eprocessWow64Process))
	if err != nil {
		return false, err
	}
	return wow != 0, nil
}

// wow64CS is the code segment selector of 32-bit compatibility mode.
const wow64CS = 0x23

// ProcCtxIsX64 reports whether the processor runs native 64-bit code.
func (n *Nt) ProcCtxIsX64() bool {
	cs, err := n.hv.ReadRegister(models.RegCs)
	if err != nil {
		log.WithError(err).Debug("unable to read cs")
		return true
	}
	return cs != wow64CS
}

// ProcResolve translates ptr through proc's address space, falling back to
// the kernel one.
func (n *Nt) ProcResolve(proc models.Proc, ptr uint64) (models.Phy, error) {
	if phy, err := n.mem.VirtualToPhysical(ptr, proc.Dtb); err == nil {
		return phy, nil
	}
	return n.mem.VirtualToPhysical(ptr, n.kdtb)
}

// ProcSelect returns the view of proc suitable to set a breakpoint on ptr:
// kernel addresses use the kernel address space of the process.
func (n *Nt) ProcSelect(proc models.Proc, ptr uint64) (models.Proc, error) {
	if !n.IsKernel(ptr) {
		return proc, nil
	}
	kdtb, err := n.reader.Ptr(proc.ID + n.offsets.get(eprocessPcb) + n.offsets.get(kprocessDirectoryTableBase))
	if err != nil {
		return models.Proc{}, err
	}
	return models.Proc{ID: proc.ID, Dtb: models.Dtb(kdtb)}, nil
}
