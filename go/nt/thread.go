package nt

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
)

func (n *Nt) Threads(proc models.Proc) iter.Seq[models.Thread] {
	return func(yield func(models.Thread) bool) {
		head := proc.ID + n.offsets.get(eprocessThreadListHead)
		for id := range n.kernelWalker().entries(head, n.offsets.get(ethreadThreadListEntry)) {
			if !yield(models.Thread{ID: id}) {
				return
			}
		}
	}
}

func (n *Nt) ThreadList(proc models.Proc, fn func(models.Thread) models.Walk) {
	list(n.Threads(proc), fn)
}

func (n *Nt) ThreadCurrent() (models.Thread, error) {
	id, err := n.reader.Ptr(n.kpcr + n.offsets.get(kpcrPrcb) + n.offsets.get(kprcbCurrentThread))
	if err != nil {
		return models.Thread{}, errors.Wrap(err, "unable to read KPCR.Prcb.CurrentThread")
	}
	return models.Thread{ID: id}, nil
}

// ThreadProc returns the process owning thread.
func (n *Nt) ThreadProc(thread models.Thread) (models.Proc, error) {
	kproc, err := n.reader.Ptr(thread.ID + n.offsets.get(ethreadTcb) + n.offsets.get(kthreadProcess))
	if err != nil {
		return models.Proc{}, errors.Wrap(err, "unable to read KTHREAD.Process")
	}
	dtb, err := n.reader.Ptr(kproc + n.offsets.get(kprocessUserDirectoryTableBase))
	if err != nil {
		return models.Proc{}, errors.Wrap(err, "unable to read KPROCESS.DirectoryTableBase")
	}
	return models.Proc{ID: kproc - n.offsets.get(eprocessPcb), Dtb: models.Dtb(dtb)}, nil
}

// ThreadPC returns the user program counter saved in the thread's trap frame.
// Threads without a trap frame return models.ErrNotFound.
func (n *Nt) ThreadPC(proc models.Proc, thread models.Thread) (uint64, error) {
	frame, err := n.reader.Ptr(thread.ID + n.offsets.get(ethreadTcb) + n.offsets.get(kthreadTrapFrame))
	if err != nil {
		return 0, errors.Wrap(err, "unable to read KTHREAD.TrapFrame")
	}
	if frame == 0 {
		return 0, errors.Wrapf(models.ErrNotFound, "no trap frame on thread %#x", thread.ID)
	}
	return n.reader.Ptr(frame + n.offsets.get(ktrapFrameRip))
}

func (n *Nt) ThreadID(proc models.Proc, thread models.Thread) (uint64, error) {
	return n.reader.Ptr(thread.ID + n.offsets.get(ethreadCid) + n.offsets.get(clientIDUniqueThread))
}
