// Package nt walks Windows NT kernel structures in guest memory: processes,
// threads, user modules and drivers, located through symbol-resolved offsets.
package nt

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/reader"
	"github.com/lunixbochs/icebox/go/state"
)

var log = logrus.WithField("module", "nt")

// maxKernelScan bounds the backward search for the kernel image header.
const maxKernelScan = 0x4000

// Nt is the walker of one guest session.
type Nt struct {
	hv    models.Hypervisor
	mem   *mem.Memory
	state *state.State
	syms  models.Symbols

	offsets   table[offset]
	offsets32 table[offset32]
	wow64     bool
	symbols   table[symbol]

	kernel models.Span
	kpcr   uint64
	kdtb   models.Dtb
	reader reader.Reader
}

// New locates the kernel, loads its symbols and resolves every offset the
// walker needs. Any required offset or symbol missing fails the whole setup.
func New(hv models.Hypervisor, m *mem.Memory, st *state.State, syms models.Symbols) (*Nt, error) {
	n := &Nt{
		hv:        hv,
		mem:       m,
		state:     st,
		syms:      syms,
		offsets32: newTable(offset32Count),
	}
	if err := n.setup(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Nt) findKernel(lstar uint64) (models.Span, error) {
	page := make([]byte, mem.PageSize)
	ptr := mem.AlignDown(lstar, mem.PageSize)
	for i := 0; i < maxKernelScan; i, ptr = i+1, ptr-mem.PageSize {
		// discarded sections leave holes in the image
		if err := n.mem.ReadVirtual(page, ptr, n.kdtb); err != nil {
			continue
		}
		if size, ok := imageSize(page); ok {
			return models.Span{Addr: ptr, Size: size}, nil
		}
	}
	return models.Span{}, errors.Wrapf(models.ErrNotFound, "no kernel image below %#x", lstar)
}

func (n *Nt) setup() error {
	cr3, err := n.hv.ReadRegister(models.RegCr3)
	if err != nil {
		return errors.Wrap(err, "unable to read cr3")
	}
	n.kdtb = models.Dtb(cr3)
	lstar, err := n.hv.ReadMsr(models.MsrLstar)
	if err != nil {
		return errors.Wrap(err, "unable to read lstar")
	}
	n.kernel, err = n.findKernel(lstar)
	if err != nil {
		return errors.Wrap(err, "unable to find kernel")
	}
	log.Infof("kernel: %v (%#x)", n.kernel, n.kernel.Size)

	n.reader = reader.New(n.mem, n.kdtb, n.kdtb)
	if err := n.LoadModule(n.reader, "nt", n.kernel); err != nil {
		return errors.Wrap(err, "unable to load symbols from kernel module")
	}
	symbols, symErr := resolveSymbols(n.syms)
	offsets, offErr := resolveMembers(n.syms, ntMembers, offsetCount)
	if symErr != nil {
		return symErr
	}
	if offErr != nil {
		return offErr
	}
	n.symbols, n.offsets = symbols, offsets

	n.kpcr, err = n.hv.ReadMsr(models.MsrGsBase)
	if err != nil || !reader.IsKernel(n.kpcr) {
		n.kpcr, err = n.hv.ReadMsr(models.MsrKernelGsBase)
	}
	if err != nil || !reader.IsKernel(n.kpcr) {
		return errors.Errorf("unable to read KPCR")
	}

	if n.offsets.has(kprcbKernelDirectoryTableBase) {
		kdtb, err := n.reader.Ptr(n.kpcr + n.offsets.get(kpcrPrcb) + n.offsets.get(kprcbKernelDirectoryTableBase))
		if err != nil {
			return errors.Wrap(err, "unable to read KPRCB.KernelDirectoryTableBase")
		}
		n.kdtb = models.Dtb(kdtb)
		n.reader = reader.New(n.mem, n.kdtb, n.kdtb)
	}
	// without kva shadowing user and kernel modes share one address space
	if !n.offsets.has(kprocessUserDirectoryTableBase) {
		n.offsets.set(kprocessUserDirectoryTableBase, n.offsets.get(kprocessDirectoryTableBase))
	}
	log.Infof("kpcr: %#x kdtb: %#x", n.kpcr, uint64(n.kdtb))
	return nil
}

// LoadModule reads the image mapped at span and inserts its symbols.
func (n *Nt) LoadModule(r reader.Reader, module string, span models.Span) error {
	image := make([]byte, span.Size)
	if err := r.Read(image, span.Addr); err != nil {
		return errors.Wrapf(err, "unable to read %s", module)
	}
	return n.syms.Insert(module, span, image)
}

func (n *Nt) Kernel() models.Span {
	return n.kernel
}

func (n *Nt) Kpcr() uint64 {
	return n.kpcr
}

func (n *Nt) Kdtb() models.Dtb {
	return n.kdtb
}

func (n *Nt) IsKernel(ptr uint64) bool {
	return reader.IsKernel(ptr)
}

func (n *Nt) procReader(proc models.Proc) reader.Reader {
	return reader.New(n.mem, proc.Dtb, n.kdtb)
}

// ReaderSetup builds a reader from the address spaces recorded in proc's
// kernel object.
func (n *Nt) ReaderSetup(proc models.Proc) (reader.Reader, error) {
	pcb := proc.ID + n.offsets.get(eprocessPcb)
	udtb, err := n.reader.Ptr(pcb + n.offsets.get(kprocessUserDirectoryTableBase))
	if err != nil {
		return reader.Reader{}, err
	}
	kdtb, err := n.reader.Ptr(pcb + n.offsets.get(kprocessDirectoryTableBase))
	if err != nil {
		return reader.Reader{}, err
	}
	return reader.New(n.mem, models.Dtb(udtb), models.Dtb(kdtb)), nil
}
