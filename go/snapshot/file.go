// Package snapshot saves a paused guest to a file and reopens it as a frozen,
// read-only hypervisor.
package snapshot

import (
	"bytes"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/cpu"
)

var log = logrus.WithField("module", "snapshot")

var SNAPSHOT_MAGIC = "IBSN"

const version = 1

// Header precedes the snappy-compressed record stream: Regs register records,
// Msrs MSR records, then Pages physical page records.
type Header struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	Regs    uint32
	Msrs    uint32
	Pages   uint32
}

type valueRecord struct {
	ID  uint32
	Val uint64
}

type pageRecord struct {
	Phy  uint64
	Data []byte `struc:"[4096]byte"`
}

func zero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// pages calls fn for every readable, non-zero physical page in ranges.
func pages(hv models.Hypervisor, ranges []models.Span, fn func(phy uint64, data []byte) error) error {
	page := make([]byte, mem.PageSize)
	for _, span := range ranges {
		end := mem.AlignUp(span.End(), mem.PageSize)
		for phy := mem.AlignDown(span.Addr, mem.PageSize); phy < end; phy += mem.PageSize {
			if err := hv.ReadPhysical(page, models.Phy(phy)); err != nil || zero(page) {
				continue
			}
			if err := fn(phy, page); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write dumps registers, MSRs and the non-zero pages of the physical ranges.
// The guest should be paused.
func Write(w io.Writer, hv models.Hypervisor, ranges []models.Span) error {
	var regs, msrs []valueRecord
	for _, reg := range cpu.Sorted() {
		if val, err := hv.ReadRegister(reg); err == nil {
			regs = append(regs, valueRecord{uint32(reg), val})
		}
	}
	for msr := range cpu.MsrNames {
		if val, err := hv.ReadMsr(msr); err == nil {
			msrs = append(msrs, valueRecord{uint32(msr), val})
		}
	}
	count := 0
	pages(hv, ranges, func(uint64, []byte) error {
		count++
		return nil
	})
	header := &Header{
		Magic:   SNAPSHOT_MAGIC,
		Version: version,
		Regs:    uint32(len(regs)),
		Msrs:    uint32(len(msrs)),
		Pages:   uint32(count),
	}
	if err := struc.Pack(w, header); err != nil {
		return errors.Wrap(err, "failed to pack header")
	}
	zw := snappy.NewBufferedWriter(w)
	for _, rec := range append(regs, msrs...) {
		if err := struc.Pack(zw, &rec); err != nil {
			return errors.Wrap(err, "failed to pack register")
		}
	}
	written := 0
	err := pages(hv, ranges, func(phy uint64, data []byte) error {
		if written == count {
			return errors.New("guest memory changed while writing snapshot")
		}
		written++
		return struc.Pack(zw, &pageRecord{Phy: phy, Data: data})
	})
	if err != nil {
		return errors.Wrap(err, "failed to pack page")
	}
	if written != count {
		return errors.New("guest memory changed while writing snapshot")
	}
	log.Infof("wrote %d registers, %d msrs, %d pages", len(regs), len(msrs), count)
	return zw.Close()
}

// Read loads a snapshot stream.
func Read(r io.Reader) (*VM, error) {
	var header Header
	if err := struc.Unpack(r, &header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if header.Magic != SNAPSHOT_MAGIC {
		return nil, errors.New("invalid snapshot file magic")
	}
	if header.Version != version {
		return nil, errors.Errorf("unsupported snapshot version %d", header.Version)
	}
	vm := newVM()
	zr := snappy.NewReader(r)
	for i := uint32(0); i < header.Regs+header.Msrs; i++ {
		var rec valueRecord
		if err := struc.Unpack(zr, &rec); err != nil {
			return nil, errors.Wrap(err, "failed to unpack register")
		}
		if i < header.Regs {
			if err := vm.regs.RegWrite(models.Reg(rec.ID), rec.Val); err != nil {
				return nil, err
			}
		} else {
			vm.regs.MsrWrite(models.Msr(rec.ID), rec.Val)
		}
	}
	for i := uint32(0); i < header.Pages; i++ {
		var rec pageRecord
		if err := struc.Unpack(zr, &rec); err != nil {
			return nil, errors.Wrap(err, "failed to unpack page")
		}
		vm.pages[rec.Phy] = rec.Data
	}
	log.Debugf("read %d pages", len(vm.pages))
	return vm, nil
}

func Open(path string) (*VM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot")
	}
	return Read(bytes.NewReader(data))
}

// Save writes a snapshot file.
func Save(path string, hv models.Hypervisor, ranges []models.Span) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot")
	}
	if err := Write(f, hv, ranges); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
