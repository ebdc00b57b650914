// Package reader reads guest memory on behalf of one process.
package reader

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/mem"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/cpu"
)

// Reader resolves user pointers through Udtb and kernel pointers through Kdtb.
type Reader struct {
	mem  *mem.Memory
	Udtb models.Dtb
	Kdtb models.Dtb
}

func New(m *mem.Memory, udtb, kdtb models.Dtb) Reader {
	return Reader{mem: m, Udtb: udtb, Kdtb: kdtb}
}

// IsKernel reports whether ptr lies in the canonical high half.
func IsKernel(ptr uint64) bool {
	return ptr&0xfff0000000000000 != 0
}

func (r Reader) dtb(ptr uint64) models.Dtb {
	if IsKernel(ptr) {
		return r.Kdtb
	}
	return r.Udtb
}

func (r Reader) Read(p []byte, ptr uint64) error {
	return r.mem.ReadVirtual(p, ptr, r.dtb(ptr))
}

func (r Reader) Uint(ptr uint64, size int) (uint64, error) {
	var buf [8]byte
	if size > len(buf) {
		return 0, errors.Errorf("read size too large: %d > 8", size)
	}
	if err := r.Read(buf[:size], ptr); err != nil {
		return 0, err
	}
	return cpu.UnpackUint(binary.LittleEndian, size, buf[:size])
}

// Ptr reads a native 64-bit pointer.
func (r Reader) Ptr(ptr uint64) (uint64, error) {
	return r.Uint(ptr, 8)
}

func (r Reader) Le32(ptr uint64) (uint32, error) {
	v, err := r.Uint(ptr, 4)
	return uint32(v), err
}

func (r Reader) Byte(ptr uint64) (byte, error) {
	v, err := r.Uint(ptr, 1)
	return byte(v), err
}
