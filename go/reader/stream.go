package reader

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

// MemReader is a sequential io.Reader over guest virtual memory.
type MemReader struct {
	R    Reader
	Addr uint64
}

func (m *MemReader) Read(p []byte) (int, error) {
	if err := m.R.Read(p, m.Addr); err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

func (r Reader) Stream(addr uint64) io.Reader {
	return &MemReader{R: r, Addr: addr}
}

// Unpack decodes a little-endian struc-tagged structure at addr.
func (r Reader) Unpack(addr uint64, v interface{}) error {
	return struc.UnpackWithOptions(r.Stream(addr), v, &struc.Options{Order: binary.LittleEndian})
}
