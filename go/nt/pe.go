package nt

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

var le = &struc.Options{Order: binary.LittleEndian}

type dosHeader struct {
	Magic  string `struc:"[2]byte"`
	Pad    []byte `struc:"[58]pad"`
	Lfanew uint32
}

// peHeader covers the file header and the start of the optional header up to
// SizeOfImage, which sits at the same offset for PE32 and PE32+.
type peHeader struct {
	Signature            string `struc:"[4]byte"`
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
	Magic                uint16
	Pad                  []byte `struc:"[54]pad"`
	SizeOfImage          uint32
}

const peHeaderSize = 4 + 20 + 60

// imageSize returns the SizeOfImage of the executable image whose header is
// at the start of page.
func imageSize(page []byte) (uint64, bool) {
	var dos dosHeader
	if err := struc.UnpackWithOptions(bytes.NewReader(page), &dos, le); err != nil || dos.Magic != "MZ" {
		return 0, false
	}
	if uint64(dos.Lfanew)+peHeaderSize > uint64(len(page)) {
		return 0, false
	}
	var pe peHeader
	if err := struc.UnpackWithOptions(bytes.NewReader(page[dos.Lfanew:]), &pe, le); err != nil {
		return 0, false
	}
	if pe.Signature != "PE\x00\x00" || pe.SizeOfImage == 0 {
		return 0, false
	}
	return uint64(pe.SizeOfImage), true
}
