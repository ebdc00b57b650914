package nt

import (
	"encoding/binary"
	"iter"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/reader"
)

// maxLinks bounds list walks over memory which may change under us.
const maxLinks = 0x10000

// width is the pointer type of one ABI.
type width interface {
	~uint32 | ~uint64
}

// layout locates loader structures for one pointer width.
type layout struct {
	// PEB_LDR_DATA
	moduleList uint64
	// LDR_DATA_TABLE_ENTRY
	links   uint64
	dllBase uint64
	size    uint64
	name    uint64
}

// layout32 is the fixed 32-bit compatibility layout.
var layout32 = layout{
	moduleList: 12,
	links:      0,
	dllBase:    24,
	size:       32,
	name:       36,
}

func (n *Nt) layout64() layout {
	return layout{
		moduleList: n.offsets.get(pebLdrDataInLoadOrderModuleList),
		links:      n.offsets.get(ldrEntryInLoadOrderLinks),
		dllBase:    n.offsets.get(ldrEntryDllBase),
		size:       n.offsets.get(ldrEntrySizeOfImage),
		name:       n.offsets.get(ldrEntryFullDllName),
	}
}

// walker reads structures whose pointers are P sized.
type walker[P width] struct {
	r reader.Reader
	l layout
}

func newWalker[P width](r reader.Reader, l layout) walker[P] {
	return walker[P]{r: r, l: l}
}

func (w walker[P]) ptrSize() int {
	return binary.Size(P(0))
}

func (w walker[P]) ptr(addr uint64) (uint64, error) {
	return w.r.Uint(addr, w.ptrSize())
}

// links yields every entry of the circular list anchored at head. It stops
// on returning to head, on a null link or when a link cannot be read.
func (w walker[P]) links(head uint64) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		link, err := w.ptr(head)
		for i := 0; err == nil && link != 0 && link != head; i++ {
			if i >= maxLinks {
				log.Warnf("list at %#x exceeds %d entries", head, maxLinks)
				return
			}
			if !yield(link) {
				return
			}
			link, err = w.ptr(link)
		}
		if err != nil {
			log.WithError(err).Debugf("list at %#x ends early", head)
		}
	}
}

// entries yields the objects holding each list entry at off.
func (w walker[P]) entries(head, off uint64) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for link := range w.links(head) {
			if !yield(link - off) {
				return
			}
		}
	}
}

// modules yields the loader entries of the PEB_LDR_DATA at ldr.
func (w walker[P]) modules(ldr uint64) iter.Seq[models.Mod] {
	return func(yield func(models.Mod) bool) {
		for id := range w.entries(ldr+w.l.moduleList, w.l.links) {
			if !yield(models.Mod{ID: id}) {
				return
			}
		}
	}
}

func (w walker[P]) span(entry uint64) (models.Span, error) {
	base, err := w.ptr(entry + w.l.dllBase)
	if err != nil {
		return models.Span{}, err
	}
	size, err := w.r.Le32(entry + w.l.size)
	if err != nil {
		return models.Span{}, err
	}
	return models.Span{Addr: base, Size: uint64(size)}, nil
}

func (w walker[P]) name(entry uint64) (string, error) {
	return w.unicode(entry + w.l.name)
}

// unicodeString is the width independent head of a UNICODE_STRING.
type unicodeString struct {
	Length        uint16
	MaximumLength uint16
}

// unicode decodes the UNICODE_STRING at addr.
func (w walker[P]) unicode(addr uint64) (string, error) {
	var head unicodeString
	if err := w.r.Unpack(addr, &head); err != nil {
		return "", errors.Wrap(err, "unable to read UNICODE_STRING")
	}
	length := head.Length
	if length > head.MaximumLength {
		return "", errors.Wrapf(models.ErrCorrupted, "UNICODE_STRING at %#x: length %d > %d", addr, length, head.MaximumLength)
	}
	buffer, err := w.ptr(addr + uint64(w.ptrSize()))
	if err != nil {
		return "", errors.Wrap(err, "unable to read UNICODE_STRING")
	}
	if length == 0 {
		return "", nil
	}
	raw := make([]byte, length)
	if err := w.r.Read(raw, buffer); err != nil {
		return "", errors.Wrap(err, "unable to read UNICODE_STRING.Buffer")
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// list adapts an iterator to a walk callback.
func list[T any](seq iter.Seq[T], fn func(T) models.Walk) {
	for v := range seq {
		if fn(v) == models.WalkStop {
			return
		}
	}
}
