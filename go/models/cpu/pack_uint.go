package cpu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return errors.Errorf("unsupported uint size: %d", size)
}

// AppendUint appends the low size bytes of n to buf.
func AppendUint(order binary.AppendByteOrder, buf []byte, size int, n uint64) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	switch size {
	case 1:
		return append(buf, byte(n)), nil
	case 2:
		return order.AppendUint16(buf, uint16(n)), nil
	case 4:
		return order.AppendUint32(buf, uint32(n)), nil
	}
	return order.AppendUint64(buf, n), nil
}

// PackUint returns the low size bytes of n.
func PackUint(order binary.AppendByteOrder, size int, n uint64) ([]byte, error) {
	return AppendUint(order, make([]byte, 0, size), size, n)
}

// UnpackUint reads a size byte integer from the head of buf.
func UnpackUint(order binary.ByteOrder, size int, buf []byte) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, errors.Errorf("short buffer for uint%d: %d bytes", size*8, len(buf))
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf)), nil
	case 4:
		return uint64(order.Uint32(buf)), nil
	}
	return order.Uint64(buf), nil
}
