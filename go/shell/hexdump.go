package shell

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const dumpLine = 16

func printable(p []byte) string {
	o := make([]byte, len(p))
	for i, c := range p {
		if c >= 0x20 && c <= 0x7e {
			o[i] = c
		} else {
			o[i] = '.'
		}
	}
	return string(o)
}

// HexDump renders mem in lines of 16 bytes, grouped in blocks of group bytes.
func HexDump(base uint64, mem []byte, group int) []string {
	if group <= 0 || dumpLine%group != 0 {
		group = 1
	}
	var out []string
	blocks := make([]string, dumpLine/group)
	for off := 0; off < len(mem); off += dumpLine {
		line := mem[off:min(off+dumpLine, len(mem))]
		for i := range blocks {
			start := i * group
			if start >= len(line) {
				blocks[i] = strings.Repeat(" ", group*2)
				continue
			}
			block := hex.EncodeToString(line[start:min(start+group, len(line))])
			blocks[i] = block + strings.Repeat(" ", group*2-len(block))
		}
		out = append(out, fmt.Sprintf("0x%016x: %s  %s", base+uint64(off), strings.Join(blocks, " "), printable(line)))
	}
	return out
}
