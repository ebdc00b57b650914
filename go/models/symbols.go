package models

import "fmt"

// Cursor locates an address relative to the nearest preceding symbol.
type Cursor struct {
	Module string
	Symbol string
	Offset uint64
}

func (c Cursor) String() string {
	if c.Symbol == "" {
		return fmt.Sprintf("%s+%#x", c.Module, c.Offset)
	}
	if c.Offset == 0 {
		return c.Module + "!" + c.Symbol
	}
	return fmt.Sprintf("%s!%s+%#x", c.Module, c.Symbol, c.Offset)
}

// Symbols resolves names to addresses and structure member offsets.
type Symbols interface {
	// Insert loads debug information for a module mapped at span.
	Insert(module string, span Span, image []byte) error
	Symbol(module, name string) (uint64, error)
	StrucOffset(module, struc, member string) (uint64, error)
	Find(addr uint64) (Cursor, error)
}
