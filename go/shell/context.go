package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/core"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/state"
)

type breakpoint struct {
	*state.Breakpoint
	where  string
	proc   models.Proc
	filter models.Filter
	hits   int
}

// Context is the state shared by the commands of one shell.
type Context struct {
	io.Writer
	*core.Core
	Color bool

	bps    map[int]*breakpoint
	nextBp int
}

func NewContext(w io.Writer, c *core.Core) *Context {
	return &Context{
		Writer: w,
		Core:   c,
		bps:    make(map[int]*breakpoint),
		nextBp: 1,
	}
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

func (c *Context) color(s, style string) string {
	if !c.Color {
		return s
	}
	return ansi.Color(s, style)
}

// current falls back to the memory layer's address space when the walker
// cannot name the running process.
func (c *Context) current() models.Proc {
	if proc, err := c.Os.ProcCurrent(); err == nil {
		return proc
	}
	return models.Proc{Dtb: c.Mem.Current()}
}

func (c *Context) proc(pid uint64) (models.Proc, error) {
	proc, err := c.Os.ProcFindPid(pid)
	if err != nil {
		return proc, errors.Wrapf(err, "pid %d", pid)
	}
	return proc, nil
}

// Resolve accepts a number or module!symbol, either followed by +offset.
func Resolve(syms models.Symbols, expr string) (uint64, error) {
	base, off := expr, ""
	if i := strings.LastIndex(expr, "+"); i > 0 {
		base, off = expr[:i], expr[i+1:]
	}
	var addr uint64
	if mod, sym, ok := strings.Cut(base, "!"); ok {
		var err error
		if addr, err = syms.Symbol(mod, sym); err != nil {
			return 0, errors.Wrapf(err, "symbol %s", base)
		}
	} else {
		var err error
		if addr, err = parseUint(base); err != nil {
			return 0, err
		}
	}
	if off != "" {
		n, err := parseUint(off)
		if err != nil {
			return 0, err
		}
		addr += n
	}
	return addr, nil
}

func (c *Context) resolve(expr string) (uint64, error) {
	return Resolve(c.Symbols, expr)
}

func (c *Context) describe(addr uint64) string {
	if cur, err := c.Symbols.Find(addr); err == nil {
		return fmt.Sprintf("%#x %s", addr, cur)
	}
	return fmt.Sprintf("%#x", addr)
}

// Close releases the breakpoints set from this shell.
func (c *Context) Close() {
	for n, bp := range c.bps {
		bp.Close()
		delete(c.bps, n)
	}
}
