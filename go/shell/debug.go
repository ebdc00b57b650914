package shell

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/models/cpu"
)

var assignRe = regexp.MustCompile(`^([a-z_0-9]+)=((-|0x|0b)?[0-9a-fA-F]+)$`)

func parseValue(s string) (uint64, error) {
	if s != "" && s[0] == '-' {
		n, err := strconv.ParseInt(s, 0, 64)
		return uint64(n), err
	}
	return strconv.ParseUint(s, 0, 64)
}

var RegCmd = cmd(&Command{
	Name:  "reg",
	Usage: "[name[=value]]",
	Desc:  "Read/write registers and MSRs.",
	Run: []interface{}{
		func(c *Context) error {
			for _, reg := range cpu.Sorted() {
				val, err := c.Hv.ReadRegister(reg)
				if err != nil {
					return err
				}
				c.Printf("%-8s %#x\n", cpu.Names[reg], val)
			}
			for _, msr := range []models.Msr{models.MsrLstar, models.MsrFsBase, models.MsrGsBase, models.MsrKernelGsBase} {
				if val, err := c.Hv.ReadMsr(msr); err == nil {
					c.Printf("%-8s %#x\n", cpu.MsrNames[msr], val)
				}
			}
			return nil
		},
		func(c *Context, arg string) error {
			name, set := arg, false
			var value uint64
			if match := assignRe.FindStringSubmatch(arg); match != nil {
				var err error
				if value, err = parseValue(match[2]); err != nil {
					return errors.Errorf("error parsing %s value: %v", match[1], err)
				}
				name, set = match[1], true
			}
			if reg, ok := cpu.Lookup(name); ok {
				if set {
					return c.Hv.WriteRegister(reg, value)
				}
				val, err := c.Hv.ReadRegister(reg)
				if err != nil {
					return err
				}
				c.Printf("%s %#x\n", name, val)
				return nil
			}
			if msr, ok := cpu.LookupMsr(name); ok {
				if set {
					return c.Hv.WriteMsr(msr, value)
				}
				val, err := c.Hv.ReadMsr(msr)
				if err != nil {
					return err
				}
				c.Printf("%s %#x\n", name, val)
				return nil
			}
			return errors.Errorf("reg %s not found", name)
		},
	},
})

var MemCmd = cmd(&Command{
	Name:  "mem",
	Usage: "<addr> <size>",
	Desc:  "Dump memory of the current process.",
	Run: []interface{}{
		func(c *Context, where string, size uint64) error {
			addr, err := c.resolve(where)
			if err != nil {
				return err
			}
			if size > 0x100000 {
				return errors.Errorf("size %#x is too large", size)
			}
			r, err := c.Os.ReaderSetup(c.current())
			if err != nil {
				return err
			}
			buf := make([]byte, size)
			if err := r.Read(buf, addr); err != nil {
				return err
			}
			for _, line := range HexDump(addr, buf, 8) {
				c.Printf("  %s\n", line)
			}
			return nil
		},
	},
})

var SymCmd = cmd(&Command{
	Name:  "sym",
	Usage: "<addr>",
	Desc:  "Resolve an address to the nearest symbol.",
	Run: []interface{}{
		func(c *Context, where string) error {
			addr, err := c.resolve(where)
			if err != nil {
				return err
			}
			cur, err := c.Symbols.Find(addr)
			if err != nil {
				return err
			}
			c.Printf("%#x %s\n", addr, cur)
			return nil
		},
	},
})

func (c *Context) v2p(where string, proc models.Proc) error {
	addr, err := c.resolve(where)
	if err != nil {
		return err
	}
	phy, err := c.Os.ProcResolve(proc, addr)
	if err != nil {
		return err
	}
	c.Printf("%#x -> phy %#x\n", addr, uint64(phy))
	return nil
}

var V2pCmd = cmd(&Command{
	Name:  "v2p",
	Usage: "<addr> [pid]",
	Desc:  "Translate a virtual address to physical.",
	Run: []interface{}{
		func(c *Context, where string) error {
			return c.v2p(where, c.current())
		},
		func(c *Context, where string, pid uint64) error {
			proc, err := c.proc(pid)
			if err != nil {
				return err
			}
			return c.v2p(where, proc)
		},
	},
})

func (c *Context) setBreakpoint(where string, proc models.Proc, filter models.Filter) error {
	addr, err := c.resolve(where)
	if err != nil {
		return err
	}
	if proc.ID != 0 {
		if proc, err = c.Os.ProcSelect(proc, addr); err != nil {
			return err
		}
	}
	n := c.nextBp
	bp := &breakpoint{where: where, proc: proc, filter: filter}
	bp.Breakpoint, err = c.State.SetBreakpoint(addr, proc, filter, func() {
		bp.hits++
		c.Printf("%s %s\n", c.color("breakpoint "+strconv.Itoa(n)+" hit:", "yellow+b"), c.Os.DebugString())
	})
	if err != nil {
		return err
	}
	c.nextBp++
	c.bps[n] = bp
	if bp.HardwareID() < 0 {
		c.Printf("breakpoint %d at %s is pending: no hardware breakpoint\n", n, c.describe(addr))
	} else {
		c.Printf("breakpoint %d at %s\n", n, c.describe(addr))
	}
	return nil
}

var BreakCmd = cmd(&Command{
	Name:  "break",
	Usage: "<addr|mod!sym> [pid]",
	Desc:  "Break on execution, optionally in one process only.",
	Run: []interface{}{
		func(c *Context, where string) error {
			return c.setBreakpoint(where, c.current(), models.AnyCr3)
		},
		func(c *Context, where string, pid uint64) error {
			proc, err := c.proc(pid)
			if err != nil {
				return err
			}
			return c.setBreakpoint(where, proc, models.FilterCr3)
		},
	},
})

var BpsCmd = cmd(&Command{
	Name: "bps",
	Desc: "List breakpoints.",
	Run: []interface{}{
		func(c *Context) {
			ids := make([]int, 0, len(c.bps))
			for n := range c.bps {
				ids = append(ids, n)
			}
			sort.Ints(ids)
			for _, n := range ids {
				bp := c.bps[n]
				c.Printf("%3d %-24s %s %s hits:%d\n", n, bp.where, bp.filter, bp.Breakpoint, bp.hits)
			}
		},
	},
})

var DelCmd = cmd(&Command{
	Name:  "del",
	Usage: "<n>",
	Desc:  "Delete a breakpoint.",
	Run: []interface{}{
		func(c *Context, n int) error {
			bp, ok := c.bps[n]
			if !ok {
				return errors.Errorf("no breakpoint %d", n)
			}
			bp.Close()
			delete(c.bps, n)
			return nil
		},
	},
})

func (c *Context) cont(count int) error {
	for i := 0; i < count; i++ {
		if err := c.State.Exec(); err != nil {
			return err
		}
	}
	c.Printf("%s\n", c.Os.DebugString())
	return nil
}

var ContCmd = cmd(&Command{
	Name:  "cont",
	Usage: "[n]",
	Desc:  "Resume until the guest stops n times.",
	Run: []interface{}{
		func(c *Context) error {
			return c.cont(1)
		},
		func(c *Context, count int) error {
			if count < 1 {
				return errors.Errorf("invalid count %d", count)
			}
			return c.cont(count)
		},
	},
})

var PauseCmd = cmd(&Command{
	Name: "pause",
	Desc: "Pause the guest.",
	Run: []interface{}{
		func(c *Context) error {
			if err := c.State.Pause(); err != nil {
				return err
			}
			c.Printf("%s\n", c.Os.DebugString())
			return nil
		},
	},
})

func (c *Context) join(pid uint64, mode models.Join) error {
	proc, err := c.proc(pid)
	if err != nil {
		return err
	}
	if err := c.Os.ProcJoin(proc, mode); err != nil {
		return err
	}
	c.Printf("joined %d in %s mode: %s\n", pid, mode, c.Os.DebugString())
	return nil
}

var JoinCmd = cmd(&Command{
	Name:  "join",
	Usage: "<pid> [user|kernel]",
	Desc:  "Run until a process is scheduled.",
	Run: []interface{}{
		func(c *Context, pid uint64) error {
			return c.join(pid, models.JoinAnyMode)
		},
		func(c *Context, pid uint64, mode models.Join) error {
			return c.join(pid, mode)
		},
	},
})
