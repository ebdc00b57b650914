package shell

import (
	"fmt"
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/mattn/go-runewidth"

	"github.com/lunixbochs/icebox/go/models"
)

const nameWidth = 24

func (c *Context) header(format string, a ...interface{}) {
	c.Printf("%s\n", c.color(fmt.Sprintf(format, a...), "default+b"))
}

type procRow struct {
	pid   uint64
	name  string
	proc  models.Proc
	wow64 bool
}

var PsCmd = cmd(&Command{
	Name: "ps",
	Desc: "List processes.",
	Run: []interface{}{
		func(c *Context) error {
			var rows []procRow
			for proc := range c.Os.Procs() {
				row := procRow{proc: proc, name: "?"}
				if pid, err := c.Os.ProcID(proc); err == nil {
					row.pid = pid
				}
				if name, err := c.Os.ProcName(proc); err == nil {
					row.name = name
				}
				row.wow64, _ = c.Os.ProcIsWow64(proc)
				rows = append(rows, row)
			}
			sort.SliceStable(rows, func(i, j int) bool { return rows[i].pid < rows[j].pid })
			c.header("%6s  %s %-18s %-10s", "PID", runewidth.FillRight("NAME", nameWidth), "EPROCESS", "DTB")
			for _, row := range rows {
				flags := ""
				if row.wow64 {
					flags = " wow64"
				}
				c.Printf("%6d  %s %#-18x %#-10x%s\n", row.pid, runewidth.FillRight(row.name, nameWidth), row.proc.ID, uint64(row.proc.Dtb), flags)
			}
			return nil
		},
	},
})

var ThreadsCmd = cmd(&Command{
	Name:  "threads",
	Usage: "<pid>",
	Desc:  "List the threads of a process.",
	Run: []interface{}{
		func(c *Context, pid uint64) error {
			proc, err := c.proc(pid)
			if err != nil {
				return err
			}
			c.header("%6s  %-18s %s", "TID", "ETHREAD", "PC")
			for thread := range c.Os.Threads(proc) {
				tid, _ := c.Os.ThreadID(proc, thread)
				pc := "-"
				if rip, err := c.Os.ThreadPC(proc, thread); err == nil {
					pc = c.describe(rip)
				}
				c.Printf("%6d  %#-18x %s\n", tid, thread.ID, pc)
			}
			return nil
		},
	},
})

var StackCmd = cmd(&Command{
	Name: "stack",
	Desc: "Show the stack bounds of the running thread.",
	Run: []interface{}{
		func(c *Context) error {
			span, err := c.Os.StackCurrentBounds(c.current())
			if err != nil {
				return err
			}
			mode := "x64"
			if !c.Os.ProcCtxIsX64() {
				mode = "wow64"
			}
			c.Printf("stack %s (%s)\n", span, mode)
			return nil
		},
	},
})

func (c *Context) printMod(name string, span models.Span, tag string) {
	c.Printf("  %s %s%s\n", runewidth.FillRight(span.String(), 36), name, tag)
}

var ModsCmd = cmd(&Command{
	Name:  "mods",
	Usage: "<pid>",
	Desc:  "List the user modules of a process, wow64 modules included.",
	Run: []interface{}{
		func(c *Context, pid uint64) error {
			proc, err := c.proc(pid)
			if err != nil {
				return err
			}
			mods, err := c.Os.Mods(proc)
			if err != nil {
				return err
			}
			for mod := range mods {
				name, _ := c.Os.ModName(proc, mod)
				span, _ := c.Os.ModSpan(proc, mod)
				c.printMod(name, span, "")
			}
			if wow64, _ := c.Os.ProcIsWow64(proc); !wow64 {
				return nil
			}
			if err := c.Os.SetupWow64(proc); err != nil {
				log.WithError(err).Warn("unable to load wntdll symbols")
			}
			mods32, err := c.Os.Mods32(proc)
			if err != nil {
				return err
			}
			for mod := range mods32 {
				name, _ := c.Os.ModName32(proc, mod)
				span, _ := c.Os.ModSpan32(proc, mod)
				c.printMod(name, span, c.color(" (32)", "cyan"))
			}
			return nil
		},
	},
})

type driverRow struct {
	name string
	span models.Span
}

var DriversCmd = cmd(&Command{
	Name: "drivers",
	Desc: "List kernel drivers.",
	Run: []interface{}{
		func(c *Context) {
			var rows []driverRow
			for drv := range c.Os.Drivers() {
				row := driverRow{name: "?"}
				if name, err := c.Os.DriverName(drv); err == nil {
					row.name = name
				}
				row.span, _ = c.Os.DriverSpan(drv)
				rows = append(rows, row)
			}
			sort.SliceStable(rows, func(i, j int) bool { return sortorder.NaturalLess(rows[i].name, rows[j].name) })
			for _, row := range rows {
				c.printMod(row.name, row.span, "")
			}
		},
	},
})
