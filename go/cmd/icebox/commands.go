package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"github.com/lunixbochs/icebox/go/core"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/shell"
	"github.com/lunixbochs/icebox/go/snapshot"
	"github.com/lunixbochs/icebox/go/state"
)

// oneShot runs a single shell command against a fresh session.
func oneShot(opts *options, line string) subcommands.ExitStatus {
	c, err := opts.attach()
	if err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	defer c.Close()
	ctx := shell.NewContext(os.Stdout, c)
	defer ctx.Close()
	if err := shell.Run(ctx, line); err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type psCmd struct{ opts *options }

func (*psCmd) Name() string             { return "ps" }
func (*psCmd) Synopsis() string         { return "list guest processes" }
func (*psCmd) Usage() string            { return "ps\n" }
func (*psCmd) SetFlags(f *flag.FlagSet) {}

func (p *psCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return oneShot(p.opts, "ps")
}

type driversCmd struct{ opts *options }

func (*driversCmd) Name() string             { return "drivers" }
func (*driversCmd) Synopsis() string         { return "list guest kernel drivers" }
func (*driversCmd) Usage() string            { return "drivers\n" }
func (*driversCmd) SetFlags(f *flag.FlagSet) {}

func (d *driversCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return oneShot(d.opts, "drivers")
}

type modsCmd struct{ opts *options }

func (*modsCmd) Name() string             { return "mods" }
func (*modsCmd) Synopsis() string         { return "list the modules of a guest process" }
func (*modsCmd) Usage() string            { return "mods <pid>\n" }
func (*modsCmd) SetFlags(f *flag.FlagSet) {}

func (m *modsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return oneShot(m.opts, "mods "+f.Arg(0))
}

type shellCmd struct{ opts *options }

func (*shellCmd) Name() string             { return "shell" }
func (*shellCmd) Synopsis() string         { return "interactive introspection shell" }
func (*shellCmd) Usage() string            { return "shell\n" }
func (*shellCmd) SetFlags(f *flag.FlagSet) {}

func (s *shellCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	c, err := s.opts.attach()
	if err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	defer c.Close()
	ctx := shell.NewContext(os.Stdout, c)
	ctx.Color = s.opts.config.Color
	repl, err := shell.NewRepl(ctx, s.opts.config.History)
	if err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	if err := repl.Run(); err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type dumpCmd struct {
	opts *options
	phys string
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "save the paused guest to a snapshot file" }
func (*dumpCmd) Usage() string    { return "dump [-phys size] <output>\n" }

func (d *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.phys, "phys", "0x100000000", "bytes of physical memory to save")
}

func (d *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	size, err := strconv.ParseUint(d.phys, 0, 64)
	if err != nil {
		PrintError(errors.Wrap(err, "bad -phys"))
		return subcommands.ExitUsageError
	}
	c, err := d.opts.attach()
	if err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	defer c.Close()
	if err := snapshot.Save(f.Arg(0), c.Hv, []models.Span{{Addr: 0, Size: size}}); err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type traceCmd struct {
	opts *options
	hits int
}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "print where the guest executes an address" }
func (*traceCmd) Usage() string    { return "trace [-hits n] <addr|mod!sym> [pid]\n" }

func (t *traceCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.hits, "hits", 16, "stop after this many hits")
}

func (t *traceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := t.opts.attach()
	if err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	defer c.Close()
	var pid *uint64
	if f.NArg() == 2 {
		n, err := strconv.ParseUint(f.Arg(1), 0, 64)
		if err != nil {
			PrintError(errors.Wrap(err, "bad pid"))
			return subcommands.ExitUsageError
		}
		pid = &n
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.config.Timeout.Duration)
	defer cancel()
	if _, err := trace(ctx, os.Stdout, c, f.Arg(0), pid, t.hits); err != nil {
		PrintError(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// trace breaks on where until it was hit count times or ctx expires. pid
// restricts the breakpoint to one process.
func trace(ctx context.Context, w io.Writer, c *core.Core, where string, pid *uint64, count int) (int, error) {
	addr, err := shell.Resolve(c.Symbols, where)
	if err != nil {
		return 0, err
	}
	proc, filter := models.Proc{Dtb: c.Mem.Current()}, models.AnyCr3
	if cur, err := c.Os.ProcCurrent(); err == nil {
		proc = cur
	}
	if pid != nil {
		if proc, err = c.Os.ProcFindPid(*pid); err != nil {
			return 0, err
		}
		filter = models.FilterCr3
	}
	if proc.ID != 0 {
		if proc, err = c.Os.ProcSelect(proc, addr); err != nil {
			return 0, err
		}
	}
	hits := 0
	var bp *state.Breakpoint
	bp, err = c.State.SetBreakpoint(addr, proc, filter, func() {
		hits++
		io.WriteString(w, c.Os.DebugString()+"\n")
	})
	if err != nil {
		return 0, err
	}
	defer bp.Close()
	start := time.Now()
	for hits < count {
		if err := ctx.Err(); err != nil {
			log.WithField("hits", hits).Warn("trace timed out")
			break
		}
		if err := c.State.Exec(); err != nil {
			return hits, err
		}
	}
	log.WithField("hits", hits).WithField("elapsed", time.Since(start)).Info("trace done")
	return hits, nil
}
