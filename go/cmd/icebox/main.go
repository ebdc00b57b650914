package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/core"
	"github.com/lunixbochs/icebox/go/models"
	"github.com/lunixbochs/icebox/go/snapshot"
)

var log = logrus.WithField("module", "icebox")

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	backend    string
	target     string
	logLevel   string
	symbols    strslice

	config *models.Config
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "config file (default: icebox/config.toml in the user config folder)")
	fs.StringVar(&o.backend, "backend", "snapshot", "guest transport")
	fs.StringVar(&o.target, "target", "", "guest to attach to (default: snapshot from config)")
	fs.StringVar(&o.logLevel, "log", "", "log level (default: from config)")
	fs.Var(&o.symbols, "symbols", "extra symbol database (can be repeated)")
}

func setupLogging(config *models.Config, level string) error {
	if level == "" {
		level = config.LogLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "bad log level")
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		ForceColors:      config.Color && isatty.IsTerminal(os.Stderr.Fd()),
	})
	logrus.SetOutput(colorable.NewColorableStderr())
	return nil
}

func (o *options) setup() error {
	config, err := models.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	config.Symbols = append(config.Symbols, o.symbols...)
	o.config = config
	return setupLogging(config, o.logLevel)
}

// attach opens the guest and runs the NT setup on it.
func (o *options) attach() (*core.Core, error) {
	target := o.target
	if target == "" && o.backend == "snapshot" {
		target = o.config.Path(o.config.Snapshot)
	}
	if target == "" {
		return nil, errors.New("no target given and no snapshot in config")
	}
	syms, err := core.LoadSymbols(o.config)
	if err != nil {
		return nil, err
	}
	hv, err := core.Open(o.backend, target)
	if err != nil {
		return nil, err
	}
	log.WithField("target", target).Info("attaching")
	return core.Attach(hv, syms)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// PrintError prints err with the stack trace of its innermost wrap when
// one was recorded.
func PrintError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	var tracer stackTracer
	for e := err; e != nil; {
		if t, ok := e.(stackTracer); ok {
			tracer = t
		}
		c, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = c.Cause()
	}
	if tracer == nil {
		return
	}
	var frames [][2]string
	width := 0
	for _, f := range tracer.StackTrace() {
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)
		frames = append(frames, [2]string{fileline, method})
		width = max(width, len(fileline))
		if method == "main" {
			break
		}
	}
	for _, f := range frames {
		fmt.Fprintf(os.Stderr, "%s%s | %s()\n", f[0], strings.Repeat(" ", width-len(f[0])), f[1])
	}
}

func openSnapshot(target string) (models.Hypervisor, error) {
	vm, err := snapshot.Open(target)
	if err != nil {
		return nil, err
	}
	return vm, nil
}

func main() {
	core.RegisterBackend("snapshot", openSnapshot)

	opts := &options{}
	opts.register(flag.CommandLine)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&psCmd{opts: opts}, "walk")
	subcommands.Register(&driversCmd{opts: opts}, "walk")
	subcommands.Register(&modsCmd{opts: opts}, "walk")
	subcommands.Register(&shellCmd{opts: opts}, "debug")
	subcommands.Register(&traceCmd{opts: opts}, "debug")
	subcommands.Register(&dumpCmd{opts: opts}, "snapshot")

	flag.Parse()
	if err := opts.setup(); err != nil {
		PrintError(err)
		os.Exit(int(subcommands.ExitFailure))
	}
	os.Exit(int(subcommands.Execute(context.Background())))
}
