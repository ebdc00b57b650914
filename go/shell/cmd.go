// Package shell implements the interactive introspection commands.
package shell

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/icebox/go/models"
)

var log = logrus.WithField("module", "shell")

// Command has one Run form per accepted argument count. Each form is a func
// taking *Context followed by its arguments.
type Command struct {
	Name  string
	Usage string
	Desc  string
	Run   []interface{}
}

var Commands = make(map[string]*Command)

func cmd(c *Command) *Command {
	for _, run := range c.Run {
		fn := reflect.ValueOf(run)
		if !fn.IsValid() || fn.Kind() != reflect.Func || fn.Type().NumIn() == 0 {
			panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", run, run))
		}
	}
	Commands[c.Name] = c
	return c
}

// form picks the Run func taking argc arguments after the context.
func (c *Command) form(argc int) interface{} {
	for _, run := range c.Run {
		if reflect.TypeOf(run).NumIn() == argc+1 {
			return run
		}
	}
	return nil
}

func Names() []string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid number %q", s)
	}
	return n, nil
}

func argCodec(arg interface{}, vals []interface{}) error {
	if ctx, ok := vals[0].(*Context); ok {
		if v, ok := arg.(**Context); ok {
			*v = ctx
			return nil
		}
		return argjoy.NoMatch
	}
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
	case *uint64:
		n, err := parseUint(s)
		if err != nil {
			return err
		}
		*v = n
	case *int:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return errors.Errorf("invalid number %q", s)
		}
		*v = int(n)
	case *models.Join:
		switch strings.ToLower(s) {
		case "user":
			*v = models.JoinUserMode
		case "kernel", "any":
			*v = models.JoinAnyMode
		default:
			return errors.Errorf("invalid mode %q (user or kernel)", s)
		}
	default:
		return argjoy.NoMatch
	}
	return nil
}

var aj = argjoy.NewArgjoy()

func init() {
	aj.Register(argCodec)
}

// Run parses and executes one command line. Command failures are printed,
// only a missing context is returned as an error.
func Run(c *Context, line string) error {
	if c == nil || c.Core == nil {
		return errors.New("shell is not attached")
	}
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	cmd, ok := Commands[name]
	if !ok {
		c.Printf("command not found.\n")
		return nil
	}
	run := cmd.form(len(args))
	if run == nil {
		c.Printf("usage: %s %s\n", cmd.Name, cmd.Usage)
		return nil
	}
	vals := make([]interface{}, 0, len(args)+1)
	vals = append(vals, c)
	for _, arg := range args {
		vals = append(vals, arg)
	}
	log.WithField("cmd", name).Debug("run")
	out, err := aj.Call(run, vals...)
	if err != nil {
		c.Printf("error: %v\n", err)
	}
	if len(out) > 0 {
		if err, ok := out[0].(error); ok && err != nil {
			c.Printf("error: %v\n", err)
		}
	}
	return nil
}

var HelpCmd = cmd(&Command{
	Name: "help",
	Desc: "List commands.",
	Run: []interface{}{
		func(c *Context) {
			for _, name := range Names() {
				cmd := Commands[name]
				c.Printf("  %s\n", c.color(fmt.Sprintf("%-24s", strings.TrimSpace(name+" "+cmd.Usage)), "default+b")+cmd.Desc)
			}
		},
	},
})
