package shell

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/shibukawa/configdir"

	"github.com/lunixbochs/icebox/go/models"
)

type Repl struct {
	ctx *Context
	rl  *readline.Instance
}

func historyPath() string {
	configDirs := configdir.New("icebox", "shell")
	cacheDir := configDirs.QueryCacheFolder()
	if err := cacheDir.MkdirAll(); err != nil {
		log.WithError(err).Warn("no history folder")
		return ""
	}
	return filepath.Join(cacheDir.Path, "history")
}

func completer() readline.AutoCompleter {
	var items []readline.PrefixCompleterInterface
	for _, name := range Names() {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// NewRepl opens a line editor writing command output to its stdout. History is
// kept in the user cache folder when history is set.
func NewRepl(ctx *Context, history bool) (*Repl, error) {
	config := &readline.Config{
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	}
	if history {
		config.HistoryFile = historyPath()
	}
	rl, err := readline.NewEx(config)
	if err != nil {
		return nil, err
	}
	ctx.Writer = rl.Stdout()
	return &Repl{ctx: ctx, rl: rl}, nil
}

func (r *Repl) setPrompt() {
	rip, err := r.ctx.Hv.ReadRegister(models.RegRip)
	if err != nil {
		r.rl.SetPrompt("> ")
		return
	}
	r.rl.SetPrompt(r.ctx.color(fmt.Sprintf("%#x> ", rip), "green"))
}

// Run reads commands until EOF.
func (r *Repl) Run() error {
	defer r.Close()
	for {
		r.setPrompt()
		line, err := r.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := Run(r.ctx, line); err != nil {
			return err
		}
	}
}

func (r *Repl) Close() {
	r.ctx.Close()
	r.rl.Close()
}
