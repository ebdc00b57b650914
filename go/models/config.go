package models

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
)

const ConfigName = "config.toml"

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	// guest snapshot opened when no backend is given
	Snapshot string `toml:"snapshot"`
	// symbol database files, relative paths resolve against the config file
	Symbols  []string `toml:"symbols"`
	LogLevel string   `toml:"log_level"`
	Color    bool     `toml:"color"`
	// wall-clock bound for sample sessions
	Timeout Duration `toml:"timeout"`
	History bool     `toml:"history"`

	dir string
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Color:    true,
		Timeout:  Duration{5 * time.Minute},
		History:  true,
	}
}

// LoadConfig decodes path, or the first config.toml found in the icebox config
// folders when path is empty. A missing default config is not an error.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		dirs := configdir.New("icebox", "")
		folder := dirs.QueryFolderContainsFile(ConfigName)
		if folder == nil {
			return c, nil
		}
		path = filepath.Join(folder.Path, ConfigName)
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrapf(err, "failed to load config %s", path)
	}
	c.dir = filepath.Dir(path)
	return c, nil
}

// Path resolves a path from the config relative to the config file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return filepath.Join(c.dir, p)
}
