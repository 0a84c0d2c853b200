// Package config handles rcore.toml / rcore.yaml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/rcore/vm"
)

// File names searched for, in order of preference.
var FileNames = []string{"rcore.toml", "rcore.yaml", "rcore.yml"}

// Config is the runtime configuration of an rcore process.
type Config struct {
	Runtime Runtime `toml:"runtime" yaml:"runtime"`
	Session Session `toml:"session" yaml:"session"`
	Log     Log     `toml:"log" yaml:"log"`
	Image   Image   `toml:"image" yaml:"image"`

	// Dir is the directory containing the configuration file (set at
	// load time).
	Dir string `toml:"-" yaml:"-"`
	// Path is the file the configuration was read from.
	Path string `toml:"-" yaml:"-"`
}

// Runtime configures the evaluator.
type Runtime struct {
	MaxMethodNameLength int   `toml:"max-method-name-length" yaml:"max-method-name-length"`
	MaxDepth            int   `toml:"max-depth" yaml:"max-depth"`
	MethodDispatch      *bool `toml:"method-dispatch" yaml:"method-dispatch"`
	EagerPromises       *bool `toml:"eager-promises" yaml:"eager-promises"`
}

// Session configures session creation.
type Session struct {
	Kind    string `toml:"kind" yaml:"kind"`
	Workers int    `toml:"workers" yaml:"workers"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Image configures the snapshot image loaded at startup and saved on
// exit.
type Image struct {
	Path string `toml:"path" yaml:"path"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	opts := vm.DefaultOptions()
	if c.Runtime.MaxMethodNameLength <= 0 {
		c.Runtime.MaxMethodNameLength = opts.MaxMethodNameLength
	}
	if c.Runtime.MaxDepth <= 0 {
		c.Runtime.MaxDepth = opts.MaxDepth
	}
	if c.Runtime.MethodDispatch == nil {
		c.Runtime.MethodDispatch = &opts.MethodDispatch
	}
	if c.Runtime.EagerPromises == nil {
		c.Runtime.EagerPromises = &opts.EagerPromises
	}
	if c.Session.Kind == "" {
		c.Session.Kind = vm.ShareNothing.String()
	}
}

// Load parses the configuration file in dir.
func Load(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no %s in %s: %w", FileNames[0], dir, os.ErrNotExist)
}

// LoadFile parses one configuration file. The format follows the
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		return nil, fmt.Errorf("unknown configuration format %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Path = path
	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a configuration file, then
// loads it. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		c, err := Load(dir)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := vm.ParseContextKind(c.Session.Kind); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.Session.Workers < 0 {
		return fmt.Errorf("session: workers must not be negative")
	}
	return nil
}

// VMOptions returns the runtime options described by the configuration.
func (c *Config) VMOptions() vm.Options {
	opts := vm.DefaultOptions()
	opts.MaxMethodNameLength = c.Runtime.MaxMethodNameLength
	opts.MaxDepth = c.Runtime.MaxDepth
	if c.Runtime.MethodDispatch != nil {
		opts.MethodDispatch = *c.Runtime.MethodDispatch
	}
	if c.Runtime.EagerPromises != nil {
		opts.EagerPromises = *c.Runtime.EagerPromises
	}
	return opts
}

// SessionKind returns the configured kind of forked sessions.
func (c *Config) SessionKind() vm.ContextKind {
	k, _ := vm.ParseContextKind(c.Session.Kind)
	return k
}

// ImagePath returns the image path resolved against Dir, or "".
func (c *Config) ImagePath() string {
	if c.Image.Path == "" || filepath.IsAbs(c.Image.Path) || c.Dir == "" {
		return c.Image.Path
	}
	return filepath.Join(c.Dir, c.Image.Path)
}

// LogPath returns the log file resolved against Dir, or "" for stderr.
func (c *Config) LogPath() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) || c.Dir == "" {
		return c.Log.File
	}
	return filepath.Join(c.Dir, c.Log.File)
}
