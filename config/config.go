// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the settings of session containers and storages from a
// YAML file and environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flamego/stately"
	"github.com/flamego/stately/mongo"
	"github.com/flamego/stately/mysql"
	"github.com/flamego/stately/postgres"
	"github.com/flamego/stately/redis"
	"github.com/flamego/stately/sqlite"
)

// DefaultEnvPrefix is the default prefix of environment variables, e.g.
// STATELY_GC_MAXLIFETIME sets gc.maxlifetime.
const DefaultEnvPrefix = "STATELY_"

// GC contains the garbage collection settings.
type GC struct {
	MaxLifetime int `koanf:"maxlifetime"` // In seconds
	Probability int `koanf:"probability"`
	Divisor     int `koanf:"divisor"`
}

// File contains the settings of the file storage.
type File struct {
	Root        string        `koanf:"root"`
	Levels      int           `koanf:"levels"`
	Mode        uint32        `koanf:"mode"`
	LockTimeout time.Duration `koanf:"locktimeout"`
	// SavePath is the "N;path" or "N;MODE;path" form, it overrides Root, Levels
	// and Mode when set.
	SavePath string `koanf:"savepath"`
}

// Redis contains the settings of the Redis storage.
type Redis struct {
	Addr   string `koanf:"addr"`
	Prefix string `koanf:"prefix"`
}

// SQL contains the settings of a SQL storage.
type SQL struct {
	DSN string `koanf:"dsn"`
}

// Mongo contains the settings of the MongoDB storage.
type Mongo struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

// Config is the loaded configuration.
type Config struct {
	Backend string `koanf:"backend"`
	Cookie  struct {
		Name string `koanf:"name"`
	} `koanf:"cookie"`
	GC       GC    `koanf:"gc"`
	File     File  `koanf:"file"`
	Redis    Redis `koanf:"redis"`
	SQLite   SQL   `koanf:"sqlite"`
	Postgres SQL   `koanf:"postgres"`
	MySQL    SQL   `koanf:"mysql"`
	Mongo    Mongo `koanf:"mongo"`
}

// defaults returns the values used for keys set by no source.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"backend": "memory",
		"cookie": map[string]interface{}{
			"name": "SESSION",
		},
		"gc": map[string]interface{}{
			"maxlifetime": int(stately.DefaultGCPolicy.MaxLifetime / time.Second),
			"probability": stately.DefaultGCPolicy.Probability,
			"divisor":     stately.DefaultGCPolicy.Divisor,
		},
		"file": map[string]interface{}{
			"root":        "sessions",
			"mode":        0600,
			"locktimeout": stately.DefaultLockTimeout,
		},
		"redis": map[string]interface{}{
			"prefix": "stately:",
		},
	}
}

// mapProvider is a koanf provider that reads from a nested map.
type mapProvider map[string]interface{}

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]interface{}, error) {
	return m, nil
}

// Loader loads the configuration from defaults, an optional YAML file and
// environment variables, later sources taking precedence.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the prefix of environment variables.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the path of the YAML file.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader returns a new Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads and returns the configuration.
func (l *Loader) Load() (*Config, error) {
	err := l.k.Load(mapProvider(defaults()), nil)
	if err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if l.filePath != "" {
		err = l.k.Load(file.Provider(l.filePath), yaml.Parser())
		if err != nil {
			return nil, errors.Wrapf(err, "load file %q", l.filePath)
		}
	}

	// STATELY_FILE_LOCKTIMEOUT -> file.locktimeout
	err = l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "load env")
	}

	var cfg Config
	err = l.k.Unmarshal("", &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal")
	}
	return &cfg, nil
}

// Load loads the configuration with the YAML file at given path, which may be
// empty, and environment variables of DefaultEnvPrefix.
func Load(path string) (*Config, error) {
	return NewLoader(WithConfigFile(path)).Load()
}

// ParseSavePath parses the save path of the file storage in the form of
// "path", "N;path" or "N;MODE;path", where N is the number of subdirectory
// levels and MODE is the octal permission bits of session files. A mode of 0
// is returned when MODE is absent.
func ParseSavePath(savePath string) (root string, levels int, mode os.FileMode, err error) {
	parts := strings.Split(savePath, ";")
	switch len(parts) {
	case 1:
		return parts[0], 0, 0, nil
	case 2, 3:
	default:
		return "", 0, 0, errors.Errorf("malformed save path %q", savePath)
	}

	levels, err = strconv.Atoi(parts[0])
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "parse levels of save path %q", savePath)
	} else if levels < 0 {
		return "", 0, 0, &stately.RangeError{Field: "PathLevels", Value: int64(levels), Reason: "must not be negative"}
	}

	if len(parts) == 3 {
		m, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return "", 0, 0, errors.Wrapf(err, "parse mode of save path %q", savePath)
		}
		mode = os.FileMode(m)
	}
	return parts[len(parts)-1], levels, mode, nil
}

// Container returns the session container configuration.
func (c *Config) Container() stately.Config {
	return stately.Config{
		CookieName: c.Cookie.Name,
		GC: stately.GCPolicy{
			MaxLifetime: time.Duration(c.GC.MaxLifetime) * time.Second,
			Probability: c.GC.Probability,
			Divisor:     c.GC.Divisor,
		},
	}
}

// FileConfig returns the file storage configuration.
func (c *Config) FileConfig() (stately.FileConfig, error) {
	cfg := stately.FileConfig{
		RootDir:     c.File.Root,
		PathLevels:  c.File.Levels,
		FileMode:    os.FileMode(c.File.Mode),
		LockTimeout: c.File.LockTimeout,
	}
	if c.File.SavePath == "" {
		return cfg, nil
	}

	root, levels, mode, err := ParseSavePath(c.File.SavePath)
	if err != nil {
		return cfg, err
	}
	cfg.RootDir = root
	cfg.PathLevels = levels
	if mode != 0 {
		cfg.FileMode = mode
	}
	return cfg, nil
}

// Storage returns the Initer and its configuration object of the configured
// backend, to be used as stately.Options.Initer and stately.Options.Config.
func (c *Config) Storage() (stately.Initer, interface{}, error) {
	switch c.Backend {
	case "", "memory":
		return stately.MemoryIniter(), stately.MemoryConfig{}, nil
	case "file":
		cfg, err := c.FileConfig()
		if err != nil {
			return nil, nil, err
		}
		return stately.FileIniter(), cfg, nil
	case "redis":
		return redis.Initer(), redis.Config{
			Options:   &redis.Options{Addr: c.Redis.Addr},
			KeyPrefix: c.Redis.Prefix,
		}, nil
	case "sqlite":
		return sqlite.Initer(), sqlite.Config{DSN: c.SQLite.DSN, InitTable: true}, nil
	case "postgres":
		return postgres.Initer(), postgres.Config{DSN: c.Postgres.DSN, InitTable: true}, nil
	case "mysql":
		return mysql.Initer(), mysql.Config{DSN: c.MySQL.DSN, InitTable: true}, nil
	case "mongo":
		return mongo.Initer(), mongo.Config{
			Options:  options.Client().ApplyURI(c.Mongo.URI),
			Database: c.Mongo.Database,
		}, nil
	}
	return nil, nil, errors.Errorf("unknown backend %q", c.Backend)
}
