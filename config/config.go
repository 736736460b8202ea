// Package config holds the on-disk configuration for the delegator host.
package config

import (
	"bytes"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"github.com/chainkit/delegator/selector"
)

// Config is the top-level host configuration.
type Config struct {
	Repo     Repo
	Selector Selector
}

// Repo configures where the host keeps its datastore.
type Repo struct {
	Path string
}

// Selector configures the entry-point identifier derivation scheme. It must
// match the scheme the installed code was published with.
type Selector struct {
	Scheme string
}

func DefaultConfig() *Config {
	return &Config{
		Repo: Repo{
			Path: "~/.delegator",
		},
		Selector: Selector{
			Scheme: selector.Blake2bScheme,
		},
	}
}

// FromFile loads a config, applying defaults for absent fields.
func FromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("reading config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteFile persists cfg as TOML.
func WriteFile(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return xerrors.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// Deriver resolves the configured selector scheme.
func (c *Config) Deriver() (selector.Deriver, error) {
	switch c.Selector.Scheme {
	case selector.Blake2bScheme:
		return selector.Blake2b{}, nil
	default:
		return nil, xerrors.Errorf("unknown selector scheme %q", c.Selector.Scheme)
	}
}
