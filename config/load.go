package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/pelletier/go-toml"

	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
)

// Load reads a config file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Decode reads a config file on top of the defaults without validating it,
// so a caller can still override fields. Files ending in .toml are parsed as
// TOML, anything else as HCL.
func Decode(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.IOFailure, err, "config: reading %s", path)
	}
	var vars map[string]interface{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		tree, err := toml.Load(string(b))
		if err != nil {
			return nil, errors.Wrap(errors.ValidationError, err, "config: parsing %s", path)
		}
		vars = tree.ToMap()
	} else {
		err = hcl.Decode(&vars, string(b))
		if err != nil {
			return nil, errors.Wrap(errors.ValidationError, err, "config: parsing %s", path)
		}
	}

	cfg := Default("")
	if err := cfg.apply(vars); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(vars map[string]interface{}) error {
	for name, val := range vars {
		var err error
		switch name {
		case "dir":
			c.Dir, err = toString(val)
		case "log_level":
			c.LogLevel, err = toString(val)
		case "buffer_pool_size":
			var n int64
			n, err = toInt(val)
			c.BufferPoolSize = uint32(n)
		case "max_pages_per_file":
			var n int64
			n, err = toInt(val)
			c.MaxPagesPerFile = int32(n)
		case "mvcc_enabled":
			c.MVCCEnabled, err = toBool(val)
		case "on_memory":
			c.OnMemory, err = toBool(val)
		case "default_isolation":
			var s string
			s, err = toString(val)
			if err == nil {
				c.DefaultIsolation, err = mvcc.ParseIsolationLevel(s)
			}
		case "lock_timeout_ms":
			c.LockTimeoutMs, err = toInt(val)
		case "deadlock_check_interval_ms":
			c.DeadlockCheckIntervalMs, err = toInt(val)
		case "checkpoint_interval_sec":
			c.CheckpointIntervalSec, err = toInt(val)
		case "gc_interval_sec":
			c.GCIntervalSec, err = toInt(val)
		case "gc_safety_margin_ms":
			c.GCSafetyMarginMs, err = toInt(val)
		default:
			return errors.New(errors.ValidationError, "config: %s is not a config variable", name)
		}
		if err != nil {
			return errors.Wrap(errors.ValidationError, err, "config: %s", name)
		}
	}
	return nil
}

func toString(val interface{}) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", val)
	}
	return s, nil
}

func toBool(val interface{}) (bool, error) {
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("expected a bool, got %T", val)
	}
	return b, nil
}

func toInt(val interface{}) (int64, error) {
	switch n := val.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", val)
	}
}
