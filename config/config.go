// Package config holds the runtime settings of an engine instance.
package config

import (
	"fmt"
	"time"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
)

type Config struct {
	Dir                     string
	BufferPoolSize          uint32
	MaxPagesPerFile         int32
	MVCCEnabled             bool
	DefaultIsolation        mvcc.IsolationLevel
	LockTimeoutMs           int64
	DeadlockCheckIntervalMs int64
	CheckpointIntervalSec   int64
	GCIntervalSec           int64
	GCSafetyMarginMs        int64
	OnMemory                bool
	LogLevel                string
}

func Default(dir string) *Config {
	return &Config{
		Dir:                     dir,
		BufferPoolSize:          common.BufferPoolMaxFrameNumForTest,
		MaxPagesPerFile:         common.DefaultMaxPagesPerFile,
		MVCCEnabled:             true,
		DefaultIsolation:        mvcc.RepeatableRead,
		LockTimeoutMs:           common.DefaultLockTimeoutMs,
		DeadlockCheckIntervalMs: common.DefaultDeadlockCheckIntervalMs,
		CheckpointIntervalSec:   common.DefaultCheckpointIntervalSec,
		GCIntervalSec:           common.DefaultGCIntervalSec,
		GCSafetyMarginMs:        common.DefaultGCSafetyMarginMs,
		LogLevel:                "info",
	}
}

func (c *Config) Validate() error {
	if c.Dir == "" && !c.OnMemory {
		return errors.New(errors.ValidationError, "config: dir must be set")
	}
	if c.BufferPoolSize < 4 {
		return errors.New(errors.ValidationError, "config: buffer_pool_size must be at least 4, got %d", c.BufferPoolSize)
	}
	if c.MaxPagesPerFile <= 0 {
		return errors.New(errors.ValidationError, "config: max_pages_per_file must be positive")
	}
	if c.DeadlockCheckIntervalMs <= 0 || c.CheckpointIntervalSec < 0 || c.GCIntervalSec < 0 {
		return errors.New(errors.ValidationError, "config: intervals must not be negative")
	}
	if c.GCSafetyMarginMs < 0 {
		return errors.New(errors.ValidationError, "config: gc_safety_margin_ms must not be negative")
	}
	return nil
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

func (c *Config) DeadlockCheckInterval() time.Duration {
	return time.Duration(c.DeadlockCheckIntervalMs) * time.Millisecond
}

func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSec) * time.Second
}

func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSec) * time.Second
}

func (c *Config) GCSafetyMargin() time.Duration {
	return time.Duration(c.GCSafetyMarginMs) * time.Millisecond
}

func (c *Config) String() string {
	return fmt.Sprintf("dir=%s pool=%d mvcc=%v isolation=%s", c.Dir, c.BufferPoolSize, c.MVCCEnabled, c.DefaultIsolation)
}
