package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
)

func writeFile(t *testing.T, name string, body string) string {
	path := filepath.Join(t.TempDir(), name)
	testingpkg.Ok(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "easydb.toml", `
dir = "/var/lib/easydb"
buffer_pool_size = 128
mvcc_enabled = false
default_isolation = "READ_COMMITTED"
lock_timeout_ms = 250
`)
	cfg, err := Load(path)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, "/var/lib/easydb", cfg.Dir)
	testingpkg.Equals(t, uint32(128), cfg.BufferPoolSize)
	testingpkg.AssertFalse(t, cfg.MVCCEnabled, "mvcc disabled by file")
	testingpkg.Equals(t, mvcc.ReadCommitted, cfg.DefaultIsolation)
	testingpkg.Equals(t, int64(250), cfg.LockTimeoutMs)
	// untouched values keep their defaults
	testingpkg.Equals(t, int64(1000), cfg.DeadlockCheckIntervalMs)
}

func TestLoadHCL(t *testing.T) {
	path := writeFile(t, "easydb.hcl", `
dir = "/tmp/db"
checkpoint_interval_sec = 5
gc_safety_margin_ms = 10
`)
	cfg, err := Load(path)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, "/tmp/db", cfg.Dir)
	testingpkg.Equals(t, int64(5), cfg.CheckpointIntervalSec)
	testingpkg.Equals(t, int64(10), cfg.GCSafetyMarginMs)
	testingpkg.Assert(t, cfg.MVCCEnabled, "mvcc on by default")
}

func TestLoadRejectsUnknownAndInvalid(t *testing.T) {
	_, err := Load(writeFile(t, "bad.hcl", `no_such_var = 1`))
	testingpkg.Assert(t, errors.Is(err, errors.ValidationError), "unknown variable is a validation error")

	_, err = Load(writeFile(t, "small.toml", "dir = \"/x\"\nbuffer_pool_size = 1\n"))
	testingpkg.Assert(t, errors.Is(err, errors.ValidationError), "tiny pool rejected")
}
