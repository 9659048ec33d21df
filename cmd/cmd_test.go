package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/LUPENGHAN/EASYDB/config"
	"github.com/LUPENGHAN/EASYDB/easydb"
	"github.com/LUPENGHAN/EASYDB/recovery"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

func openOnMemory(t *testing.T) *easydb.EasyDB {
	c := config.Default("")
	c.OnMemory = true
	c.CheckpointIntervalSec = 0
	c.GCIntervalSec = 0
	db, err := easydb.Open(c)
	testingpkg.Ok(t, err)
	return db
}

func TestDumpLogListsCommittedWork(t *testing.T) {
	db := openOnMemory(t)
	defer db.Close()

	xid, err := db.Begin()
	testingpkg.Ok(t, err)
	_, err = db.Insert(xid, []byte("dumped"))
	testingpkg.Ok(t, err)
	testingpkg.Ok(t, db.Commit(xid))

	var out bytes.Buffer
	testingpkg.Ok(t, dumpLog(&out, db.GetInstance().GetLogManager(), recovery.FirstLSN, 0))
	text := out.String()
	testingpkg.Assert(t, strings.Contains(text, "INSERT"), "insert undo record listed")
	testingpkg.Assert(t, strings.Contains(text, "REDO"), "redo record listed")
	testingpkg.Assert(t, strings.Contains(text, "COMMIT"), "commit marker listed")

	out.Reset()
	testingpkg.Ok(t, dumpLog(&out, db.GetInstance().GetLogManager(), recovery.FirstLSN, 1))
	testingpkg.Assert(t, strings.Contains(out.String(), "1 records"), "limit honored")
}

func TestPrintSummaryAndStats(t *testing.T) {
	db := openOnMemory(t)
	defer db.Close()

	var out bytes.Buffer
	printSummary(&out, db.RecoverySummary())
	testingpkg.Assert(t, strings.Contains(out.String(), "losers"), "summary lists losers")

	out.Reset()
	printStats(&out, db.Stats())
	testingpkg.Assert(t, strings.Contains(out.String(), "xid counter"), "stats list the xid counter")
}

func TestXidListTruncates(t *testing.T) {
	testingpkg.Equals(t, "-", xidList(nil))
	testingpkg.Equals(t, "1 2 3", xidList([]types.TxnID{1, 2, 3}))
	long := xidList([]types.TxnID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	testingpkg.Assert(t, strings.HasSuffix(long, "(10)"), "count shown for long lists")
}
