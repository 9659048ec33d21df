package log_recovery

import (
	"strings"
	"testing"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/access"
	"github.com/LUPENGHAN/EASYDB/storage/buffer"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

type recoveryEnv struct {
	vdm  *disk.VirtualDiskManagerImpl
	lm   *recovery.LogManager
	bpm  *buffer.BufferPoolManager
	tm   *access.TransactionManager
	heap *access.TableHeap
	rec  *LogRecovery
}

// openEnv builds the stack on vdm and runs recovery, as opening the engine does.
func openEnv(t *testing.T, vdm *disk.VirtualDiskManagerImpl) *recoveryEnv {
	lm, err := recovery.NewLogManager(vdm)
	testingpkg.Ok(t, err)
	bpm := buffer.NewBufferPoolManager(common.BufferPoolMaxFrameNumForTest, vdm, lm)
	lm.BindDirtyPageSource(bpm)
	stateFile, err := access.OpenTxnStateFile(vdm)
	testingpkg.Ok(t, err)
	tm, err := access.NewTransactionManager(access.NewLockManager(0), lm, stateFile, nil, mvcc.RepeatableRead)
	testingpkg.Ok(t, err)
	lm.BindTxnTableSource(tm)
	heap := access.NewTableHeap(bpm, vdm, lm, tm, 50)
	rec := NewLogRecovery(vdm, bpm, lm, stateFile, heap)
	lm.BindRecoverer(rec)
	testingpkg.Ok(t, lm.Recover())
	testingpkg.Ok(t, heap.LoadFreeSpaceMap())
	return &recoveryEnv{vdm, lm, bpm, tm, heap, rec}
}

// crash loses the log buffer and every frame, then reopens the same files.
func (e *recoveryEnv) crash(t *testing.T) *recoveryEnv {
	e.lm.DiscardBufferForTesting()
	e.bpm.DropAllForTesting()
	e.vdm.CloseFilesForTesting()
	return openEnv(t, e.vdm.Reopen())
}

func (e *recoveryEnv) begin(t *testing.T) *access.Transaction {
	txn, err := e.tm.Begin()
	testingpkg.Ok(t, err)
	return txn
}

func (e *recoveryEnv) insert(t *testing.T, txn *access.Transaction, data string) page.RID {
	rid, err := e.heap.Insert(txn, []byte(data))
	testingpkg.Ok(t, err)
	return rid
}

func (e *recoveryEnv) update(t *testing.T, txn *access.Transaction, rid page.RID, data string) {
	ok, err := e.heap.Update(txn, rid, []byte(data))
	testingpkg.Ok(t, err)
	testingpkg.Assert(t, ok, "update hit a record")
}

// read returns the committed image of rid through a fresh transaction.
func (e *recoveryEnv) read(t *testing.T, rid page.RID) []byte {
	txn := e.begin(t)
	data, err := e.heap.Get(txn, rid)
	testingpkg.Ok(t, err)
	testingpkg.Ok(t, e.tm.Commit(txn))
	return data
}

func (e *recoveryEnv) records(t *testing.T, match func(*recovery.LogRecord) bool) []*recovery.LogRecord {
	ret := make([]*recovery.LogRecord, 0)
	it := e.lm.NewIterator(types.InvalidLSN)
	for {
		rec, err := it.Next()
		testingpkg.Ok(t, err)
		if rec == nil {
			return ret
		}
		if match(rec) {
			ret = append(ret, rec)
		}
	}
}

func TestRecoveryOfEmptyDatabase(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))
	summary := env.rec.Summary()
	testingpkg.Equals(t, 0, len(summary.Losers))
	testingpkg.Equals(t, 0, summary.RedoApplied)
	testingpkg.Assert(t, env.lm.GetCheckpointLSN().IsValid(), "recovery ends with a checkpoint")
}

func TestCommittedSurvivesAndUncommittedVanishes(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, "original")
	r2 := env.insert(t, t1, "second")
	testingpkg.Ok(t, env.tm.Commit(t1))

	// the loser's changes reach disk before the crash, so undo has work to do
	t2 := env.begin(t)
	env.update(t, t2, r1, "b")
	ok, err := env.heap.Delete(t2, r2)
	testingpkg.Ok(t, err)
	testingpkg.Assert(t, ok, "delete hit")
	r3 := env.insert(t, t2, "never committed")
	testingpkg.Ok(t, env.lm.Flush())
	testingpkg.Ok(t, env.bpm.FlushAllPages())

	// begun but silent in the log
	t3 := env.begin(t)

	env = env.crash(t)
	summary := env.rec.Summary()
	testingpkg.Equals(t, []types.TxnID{t2.GetTransactionId()}, summary.Losers)
	testingpkg.Equals(t, 3, summary.UndoApplied)
	testingpkg.Equals(t, 1, summary.Reconciled)

	testingpkg.Equals(t, []byte("original"), env.read(t, r1))
	testingpkg.Equals(t, []byte("second"), env.read(t, r2))
	testingpkg.Assert(t, env.read(t, r3) == nil, "uncommitted insert is gone")

	status, err := env.tm.GetStateFile().GetStatus(t2.GetTransactionId())
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, recovery.TXN_ABORTED, status)
	status, err = env.tm.GetStateFile().GetStatus(t3.GetTransactionId())
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, recovery.TXN_ABORTED, status)
	testingpkg.Assert(t, env.tm.IsCommitted(t1.GetTransactionId()), "winner stays committed")

	aborts := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == t2.GetTransactionId() && rec.Log_record_type == recovery.UNDO && rec.Op_type == recovery.TXN_ABORT
	})
	testingpkg.Equals(t, 1, len(aborts))
}

func TestUnflushedLoserLeavesNoTrace(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, "kept")
	testingpkg.Ok(t, env.tm.Commit(t1))

	// nothing of t2 reaches the log file
	t2 := env.begin(t)
	env.update(t, t2, r1, "lost")

	env = env.crash(t)
	testingpkg.Equals(t, []byte("kept"), env.read(t, r1))
	testingpkg.Assert(t, env.tm.IsAborted(t2.GetTransactionId()), "t2 was reconciled")
}

func TestRecoveryIsIdempotent(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, "one")
	testingpkg.Ok(t, env.tm.Commit(t1))
	t2 := env.begin(t)
	env.update(t, t2, r1, "two")
	r2 := env.insert(t, t2, "three")
	testingpkg.Ok(t, env.lm.Flush())

	env = env.crash(t)
	testingpkg.Equals(t, 1, len(env.rec.Summary().Losers))
	testingpkg.Equals(t, []byte("one"), env.read(t, r1))

	env = env.crash(t)
	summary := env.rec.Summary()
	testingpkg.Equals(t, 0, len(summary.Losers))
	testingpkg.Equals(t, 0, summary.RedoApplied)
	testingpkg.Equals(t, 0, summary.UndoApplied)
	testingpkg.Equals(t, []byte("one"), env.read(t, r1))
	testingpkg.Assert(t, env.read(t, r2) == nil, "undone insert stays undone")
}

func TestCrashDuringRollbackResumesFromCompensation(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, "aaaa")
	r2 := env.insert(t, t1, "bbbb")
	testingpkg.Ok(t, env.tm.Commit(t1))

	t2 := env.begin(t)
	xid := t2.GetTransactionId()
	env.update(t, t2, r1, "xx")
	env.update(t, t2, r2, "yy")

	// roll back the newest change by hand, then crash before the rest
	undos := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == xid && rec.Log_record_type == recovery.UNDO && !rec.IsTxnEnd()
	})
	testingpkg.Equals(t, 2, len(undos))
	_, err := env.heap.UndoRecord(xid, t2.GetPrevLSN(), undos[1])
	testingpkg.Ok(t, err)
	testingpkg.Ok(t, env.lm.Flush())

	env = env.crash(t)
	// only the older change is left to undo
	testingpkg.Equals(t, 1, env.rec.Summary().UndoApplied)
	testingpkg.Equals(t, []byte("aaaa"), env.read(t, r1))
	testingpkg.Equals(t, []byte("bbbb"), env.read(t, r2))

	undoNext := make(map[types.LSN]bool)
	for _, clr := range env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == xid && rec.Log_record_type == recovery.COMPENSATION
	}) {
		undoNext[clr.Undo_next_lsn] = true
	}
	testingpkg.Equals(t, 2, len(undoNext))
}

// wideChange rewrites both ends of a record so that the change spans
// several diff ranges of the page.
func wideChange(end string) string {
	return end + strings.Repeat("x", 20) + end
}

func TestAbortOfWideUpdateRestoresEveryRange(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	rid := env.insert(t, t1, wideChange("A"))
	testingpkg.Ok(t, env.tm.Commit(t1))

	t2 := env.begin(t)
	xid := t2.GetTransactionId()
	env.update(t, t2, rid, wideChange("B"))
	redos := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == xid && rec.Log_record_type == recovery.REDO
	})
	testingpkg.Assert(t, len(redos) > 1, "the update is logged as several ranges")

	testingpkg.Ok(t, env.tm.Abort(t2))
	testingpkg.Equals(t, []byte(wideChange("A")), env.read(t, rid))
	clrs := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == xid && rec.Log_record_type == recovery.COMPENSATION
	})
	testingpkg.Equals(t, 1, len(clrs))

	testingpkg.Ok(t, env.lm.Flush())
	env = env.crash(t)
	testingpkg.Equals(t, []byte(wideChange("A")), env.read(t, rid))
}

func TestCrashDuringWideRollbackRestoresEveryRange(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, wideChange("A"))
	r2 := env.insert(t, t1, wideChange("C"))
	testingpkg.Ok(t, env.tm.Commit(t1))

	t2 := env.begin(t)
	xid := t2.GetTransactionId()
	env.update(t, t2, r1, wideChange("B"))
	env.update(t, t2, r2, wideChange("D"))

	undos := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == xid && rec.Log_record_type == recovery.UNDO && !rec.IsTxnEnd()
	})
	testingpkg.Equals(t, 2, len(undos))
	_, err := env.heap.UndoRecord(xid, t2.GetPrevLSN(), undos[1])
	testingpkg.Ok(t, err)

	// the whole undo action is one record, so it is durable or absent as a unit
	clrs := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Txn_id == xid && rec.Log_record_type == recovery.COMPENSATION
	})
	testingpkg.Equals(t, 1, len(clrs))
	testingpkg.Equals(t, undos[1].Prev_lsn, clrs[0].Undo_next_lsn)
	testingpkg.Ok(t, env.lm.Flush())

	env = env.crash(t)
	testingpkg.Equals(t, 1, env.rec.Summary().UndoApplied)
	testingpkg.Equals(t, []byte(wideChange("A")), env.read(t, r1))
	testingpkg.Equals(t, []byte(wideChange("C")), env.read(t, r2))
}

func TestRedoStartsAtCheckpointMinRecLSN(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, "before")
	testingpkg.Ok(t, env.tm.Commit(t1))
	testingpkg.Ok(t, env.bpm.FlushAllPages())

	t2 := env.begin(t)
	env.update(t, t2, r1, "after")
	testingpkg.Ok(t, env.tm.Commit(t2))

	env.tm.BlockAllTransactions()
	ckpt, err := env.lm.Checkpoint()
	env.tm.ResumeTransactions()
	testingpkg.Ok(t, err)

	ends := env.records(t, func(rec *recovery.LogRecord) bool {
		return rec.Log_record_type == recovery.END_CHECKPOINT && rec.Begin_checkpoint_lsn == ckpt
	})
	testingpkg.Equals(t, 1, len(ends))
	minRecLSN := types.InvalidLSN
	for _, entry := range ends[0].Dirty_pages {
		if !minRecLSN.IsValid() || entry.RecLSN < minRecLSN {
			minRecLSN = entry.RecLSN
		}
	}
	testingpkg.Assert(t, minRecLSN > recovery.FirstLSN, "the page was cleaned after the first commit")

	env = env.crash(t)
	summary := env.rec.Summary()
	testingpkg.Equals(t, ckpt, summary.CheckpointLSN)
	testingpkg.Equals(t, minRecLSN, summary.RedoLSN)
	testingpkg.Assert(t, summary.RedoApplied > 0, "the update was only in the buffer pool")
	testingpkg.Equals(t, []byte("after"), env.read(t, r1))
}

func TestLoserKnownOnlyFromCheckpoint(t *testing.T) {
	env := openEnv(t, disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile))

	t1 := env.begin(t)
	r1 := env.insert(t, t1, "stable")
	testingpkg.Ok(t, env.tm.Commit(t1))

	t2 := env.begin(t)
	env.update(t, t2, r1, "dirty")

	env.tm.BlockAllTransactions()
	_, err := env.lm.Checkpoint()
	env.tm.ResumeTransactions()
	testingpkg.Ok(t, err)

	env = env.crash(t)
	testingpkg.Equals(t, []types.TxnID{t2.GetTransactionId()}, env.rec.Summary().Losers)
	testingpkg.Equals(t, []byte("stable"), env.read(t, r1))
}
