package access

import (
	"testing"

	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

func TestTxnStateFilePersistsAcrossReopen(t *testing.T) {
	dm := disk.NewVirtualDiskManagerImpl(8)
	sf, err := OpenTxnStateFile(dm)
	testingpkg.Ok(t, err)

	for i := 1; i <= 3; i++ {
		xid, err := sf.NextXid()
		testingpkg.Ok(t, err)
		testingpkg.Equals(t, types.TxnID(i), xid)
	}
	testingpkg.Ok(t, sf.SetStatus(1, recovery.TXN_COMMITTED))
	testingpkg.Ok(t, sf.SetStatus(2, recovery.TXN_ABORTED))
	testingpkg.Nok(t, sf.SetStatus(types.SystemTxnID, recovery.TXN_ABORTED))
	testingpkg.Ok(t, sf.Close())
	dm.CloseFilesForTesting()

	reopened := dm.Reopen()
	sf, err = OpenTxnStateFile(reopened)
	testingpkg.Ok(t, err)
	defer sf.Close()
	testingpkg.Equals(t, types.TxnID(3), sf.Counter())

	status := func(xid types.TxnID) recovery.TxnStatus {
		ret, err := sf.GetStatus(xid)
		testingpkg.Ok(t, err)
		return ret
	}
	testingpkg.Equals(t, recovery.TXN_COMMITTED, status(1))
	testingpkg.Equals(t, recovery.TXN_ABORTED, status(2))
	testingpkg.Equals(t, recovery.TXN_ACTIVE, status(3))
	testingpkg.Equals(t, recovery.TXN_ACTIVE, status(99))
	testingpkg.Equals(t, recovery.TXN_COMMITTED, status(types.SystemTxnID))

	active, err := sf.ActiveXids()
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, []types.TxnID{3}, active)

	xid, err := sf.NextXid()
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, types.TxnID(4), xid)
}

func TestTransactionLifecycle(t *testing.T) {
	env := newHeapEnv(t, false)
	tm := env.tm

	t1 := env.begin(t)
	t2 := env.begin(t)
	testingpkg.Equals(t, t1.GetTransactionId()+1, t2.GetTransactionId())
	testingpkg.Assert(t, t1.GetBeginTimestamp() < t2.GetBeginTimestamp(), "timestamps increase")
	testingpkg.Equals(t, mvcc.RepeatableRead, t1.GetIsolationLevel())
	testingpkg.Assert(t, t1.IsReadOnly(), "nothing written yet")
	testingpkg.Assert(t, tm.IsActive(t1.GetTransactionId()), "t1 active")
	testingpkg.Equals(t, 2, len(tm.ActiveTxnIDs()))
	testingpkg.Equals(t, 2, len(tm.ActiveTransactionTable()))

	_, err := env.heap.Insert(t1, []byte("x"))
	testingpkg.Ok(t, err)
	testingpkg.AssertFalse(t, t1.IsReadOnly(), "t1 wrote")

	testingpkg.Ok(t, tm.Commit(t1))
	testingpkg.Assert(t, t1.GetCommitTimestamp() > t1.GetBeginTimestamp(), "commit after begin")
	testingpkg.Assert(t, tm.IsCommitted(t1.GetTransactionId()), "t1 committed")
	testingpkg.ErrorIs(t, tm.Commit(t1), errors.ErrTxnNotActive)
	testingpkg.ErrorIs(t, tm.Abort(t1), errors.ErrTxnNotActive)
	testingpkg.Assert(t, tm.GetTransaction(t1.GetTransactionId()) == nil, "t1 forgotten")

	testingpkg.Ok(t, tm.Abort(t2))
	testingpkg.Assert(t, tm.IsAborted(t2.GetTransactionId()), "t2 aborted")
	testingpkg.Assert(t, tm.IsCommitted(types.SystemTxnID), "system xid")

	status, err := tm.GetStateFile().GetStatus(t1.GetTransactionId())
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, recovery.TXN_COMMITTED, status)
	testingpkg.Equals(t, 0, len(tm.ActiveTxnIDs()))
}

func TestReadViewCaching(t *testing.T) {
	env := newHeapEnv(t, true)
	tm := env.tm

	rr := env.begin(t)
	rc, err := tm.BeginWithIsolation(mvcc.ReadCommitted)
	testingpkg.Ok(t, err)

	v1 := tm.CreateReadView(rr)
	testingpkg.Assert(t, v1 == tm.CreateReadView(rr), "repeatable read keeps its view")
	testingpkg.Assert(t, v1.IsActive(rc.GetTransactionId()), "rc was running")
	testingpkg.AssertFalse(t, v1.IsActive(rr.GetTransactionId()), "the creator is not in its own set")
	testingpkg.Equals(t, []types.Timestamp{v1.LowWatermark()}, tm.ViewLowWatermarks())

	r1 := tm.CreateReadView(rc)
	r2 := tm.CreateReadView(rc)
	testingpkg.Assert(t, r1 != r2, "read committed builds a view per read")
	testingpkg.Assert(t, r1.ReadTS() < r2.ReadTS(), "later view reads later")

	ts, ok := tm.GetBeginTimestamp(rr.GetTransactionId())
	testingpkg.Assert(t, ok, "rr is known")
	testingpkg.Equals(t, rr.GetBeginTimestamp(), ts)

	testingpkg.Ok(t, tm.Commit(rr))
	testingpkg.Ok(t, tm.Commit(rc))
	testingpkg.Equals(t, 0, len(tm.ViewLowWatermarks()))
	_, ok = tm.GetBeginTimestamp(rr.GetTransactionId())
	testingpkg.AssertFalse(t, ok, "finished transactions have no begin timestamp")
}
