package access

import (
	"sync"
	"testing"
	"time"

	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

func TestResourceNames(t *testing.T) {
	pid := types.NewPageID(1, 7)
	testingpkg.Equals(t, ResourceID("page:1:7"), PageResource(pid))
	testingpkg.Equals(t, ResourceID("rid:1:7:3"), RecordResource(page.NewRID(pid, 3)))
}

func TestSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager(0)
	res := ResourceID("rid:0:0:0")
	testingpkg.Ok(t, lm.AcquireLock(1, res, SHARED, 0))
	testingpkg.Ok(t, lm.AcquireLock(2, res, SHARED, 0))
	testingpkg.Assert(t, lm.HoldsLock(1, res, SHARED), "txn 1 holds S")
	testingpkg.Assert(t, lm.HoldsLock(2, res, SHARED), "txn 2 holds S")
	testingpkg.AssertFalse(t, lm.HoldsLock(1, res, EXCLUSIVE), "S does not cover X")

	// EXCLUSIVE conflicts with the other shared holder
	err := lm.AcquireLock(1, res, EXCLUSIVE, 0)
	testingpkg.ErrorIs(t, err, errors.ErrLockTimeout)
	testingpkg.Assert(t, errors.Is(err, errors.ConcurrencyConflict), "lock timeout is a concurrency conflict")

	lm.ReleaseLock(2, res)
	// sole holder upgrades
	testingpkg.Ok(t, lm.AcquireLock(1, res, EXCLUSIVE, 0))
	testingpkg.Assert(t, lm.HoldsLock(1, res, EXCLUSIVE), "upgraded")
	// X covers a later S request
	testingpkg.Ok(t, lm.AcquireLock(1, res, SHARED, 0))
	testingpkg.Assert(t, lm.HoldsLock(1, res, EXCLUSIVE), "still X")
}

// Scenario: lock exclusivity. While one transaction holds X, no other
// transaction gets S or X until it is released.
func TestExclusiveBlocksUntilRelease(t *testing.T) {
	lm := NewLockManager(0)
	res := ResourceID("page:0:1")
	testingpkg.Ok(t, lm.AcquireLock(1, res, EXCLUSIVE, 0))

	testingpkg.ErrorIs(t, lm.AcquireLock(2, res, SHARED, 0), errors.ErrLockTimeout)
	testingpkg.ErrorIs(t, lm.AcquireLock(2, res, SHARED, 30), errors.ErrLockTimeout)

	granted := make(chan error, 1)
	go func() {
		granted <- lm.AcquireLock(2, res, EXCLUSIVE, -1)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-granted:
		t.Fatal("X granted while another X is held")
	default:
	}
	testingpkg.AssertFalse(t, lm.HoldsLock(2, res, SHARED), "waiter holds nothing")

	lm.ReleaseLock(1, res)
	testingpkg.Ok(t, <-granted)
	testingpkg.Assert(t, lm.HoldsLock(2, res, EXCLUSIVE), "waiter got X")
	testingpkg.AssertFalse(t, lm.HoldsLock(1, res, SHARED), "released")
}

func TestFIFOGrantStopsAtIncompatible(t *testing.T) {
	lm := NewLockManager(0)
	res := ResourceID("rid:0:2:1")
	testingpkg.Ok(t, lm.AcquireLock(1, res, EXCLUSIVE, 0))

	var wg sync.WaitGroup
	results := make(map[types.TxnID]error)
	var mu sync.Mutex
	acquire := func(txn types.TxnID, mode LockMode) {
		defer wg.Done()
		err := lm.AcquireLock(txn, res, mode, -1)
		mu.Lock()
		results[txn] = err
		mu.Unlock()
	}

	// queue: S(2), S(3), X(4)
	wg.Add(1)
	go acquire(2, SHARED)
	waitForWaiters(t, lm, 1)
	wg.Add(1)
	go acquire(3, SHARED)
	waitForWaiters(t, lm, 2)
	wg.Add(1)
	go acquire(4, EXCLUSIVE)
	waitForWaiters(t, lm, 3)

	// a new S request must not jump the queue
	testingpkg.ErrorIs(t, lm.AcquireLock(5, res, SHARED, 0), errors.ErrLockTimeout)

	lm.ReleaseLock(1, res)
	waitForWaiters(t, lm, 1)
	testingpkg.Assert(t, lm.HoldsLock(2, res, SHARED), "first S granted")
	testingpkg.Assert(t, lm.HoldsLock(3, res, SHARED), "second S granted")
	testingpkg.AssertFalse(t, lm.HoldsLock(4, res, EXCLUSIVE), "X still waits")

	lm.ReleaseAllLocks(2)
	lm.ReleaseAllLocks(3)
	wg.Wait()
	testingpkg.Assert(t, lm.HoldsLock(4, res, EXCLUSIVE), "X granted last")
	for txn, err := range results {
		testingpkg.Assert(t, err == nil, "txn %d: %v", txn, err)
	}
}

func waitForWaiters(t *testing.T, lm *LockManager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lm.mutex.Lock()
		cnt := len(lm.waiting)
		lm.mutex.Unlock()
		if cnt == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d waiters", n)
}

func TestHasCycle(t *testing.T) {
	graph := map[types.TxnID][]types.TxnID{
		1: {2},
		2: {3},
		3: {1},
		4: {1},
	}
	cycle, found := HasCycle(graph)
	testingpkg.Assert(t, found, "cycle found")
	testingpkg.Equals(t, 3, len(cycle))
	testingpkg.Equals(t, types.TxnID(3), maxTxnID(cycle))

	_, found = HasCycle(map[types.TxnID][]types.TxnID{1: {2}, 2: {3}, 4: {3}})
	testingpkg.AssertFalse(t, found, "no cycle in a chain")
}

// Scenario: deadlock liveness. Two transactions wait on each other; the
// younger one is chosen and its wait is released with ErrDeadlock.
func TestDeadlockVictimIsYoungest(t *testing.T) {
	lm := NewLockManager(0)
	victims := make(chan types.TxnID, 4)
	lm.SetVictimHook(func(txn types.TxnID) { victims <- txn })

	a := ResourceID("rid:0:0:1")
	b := ResourceID("rid:0:0:2")
	testingpkg.Ok(t, lm.AcquireLock(1, a, EXCLUSIVE, 0))
	testingpkg.Ok(t, lm.AcquireLock(2, b, EXCLUSIVE, 0))

	// txn 2 blocks on a
	res2 := make(chan error, 1)
	go func() { res2 <- lm.AcquireLock(2, a, EXCLUSIVE, -1) }()
	waitForWaiters(t, lm, 1)
	testingpkg.Equals(t, types.TxnID(0), lm.DetectDeadlock())
	edges := lm.WaitsForEdges()
	testingpkg.Equals(t, 1, len(edges))
	testingpkg.Equals(t, types.TxnID(2), edges[0].First)
	testingpkg.Equals(t, types.TxnID(1), edges[0].Second)

	// txn 1 closes the cycle; txn 2 is the victim, txn 1 keeps waiting
	res1 := make(chan error, 1)
	go func() { res1 <- lm.AcquireLock(1, b, EXCLUSIVE, -1) }()

	err := <-res2
	testingpkg.ErrorIs(t, err, errors.ErrDeadlock)
	testingpkg.Equals(t, types.TxnID(2), <-victims)

	// the victim rolls back and lets go of its locks
	lm.ReleaseAllLocks(2)
	testingpkg.Ok(t, <-res1)
	testingpkg.Assert(t, lm.HoldsLock(1, b, EXCLUSIVE), "survivor holds b")
	testingpkg.Equals(t, types.TxnID(0), lm.DetectDeadlock())
}

func TestRequesterAsVictimFailsImmediately(t *testing.T) {
	lm := NewLockManager(0)
	a := ResourceID("page:0:10")
	b := ResourceID("page:0:11")
	testingpkg.Ok(t, lm.AcquireLock(5, a, SHARED, 0))
	testingpkg.Ok(t, lm.AcquireLock(9, b, SHARED, 0))

	res := make(chan error, 1)
	go func() { res <- lm.AcquireLock(5, b, EXCLUSIVE, -1) }()
	waitForWaiters(t, lm, 1)

	// 9 is the max xid on the cycle and is the requester
	testingpkg.ErrorIs(t, lm.AcquireLock(9, a, EXCLUSIVE, -1), errors.ErrDeadlock)
	testingpkg.Assert(t, lm.HoldsLock(9, b, SHARED), "victim keeps its locks until rollback")

	lm.ReleaseAllLocks(9)
	testingpkg.Ok(t, <-res)
	testingpkg.Assert(t, lm.HoldsLock(5, b, EXCLUSIVE), "waiter granted")
}

func TestConcurrentUpgradeDeadlock(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	lm.Start()
	defer lm.Stop()

	a := ResourceID("rid:1:0:0")
	b := ResourceID("rid:1:0:1")
	testingpkg.Ok(t, lm.AcquireLock(3, a, SHARED, 0))
	testingpkg.Ok(t, lm.AcquireLock(4, a, SHARED, 0))
	testingpkg.Ok(t, lm.AcquireLock(4, b, EXCLUSIVE, 0))

	// both upgrade on a: each waits for the other
	res3 := make(chan error, 1)
	res4 := make(chan error, 1)
	go func() { res3 <- lm.AcquireLock(3, a, EXCLUSIVE, -1) }()
	waitForWaiters(t, lm, 1)
	go func() { res4 <- lm.AcquireLock(4, a, EXCLUSIVE, -1) }()

	testingpkg.ErrorIs(t, <-res4, errors.ErrDeadlock)
	lm.ReleaseAllLocks(4)
	testingpkg.Ok(t, <-res3)
	testingpkg.Equals(t, 1, lm.LockCount(3))
}

func TestReleaseAllCancelsPendingWait(t *testing.T) {
	lm := NewLockManager(0)
	res := ResourceID("page:2:2")
	testingpkg.Ok(t, lm.AcquireLock(1, res, EXCLUSIVE, 0))

	done := make(chan error, 1)
	go func() { done <- lm.AcquireLock(2, res, SHARED, -1) }()
	waitForWaiters(t, lm, 1)

	lm.ReleaseAllLocks(2)
	testingpkg.ErrorIs(t, <-done, errors.ErrTxnAborted)
	testingpkg.Equals(t, 0, lm.LockCount(2))
	lm.ReleaseAllLocks(1)
	testingpkg.Equals(t, 0, len(lm.lock_table))
}

func TestRunCycleDetectionWithoutCycle(t *testing.T) {
	lm := NewLockManager(0)
	testingpkg.Ok(t, lm.AcquireLock(1, "page:0:0", SHARED, 0))
	testingpkg.Equals(t, 0, len(lm.RunCycleDetection()))
	// a zero interval disables the background detector
	lm.Start()
	lm.Stop()
}
