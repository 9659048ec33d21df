package access

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	stack "github.com/golang-collections/collections/stack"
	pair "github.com/notEpsilon/go-pair"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

type LockMode int32

const (
	SHARED LockMode = iota
	EXCLUSIVE
)

func (m LockMode) String() string {
	if m == EXCLUSIVE {
		return "X"
	}
	return "S"
}

// ResourceID names a lockable object.
type ResourceID string

func PageResource(pageID types.PageID) ResourceID {
	return ResourceID("page:" + pageID.String())
}

func RecordResource(rid page.RID) ResourceID {
	return ResourceID(fmt.Sprintf("rid:%s:%d", rid.PageID, rid.SlotNum))
}

type LockRequest struct {
	txn_id    types.TxnID
	lock_mode LockMode
	granted   bool
	upgrade   bool
	// receives nil on grant, ErrDeadlock or ErrTxnAborted on cancellation
	done chan error
}

func NewLockRequest(txn_id types.TxnID, lock_mode LockMode) *LockRequest {
	return &LockRequest{txn_id: txn_id, lock_mode: lock_mode, done: make(chan error, 1)}
}

type LockRequestQueue struct {
	holders       map[types.TxnID]LockMode
	request_queue []*LockRequest
}

func newLockRequestQueue() *LockRequestQueue {
	return &LockRequestQueue{holders: make(map[types.TxnID]LockMode), request_queue: make([]*LockRequest, 0)}
}

func (q *LockRequestQueue) hasExclusiveHolder(except types.TxnID) bool {
	for txnID, mode := range q.holders {
		if txnID != except && mode == EXCLUSIVE {
			return true
		}
	}
	return false
}

func (q *LockRequestQueue) onlyHolderIs(txnID types.TxnID) bool {
	_, ok := q.holders[txnID]
	return ok && len(q.holders) == 1
}

// compatible reports whether req could be granted against the current holders.
func (q *LockRequestQueue) compatible(txnID types.TxnID, mode LockMode) bool {
	if mode == SHARED {
		return !q.hasExclusiveHolder(txnID)
	}
	return len(q.holders) == 0 || q.onlyHolderIs(txnID)
}

func (q *LockRequestQueue) remove(req *LockRequest) bool {
	for i, r := range q.request_queue {
		if r == req {
			q.request_queue = append(q.request_queue[:i], q.request_queue[i+1:]...)
			return true
		}
	}
	return false
}

type waitingRequest struct {
	resource ResourceID
	request  *LockRequest
}

/**
 * LockManager handles transactions asking for locks on records and pages.
 * Holders of a resource are either all SHARED or one EXCLUSIVE; the rest
 * wait in FIFO order. Waits form a wait-for graph that is checked for
 * cycles when a request blocks and periodically in the background.
 */
type LockManager struct {
	mutex      *sync.Mutex
	lock_table map[ResourceID]*LockRequestQueue
	// resources held by each transaction
	txn_locks map[types.TxnID]mapset.Set[ResourceID]
	// the one pending request of each blocked transaction
	waiting map[types.TxnID]*waitingRequest

	onVictim func(types.TxnID)

	detection_interval time.Duration
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	running            bool
}

func NewLockManager(detectionInterval time.Duration) *LockManager {
	return &LockManager{
		mutex:              new(sync.Mutex),
		lock_table:         make(map[ResourceID]*LockRequestQueue),
		txn_locks:          make(map[types.TxnID]mapset.Set[ResourceID]),
		waiting:            make(map[types.TxnID]*waitingRequest),
		detection_interval: detectionInterval,
	}
}

// SetVictimHook registers fn, called (outside the lock table mutex) for every
// transaction chosen as a deadlock victim on behalf of another one.
func (lock_manager *LockManager) SetVictimHook(fn func(types.TxnID)) {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	lock_manager.onVictim = fn
}

/*
* AcquireLock blocks until txnID holds resource in mode.
* timeoutMs: 0 fails at once when the lock is not free, a negative value
* waits without bound.
 */
func (lock_manager *LockManager) AcquireLock(txnID types.TxnID, resource ResourceID, mode LockMode, timeoutMs int64) error {
	lock_manager.mutex.Lock()
	q, ok := lock_manager.lock_table[resource]
	if !ok {
		q = newLockRequestQueue()
		lock_manager.lock_table[resource] = q
	}

	if held, ok := q.holders[txnID]; ok && (held == EXCLUSIVE || mode == SHARED) {
		lock_manager.mutex.Unlock()
		return nil
	}
	_, isUpgrade := q.holders[txnID]

	// an upgrade overtakes the queue, everything else respects FIFO order
	if q.compatible(txnID, mode) && (isUpgrade || len(q.request_queue) == 0) {
		lock_manager.grantLocked(q, txnID, resource, mode)
		lock_manager.mutex.Unlock()
		return nil
	}
	if timeoutMs == 0 {
		lock_manager.dropIfIdleLocked(resource, q)
		lock_manager.mutex.Unlock()
		return errors.WithStack(errors.ErrLockTimeout)
	}

	req := NewLockRequest(txnID, mode)
	req.upgrade = isUpgrade
	if isUpgrade {
		q.request_queue = append([]*LockRequest{req}, q.request_queue...)
	} else {
		q.request_queue = append(q.request_queue, req)
	}
	lock_manager.waiting[txnID] = &waitingRequest{resource, req}
	common.ShPrintf(common.LOCK_INFO, "txn %d waits for %s lock on %s\n", txnID, mode, resource)

	victims, selfVictim := lock_manager.resolveDeadlocksLocked(txnID)
	if selfVictim {
		q.remove(req)
		delete(lock_manager.waiting, txnID)
		lock_manager.dropIfIdleLocked(resource, q)
	}
	hook := lock_manager.onVictim
	lock_manager.mutex.Unlock()

	lock_manager.notifyVictims(hook, victims)
	if selfVictim {
		log.WithFields(log.Fields{"txn": txnID, "resource": resource}).Info("deadlock victim")
		return errors.WithStack(errors.ErrDeadlock)
	}

	var timeout <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-req.done:
		if err != nil {
			return errors.WithStack(err)
		}
		return nil
	case <-timeout:
		lock_manager.mutex.Lock()
		defer lock_manager.mutex.Unlock()
		if req.granted {
			return nil
		}
		select {
		case err := <-req.done:
			// cancelled concurrently with the timer
			return errors.WithStack(err)
		default:
		}
		q.remove(req)
		delete(lock_manager.waiting, txnID)
		lock_manager.grantWaitersLocked(resource, q)
		if common.EnableDebug {
			common.RuntimeStack()
		}
		return errors.Wrapf(errors.ErrLockTimeout, "txn %d on %s after %d ms", txnID, resource, timeoutMs)
	}
}

func (lock_manager *LockManager) grantLocked(q *LockRequestQueue, txnID types.TxnID, resource ResourceID, mode LockMode) {
	q.holders[txnID] = mode
	set, ok := lock_manager.txn_locks[txnID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[ResourceID]()
		lock_manager.txn_locks[txnID] = set
	}
	set.Add(resource)
}

// grantWaitersLocked grants queued requests in FIFO order until the first
// one that is incompatible with the holders.
func (lock_manager *LockManager) grantWaitersLocked(resource ResourceID, q *LockRequestQueue) {
	for len(q.request_queue) > 0 {
		req := q.request_queue[0]
		if !q.compatible(req.txn_id, req.lock_mode) {
			break
		}
		q.request_queue = q.request_queue[1:]
		lock_manager.grantLocked(q, req.txn_id, resource, req.lock_mode)
		req.granted = true
		delete(lock_manager.waiting, req.txn_id)
		req.done <- nil
	}
	lock_manager.dropIfIdleLocked(resource, q)
}

func (lock_manager *LockManager) dropIfIdleLocked(resource ResourceID, q *LockRequestQueue) {
	if len(q.holders) == 0 && len(q.request_queue) == 0 {
		delete(lock_manager.lock_table, resource)
	}
}

// ReleaseLock drops txnID's hold on resource and wakes the waiters that can
// now proceed.
func (lock_manager *LockManager) ReleaseLock(txnID types.TxnID, resource ResourceID) {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	lock_manager.releaseLocked(txnID, resource)
}

func (lock_manager *LockManager) releaseLocked(txnID types.TxnID, resource ResourceID) {
	if set, ok := lock_manager.txn_locks[txnID]; ok {
		set.Remove(resource)
		if set.Cardinality() == 0 {
			delete(lock_manager.txn_locks, txnID)
		}
	}
	q, ok := lock_manager.lock_table[resource]
	if !ok {
		return
	}
	delete(q.holders, txnID)
	lock_manager.grantWaitersLocked(resource, q)
}

// ReleaseAllLocks releases everything txnID holds. A pending request of
// txnID is cancelled first.
func (lock_manager *LockManager) ReleaseAllLocks(txnID types.TxnID) {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	lock_manager.cancelWaitLocked(txnID, errors.ErrTxnAborted)
	set, ok := lock_manager.txn_locks[txnID]
	if !ok {
		return
	}
	for _, resource := range set.ToSlice() {
		lock_manager.releaseLocked(txnID, resource)
	}
}

func (lock_manager *LockManager) cancelWaitLocked(txnID types.TxnID, cause error) bool {
	w, ok := lock_manager.waiting[txnID]
	if !ok {
		return false
	}
	delete(lock_manager.waiting, txnID)
	if q, ok := lock_manager.lock_table[w.resource]; ok {
		q.remove(w.request)
		lock_manager.grantWaitersLocked(w.resource, q)
	}
	w.request.done <- cause
	return true
}

func (lock_manager *LockManager) HoldsLock(txnID types.TxnID, resource ResourceID, mode LockMode) bool {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	q, ok := lock_manager.lock_table[resource]
	if !ok {
		return false
	}
	held, ok := q.holders[txnID]
	return ok && (held == EXCLUSIVE || mode == SHARED)
}

// LockCount is the number of resources txnID holds.
func (lock_manager *LockManager) LockCount(txnID types.TxnID) int {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	if set, ok := lock_manager.txn_locks[txnID]; ok {
		return set.Cardinality()
	}
	return 0
}

/*
* Wait-for graph.
* A waiter has an edge to every holder of its resource and to every request
* queued ahead of it with an incompatible mode.
 */
func (lock_manager *LockManager) waitsForLocked() map[types.TxnID][]types.TxnID {
	graph := make(map[types.TxnID][]types.TxnID)
	for waiter, w := range lock_manager.waiting {
		q, ok := lock_manager.lock_table[w.resource]
		if !ok {
			continue
		}
		targets := mapset.NewThreadUnsafeSet[types.TxnID]()
		for holder := range q.holders {
			if holder != waiter {
				targets.Add(holder)
			}
		}
		for _, ahead := range q.request_queue {
			if ahead == w.request {
				break
			}
			if ahead.txn_id != waiter && (ahead.lock_mode == EXCLUSIVE || w.request.lock_mode == EXCLUSIVE) {
				targets.Add(ahead.txn_id)
			}
		}
		edges := targets.ToSlice()
		slices.Sort(edges)
		graph[waiter] = edges
	}
	return graph
}

// WaitsForEdges lists the wait-for graph as (waiter, holder) pairs.
func (lock_manager *LockManager) WaitsForEdges() []pair.Pair[types.TxnID, types.TxnID] {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	graph := lock_manager.waitsForLocked()
	waiters := make([]types.TxnID, 0, len(graph))
	for waiter := range graph {
		waiters = append(waiters, waiter)
	}
	slices.Sort(waiters)
	ret := make([]pair.Pair[types.TxnID, types.TxnID], 0)
	for _, waiter := range waiters {
		for _, holder := range graph[waiter] {
			ret = append(ret, pair.Pair[types.TxnID, types.TxnID]{First: waiter, Second: holder})
		}
	}
	return ret
}

type dfsFrame struct {
	txn  types.TxnID
	next int
}

/*
* HasCycle runs an iterative DFS over graph. When a back edge is found it
* returns the transactions on the cycle.
 */
func HasCycle(graph map[types.TxnID][]types.TxnID) ([]types.TxnID, bool) {
	starts := make([]types.TxnID, 0, len(graph))
	for txn := range graph {
		starts = append(starts, txn)
	}
	slices.Sort(starts)

	visited := mapset.NewThreadUnsafeSet[types.TxnID]()
	for _, start := range starts {
		if visited.Contains(start) {
			continue
		}
		onPath := mapset.NewThreadUnsafeSet[types.TxnID]()
		path := make([]types.TxnID, 0)
		st := stack.New()
		st.Push(&dfsFrame{start, 0})
		visited.Add(start)
		onPath.Add(start)
		path = append(path, start)

		for st.Len() > 0 {
			frame := st.Peek().(*dfsFrame)
			edges := graph[frame.txn]
			if frame.next >= len(edges) {
				st.Pop()
				onPath.Remove(frame.txn)
				path = path[:len(path)-1]
				continue
			}
			to := edges[frame.next]
			frame.next++
			if onPath.Contains(to) {
				for i, txn := range path {
					if txn == to {
						return append([]types.TxnID(nil), path[i:]...), true
					}
				}
			}
			if visited.Contains(to) {
				continue
			}
			visited.Add(to)
			onPath.Add(to)
			path = append(path, to)
			st.Push(&dfsFrame{to, 0})
		}
	}
	return nil, false
}

func maxTxnID(ids []types.TxnID) types.TxnID {
	ret := ids[0]
	for _, id := range ids[1:] {
		if id > ret {
			ret = id
		}
	}
	return ret
}

// DetectDeadlock returns the victim of one cycle in the wait-for graph, or
// 0 when there is none. Nothing is aborted.
func (lock_manager *LockManager) DetectDeadlock() types.TxnID {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	cycle, found := HasCycle(lock_manager.waitsForLocked())
	if !found {
		return 0
	}
	return maxTxnID(cycle)
}

// resolveDeadlocksLocked breaks every cycle. Victims other than self get
// their pending request cancelled with ErrDeadlock. When self is chosen the
// caller handles its own request.
func (lock_manager *LockManager) resolveDeadlocksLocked(self types.TxnID) ([]types.TxnID, bool) {
	victims := make([]types.TxnID, 0)
	for {
		cycle, found := HasCycle(lock_manager.waitsForLocked())
		if !found {
			return victims, false
		}
		victim := maxTxnID(cycle)
		log.WithFields(log.Fields{"cycle": cycle, "victim": victim}).Warn("deadlock detected")
		if victim == self {
			return victims, true
		}
		lock_manager.cancelWaitLocked(victim, errors.ErrDeadlock)
		victims = append(victims, victim)
	}
}

func (lock_manager *LockManager) notifyVictims(hook func(types.TxnID), victims []types.TxnID) {
	if hook == nil {
		return
	}
	for _, victim := range victims {
		hook(victim)
	}
}

// RunCycleDetection breaks the cycles present now. It returns the victims.
func (lock_manager *LockManager) RunCycleDetection() []types.TxnID {
	lock_manager.mutex.Lock()
	victims, _ := lock_manager.resolveDeadlocksLocked(types.InvalidTxnID)
	hook := lock_manager.onVictim
	lock_manager.mutex.Unlock()
	lock_manager.notifyVictims(hook, victims)
	return victims
}

// Start launches the background detector.
func (lock_manager *LockManager) Start() {
	lock_manager.mutex.Lock()
	defer lock_manager.mutex.Unlock()
	if lock_manager.running || lock_manager.detection_interval <= 0 {
		return
	}
	lock_manager.running = true
	lock_manager.stopCh = make(chan struct{})
	lock_manager.wg.Add(1)
	go func(stopCh chan struct{}) {
		defer lock_manager.wg.Done()
		ticker := time.NewTicker(lock_manager.detection_interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				lock_manager.RunCycleDetection()
			}
		}
	}(lock_manager.stopCh)
}

func (lock_manager *LockManager) Stop() {
	lock_manager.mutex.Lock()
	if !lock_manager.running {
		lock_manager.mutex.Unlock()
		return
	}
	lock_manager.running = false
	close(lock_manager.stopCh)
	lock_manager.mutex.Unlock()
	lock_manager.wg.Wait()
}
