package access

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	log "github.com/sirupsen/logrus"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

// RecordUndoer reverses logged record changes. The table heap implements it.
type RecordUndoer interface {
	// UndoRecord applies the inverse of rec on behalf of xid, logging
	// compensation records chained after prevLSN. It returns the new chain head.
	UndoRecord(xid types.TxnID, prevLSN types.LSN, rec *recovery.LogRecord) (types.LSN, error)
	// ApplyDeferredDelete frees the slot of a committed tombstone.
	ApplyDeferredDelete(rid page.RID) error
}

const committedCacheSize = 1 << 16

/**
 * TransactionManager keeps track of all the transactions running in the system.
 */
type TransactionManager struct {
	lock_manager  *LockManager
	log_manager   *recovery.LogManager
	state_file    *TxnStateFile
	version_store *mvcc.VersionStore
	undoer        RecordUndoer
	// xids known to be committed, keyed by int64(xid)
	committed *ristretto.Cache[int64, bool]
	/** The global transaction latch is used for checkpointing. */
	global_txn_latch common.ReaderWriterLatch
	mutex            *sync.Mutex
	txn_map          map[types.TxnID]*Transaction
	last_ts          int64
	isolation        mvcc.IsolationLevel
}

// NewTransactionManager builds the manager. versionStore is nil when MVCC is
// disabled.
func NewTransactionManager(lock_manager *LockManager, log_manager *recovery.LogManager, stateFile *TxnStateFile, versionStore *mvcc.VersionStore, isolation mvcc.IsolationLevel) (*TransactionManager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[int64, bool]{
		NumCounters: committedCacheSize * 10,
		MaxCost:     committedCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ResourceExhausted, err, "creating committed xid cache")
	}
	tm := &TransactionManager{
		lock_manager:     lock_manager,
		log_manager:      log_manager,
		state_file:       stateFile,
		version_store:    versionStore,
		committed:        cache,
		global_txn_latch: common.NewLatch(),
		mutex:            new(sync.Mutex),
		txn_map:          make(map[types.TxnID]*Transaction),
		last_ts:          time.Now().UnixMicro(),
		isolation:        isolation,
	}
	if lock_manager != nil {
		lock_manager.SetVictimHook(tm.onDeadlockVictim)
	}
	return tm, nil
}

func (transaction_manager *TransactionManager) SetRecordUndoer(undoer RecordUndoer) {
	transaction_manager.undoer = undoer
}

func (transaction_manager *TransactionManager) GetLockManager() *LockManager {
	return transaction_manager.lock_manager
}

func (transaction_manager *TransactionManager) GetVersionStore() *mvcc.VersionStore {
	return transaction_manager.version_store
}

func (transaction_manager *TransactionManager) MVCCEnabled() bool {
	return transaction_manager.version_store != nil
}

// nextTimestamp hands out strictly increasing wall-clock microseconds.
func (transaction_manager *TransactionManager) nextTimestamp() types.Timestamp {
	for {
		last := atomic.LoadInt64(&transaction_manager.last_ts)
		next := last + 1
		if now := time.Now().UnixMicro(); now > next {
			next = now
		}
		if atomic.CompareAndSwapInt64(&transaction_manager.last_ts, last, next) {
			return types.Timestamp(next)
		}
	}
}

func (transaction_manager *TransactionManager) CurrentTimestamp() types.Timestamp {
	last := atomic.LoadInt64(&transaction_manager.last_ts)
	if now := time.Now().UnixMicro(); now > last {
		return types.Timestamp(now)
	}
	return types.Timestamp(last)
}

func (transaction_manager *TransactionManager) Begin() (*Transaction, error) {
	return transaction_manager.BeginWithIsolation(transaction_manager.isolation)
}

func (transaction_manager *TransactionManager) BeginWithIsolation(isolation mvcc.IsolationLevel) (*Transaction, error) {
	xid, err := transaction_manager.state_file.NextXid()
	if err != nil {
		return nil, err
	}
	transaction_manager.mutex.Lock()
	txn := NewTransaction(xid, transaction_manager.nextTimestamp(), isolation)
	transaction_manager.txn_map[xid] = txn
	transaction_manager.mutex.Unlock()

	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "TransactionManager::Begin %s\n", txn)
	}
	return txn, nil
}

func (transaction_manager *TransactionManager) GetTransaction(xid types.TxnID) *Transaction {
	transaction_manager.mutex.Lock()
	defer transaction_manager.mutex.Unlock()
	return transaction_manager.txn_map[xid]
}

func (transaction_manager *TransactionManager) Commit(txn *Transaction) error {
	if txn.GetState() != ACTIVE {
		return errors.Wrapf(errors.ErrTxnNotActive, "commit of xid %d in state %s", txn.GetTransactionId(), txn.GetState())
	}
	transaction_manager.BeginOperation()
	defer transaction_manager.EndOperation()

	xid := txn.GetTransactionId()
	txn.mutex.Lock()
	txn.commit_ts = transaction_manager.nextTimestamp()
	txn.mutex.Unlock()

	lsn, err := transaction_manager.log_manager.AppendLogRecord(recovery.NewLogRecordTxnEnd(xid, txn.GetPrevLSN(), recovery.TXN_COMMIT))
	if err != nil {
		return err
	}
	txn.SetPrevLSN(lsn)
	if err := transaction_manager.log_manager.FlushUpTo(lsn); err != nil {
		return err
	}

	// the commit is durable from here on
	if !transaction_manager.MVCCEnabled() && transaction_manager.undoer != nil {
		for _, wr := range txn.GetWriteSet() {
			if wr.GetWType() != DELETE {
				continue
			}
			if err := transaction_manager.undoer.ApplyDeferredDelete(wr.GetRID()); err != nil {
				log.WithError(err).WithField("rid", wr.GetRID()).Warn("deferred delete failed, the tombstone stays")
			}
		}
	}
	if err := transaction_manager.state_file.SetStatus(xid, recovery.TXN_COMMITTED); err != nil {
		return err
	}
	transaction_manager.committed.Set(int64(xid), true, 1)
	txn.SetState(COMMITTED)
	transaction_manager.finish(txn)
	return nil
}

// Abort rolls the transaction back through its log chain.
func (transaction_manager *TransactionManager) Abort(txn *Transaction) error {
	if txn.GetState() != ACTIVE {
		return errors.Wrapf(errors.ErrTxnNotActive, "abort of xid %d in state %s", txn.GetTransactionId(), txn.GetState())
	}
	transaction_manager.BeginOperation()
	defer transaction_manager.EndOperation()

	xid := txn.GetTransactionId()
	if err := transaction_manager.rollback(txn); err != nil {
		return err
	}
	lsn, err := transaction_manager.log_manager.AppendLogRecord(recovery.NewLogRecordTxnEnd(xid, txn.GetPrevLSN(), recovery.TXN_ABORT))
	if err != nil {
		return err
	}
	txn.SetPrevLSN(lsn)
	if err := transaction_manager.log_manager.FlushUpTo(lsn); err != nil {
		return err
	}
	if err := transaction_manager.state_file.SetStatus(xid, recovery.TXN_ABORTED); err != nil {
		return err
	}
	if transaction_manager.version_store != nil {
		transaction_manager.version_store.RemoveVersionsOf(xid)
	}
	txn.SetState(ABORTED)
	transaction_manager.finish(txn)
	return nil
}

/*
* rollback walks the chain from the newest record. UNDO records are reversed,
* a compensation record skips to the record it points at and page changes are
* passed over.
 */
func (transaction_manager *TransactionManager) rollback(txn *Transaction) error {
	xid := txn.GetTransactionId()
	cursor := txn.GetPrevLSN()
	for cursor.IsValid() {
		rec, err := transaction_manager.log_manager.ReadLogRecord(cursor)
		if err != nil {
			return err
		}
		switch {
		case rec.Log_record_type == recovery.UNDO && !rec.IsTxnEnd():
			if transaction_manager.undoer == nil {
				return errors.New(errors.ValidationError, "no record undoer bound for rollback of xid %d", xid)
			}
			lsn, err := transaction_manager.undoer.UndoRecord(xid, txn.GetPrevLSN(), rec)
			if err != nil {
				return err
			}
			txn.SetPrevLSN(lsn)
			cursor = rec.Prev_lsn
		case rec.Log_record_type == recovery.COMPENSATION:
			cursor = rec.Undo_next_lsn
		default:
			cursor = rec.Prev_lsn
		}
	}
	txn.clearWriteSet()
	return nil
}

func (transaction_manager *TransactionManager) finish(txn *Transaction) {
	xid := txn.GetTransactionId()
	transaction_manager.lock_manager.ReleaseAllLocks(xid)
	txn.setReadView(nil)
	if transaction_manager.version_store != nil {
		transaction_manager.version_store.ForgetTxn(xid)
	}
	transaction_manager.mutex.Lock()
	delete(transaction_manager.txn_map, xid)
	transaction_manager.mutex.Unlock()
	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "TransactionManager: %s finished\n", txn)
	}
}

func (transaction_manager *TransactionManager) onDeadlockVictim(xid types.TxnID) {
	log.WithField("xid", xid).Warn("deadlock victim chosen, its pending lock wait is cancelled")
}

func (transaction_manager *TransactionManager) status(xid types.TxnID) recovery.TxnStatus {
	if xid == types.SystemTxnID {
		return recovery.TXN_COMMITTED
	}
	if _, ok := transaction_manager.committed.Get(int64(xid)); ok {
		return recovery.TXN_COMMITTED
	}
	transaction_manager.mutex.Lock()
	txn, ok := transaction_manager.txn_map[xid]
	transaction_manager.mutex.Unlock()
	if ok {
		return recovery.TxnStatus(txn.GetState())
	}
	status, err := transaction_manager.state_file.GetStatus(xid)
	if err != nil {
		log.WithError(err).WithField("xid", xid).Warn("reading transaction status")
		return recovery.TXN_ACTIVE
	}
	if status == recovery.TXN_COMMITTED {
		transaction_manager.committed.Set(int64(xid), true, 1)
	}
	return status
}

func (transaction_manager *TransactionManager) IsActive(xid types.TxnID) bool {
	return transaction_manager.status(xid) == recovery.TXN_ACTIVE
}

func (transaction_manager *TransactionManager) IsCommitted(xid types.TxnID) bool {
	return transaction_manager.status(xid) == recovery.TXN_COMMITTED
}

func (transaction_manager *TransactionManager) IsAborted(xid types.TxnID) bool {
	return transaction_manager.status(xid) == recovery.TXN_ABORTED
}

// ActiveTransactionTable snapshots the running transactions for a checkpoint.
func (transaction_manager *TransactionManager) ActiveTransactionTable() []recovery.ATTEntry {
	transaction_manager.mutex.Lock()
	defer transaction_manager.mutex.Unlock()
	ret := make([]recovery.ATTEntry, 0, len(transaction_manager.txn_map))
	for _, txn := range transaction_manager.txn_map {
		ret = append(ret, txn.attEntry())
	}
	return ret
}

func (transaction_manager *TransactionManager) ActiveTxnIDs() []types.TxnID {
	transaction_manager.mutex.Lock()
	defer transaction_manager.mutex.Unlock()
	return transaction_manager.activeTxnIDsLocked(types.InvalidTxnID)
}

func (transaction_manager *TransactionManager) activeTxnIDsLocked(except types.TxnID) []types.TxnID {
	ret := make([]types.TxnID, 0, len(transaction_manager.txn_map))
	for xid, txn := range transaction_manager.txn_map {
		if xid != except && txn.GetState() == ACTIVE {
			ret = append(ret, xid)
		}
	}
	return ret
}

func (transaction_manager *TransactionManager) GetBeginTimestamp(xid types.TxnID) (types.Timestamp, bool) {
	transaction_manager.mutex.Lock()
	defer transaction_manager.mutex.Unlock()
	if txn, ok := transaction_manager.txn_map[xid]; ok {
		return txn.GetBeginTimestamp(), true
	}
	return types.MinTimestamp, false
}

func (transaction_manager *TransactionManager) ViewLowWatermarks() []types.Timestamp {
	transaction_manager.mutex.Lock()
	defer transaction_manager.mutex.Unlock()
	ret := make([]types.Timestamp, 0)
	for _, txn := range transaction_manager.txn_map {
		if rv := txn.cachedReadView(); rv != nil {
			ret = append(ret, rv.LowWatermark())
		}
	}
	return ret
}

// CreateReadView returns the view txn reads through. READ_COMMITTED gets a
// fresh one per call; stronger levels keep the first one.
func (transaction_manager *TransactionManager) CreateReadView(txn *Transaction) *mvcc.ReadView {
	if txn.GetIsolationLevel().SnapshotPerTxn() {
		if rv := txn.cachedReadView(); rv != nil {
			return rv
		}
	}
	transaction_manager.mutex.Lock()
	readTS := transaction_manager.nextTimestamp()
	active := transaction_manager.activeTxnIDsLocked(txn.GetTransactionId())
	beginTS := make([]types.Timestamp, len(active))
	for i, xid := range active {
		beginTS[i] = transaction_manager.txn_map[xid].GetBeginTimestamp()
	}
	transaction_manager.mutex.Unlock()

	rv := mvcc.NewReadView(txn.GetTransactionId(), readTS, active, beginTS, txn.GetIsolationLevel())
	if txn.GetIsolationLevel().SnapshotPerTxn() {
		txn.setReadView(rv)
	}
	return rv
}

// BeginOperation is held shared by every record operation so that a
// checkpoint sees no half-applied change.
func (transaction_manager *TransactionManager) BeginOperation() {
	transaction_manager.global_txn_latch.RLock()
}

func (transaction_manager *TransactionManager) EndOperation() {
	transaction_manager.global_txn_latch.RUnlock()
}

func (transaction_manager *TransactionManager) BlockAllTransactions() {
	transaction_manager.global_txn_latch.WLock()
}

func (transaction_manager *TransactionManager) ResumeTransactions() {
	transaction_manager.global_txn_latch.WUnlock()
}

func (transaction_manager *TransactionManager) GetStateFile() *TxnStateFile {
	return transaction_manager.state_file
}

func (transaction_manager *TransactionManager) Close() error {
	transaction_manager.committed.Close()
	return transaction_manager.state_file.Close()
}
