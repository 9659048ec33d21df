package access

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * Transaction states:
 *
 * ACTIVE -> COMMITTED
 *    |
 *    +----> ABORTED
 *
 * The values are the status bytes of the transaction state file.
 **/

type TransactionState int32

const (
	ACTIVE    TransactionState = TransactionState(recovery.TXN_ACTIVE)
	COMMITTED TransactionState = TransactionState(recovery.TXN_COMMITTED)
	ABORTED   TransactionState = TransactionState(recovery.TXN_ABORTED)
)

func (s TransactionState) String() string {
	switch s {
	case ACTIVE:
		return "ACTIVE"
	case COMMITTED:
		return "COMMITTED"
	case ABORTED:
		return "ABORTED"
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

/**
 * Type of write operation.
 */
type WType int32

const (
	INSERT WType = iota
	DELETE
	UPDATE
)

/**
 * WriteRecord tracks information related to a write.
 */
type WriteRecord struct {
	rid   page.RID
	wtype WType
	// LSN of the UNDO record describing the write
	undo_lsn types.LSN
}

func NewWriteRecord(rid page.RID, wtype WType, undoLSN types.LSN) *WriteRecord {
	return &WriteRecord{rid, wtype, undoLSN}
}

func (wr *WriteRecord) GetRID() page.RID { return wr.rid }

func (wr *WriteRecord) GetWType() WType { return wr.wtype }

/**
 * Transaction tracks information related to a transaction.
 */
type Transaction struct {
	/** The current transaction state. */
	state TransactionState

	txn_id    types.TxnID
	begin_ts  types.Timestamp
	commit_ts types.Timestamp
	isolation mvcc.IsolationLevel

	// The undo set of the transaction.
	write_set []*WriteRecord

	/** The LSN of the last record written by the transaction. */
	prev_lsn types.LSN
	// LSNs of the UNDO records written by the transaction, oldest first
	undo_lsns []types.LSN

	// resources locked by this transaction
	lock_set mapset.Set[ResourceID]

	// cached for REPEATABLE_READ and SERIALIZABLE
	read_view *mvcc.ReadView

	mutex   *sync.Mutex
	dbgInfo string
}

func NewTransaction(txn_id types.TxnID, beginTS types.Timestamp, isolation mvcc.IsolationLevel) *Transaction {
	return &Transaction{
		state:     ACTIVE,
		txn_id:    txn_id,
		begin_ts:  beginTS,
		isolation: isolation,
		write_set: make([]*WriteRecord, 0),
		prev_lsn:  types.InvalidLSN,
		undo_lsns: make([]types.LSN, 0),
		lock_set:  mapset.NewSet[ResourceID](),
		mutex:     new(sync.Mutex),
	}
}

/** @return the id of this transaction */
func (txn *Transaction) GetTransactionId() types.TxnID { return txn.txn_id }

func (txn *Transaction) GetBeginTimestamp() types.Timestamp { return txn.begin_ts }

func (txn *Transaction) GetCommitTimestamp() types.Timestamp {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return txn.commit_ts
}

func (txn *Transaction) GetIsolationLevel() mvcc.IsolationLevel { return txn.isolation }

/** @return the list of of write records of this transaction */
func (txn *Transaction) GetWriteSet() []*WriteRecord {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return append([]*WriteRecord(nil), txn.write_set...)
}

func (txn *Transaction) AddIntoWriteSet(write_record *WriteRecord) {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	txn.write_set = append(txn.write_set, write_record)
}

func (txn *Transaction) clearWriteSet() {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	txn.write_set = txn.write_set[:0]
}

// IsReadOnly is true until the transaction writes a record.
func (txn *Transaction) IsReadOnly() bool {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return len(txn.undo_lsns) == 0
}

/** @return the current state of the transaction */
func (txn *Transaction) GetState() TransactionState {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return txn.state
}

func (txn *Transaction) SetState(state TransactionState) {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	txn.state = state
}

/** @return the previous LSN */
func (txn *Transaction) GetPrevLSN() types.LSN {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return txn.prev_lsn
}

/**
* Set the previous LSN.
* @param prev_lsn new previous lsn
 */
func (txn *Transaction) SetPrevLSN(prev_lsn types.LSN) {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	txn.prev_lsn = prev_lsn
}

func (txn *Transaction) addUndoLSN(lsn types.LSN) {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	txn.undo_lsns = append(txn.undo_lsns, lsn)
}

func (txn *Transaction) GetUndoLSNs() []types.LSN {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return append([]types.LSN(nil), txn.undo_lsns...)
}

func (txn *Transaction) GetLockSet() mapset.Set[ResourceID] { return txn.lock_set }

func (txn *Transaction) cachedReadView() *mvcc.ReadView {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return txn.read_view
}

func (txn *Transaction) setReadView(rv *mvcc.ReadView) {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	txn.read_view = rv
}

// attEntry snapshots the transaction for a checkpoint.
func (txn *Transaction) attEntry() recovery.ATTEntry {
	txn.mutex.Lock()
	defer txn.mutex.Unlock()
	return recovery.ATTEntry{
		TxnID:   txn.txn_id,
		Status:  recovery.TxnStatus(txn.state),
		LastLSN: txn.prev_lsn,
		UndoLSN: append([]types.LSN(nil), txn.undo_lsns...),
	}
}

func (txn *Transaction) GetDebugInfo() string { return txn.dbgInfo }

func (txn *Transaction) SetDebugInfo(dbgInfo string) { txn.dbgInfo = dbgInfo }

func (txn *Transaction) String() string {
	return fmt.Sprintf("Transaction{xid:%d state:%s begin:%d isolation:%s}", txn.txn_id, txn.GetState(), txn.begin_ts, txn.isolation)
}
