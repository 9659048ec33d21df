package log_recovery

import (
	"container/heap"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/access"
	"github.com/LUPENGHAN/EASYDB/storage/buffer"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/types"
)

// Summary reports what the last recovery run found and did.
type Summary struct {
	CheckpointLSN types.LSN
	RedoLSN       types.LSN
	EndLSN        types.LSN
	Winners       []types.TxnID
	Losers        []types.TxnID
	Aborted       []types.TxnID
	DirtyPages    int
	RedoApplied   int
	UndoApplied   int
	// xids the state file listed as ACTIVE that the log never finished
	Reconciled int
}

func (s *Summary) String() string {
	return fmt.Sprintf("checkpoint=%d redo_from=%d end=%d winners=%d losers=%d aborted=%d dirty_pages=%d redone=%d undone=%d reconciled=%d",
		s.CheckpointLSN, s.RedoLSN, s.EndLSN, len(s.Winners), len(s.Losers), len(s.Aborted),
		s.DirtyPages, s.RedoApplied, s.UndoApplied, s.Reconciled)
}

/**
 * LogRecovery reads the log at startup and brings the pages and the
 * transaction state file to the state of the last durable commit:
 * analysis rebuilds the transaction and dirty page tables, redo repeats
 * history and undo rolls the losers back with compensation records.
 */
type LogRecovery struct {
	disk_manager        disk.DiskManager
	buffer_pool_manager *buffer.BufferPoolManager
	log_manager         *recovery.LogManager
	state_file          *access.TxnStateFile
	undoer              access.RecordUndoer

	att map[types.TxnID]*recovery.ATTEntry
	dpt map[types.PageID]types.LSN

	summary *Summary
}

func NewLogRecovery(disk_manager disk.DiskManager, buffer_pool_manager *buffer.BufferPoolManager, log_manager *recovery.LogManager, stateFile *access.TxnStateFile, undoer access.RecordUndoer) *LogRecovery {
	return &LogRecovery{
		disk_manager:        disk_manager,
		buffer_pool_manager: buffer_pool_manager,
		log_manager:         log_manager,
		state_file:          stateFile,
		undoer:              undoer,
	}
}

// Summary is nil until Recover has run.
func (log_recovery *LogRecovery) Summary() *Summary {
	return log_recovery.summary
}

// Recover runs the three passes, reconciles the state file, flushes every
// page and takes a fresh checkpoint. Any error leaves the database unopened.
func (log_recovery *LogRecovery) Recover() error {
	log_recovery.att = make(map[types.TxnID]*recovery.ATTEntry)
	log_recovery.dpt = make(map[types.PageID]types.LSN)
	log_recovery.summary = &Summary{
		CheckpointLSN: log_recovery.log_manager.GetCheckpointLSN(),
		EndLSN:        log_recovery.log_manager.GetNextLSN(),
	}

	if err := log_recovery.Analysis(); err != nil {
		return errors.Wrapf(err, "recovery analysis")
	}
	log.WithFields(log.Fields{
		"checkpoint": log_recovery.summary.CheckpointLSN,
		"end":        log_recovery.summary.EndLSN,
		"txns":       len(log_recovery.att),
		"dirty":      len(log_recovery.dpt),
	}).Info("recovery analysis done")

	if err := log_recovery.Redo(); err != nil {
		return errors.Wrapf(err, "recovery redo")
	}
	log.WithFields(log.Fields{
		"from":    log_recovery.summary.RedoLSN,
		"applied": log_recovery.summary.RedoApplied,
	}).Info("recovery redo done")

	if err := log_recovery.Undo(); err != nil {
		return errors.Wrapf(err, "recovery undo")
	}
	log.WithFields(log.Fields{
		"losers":  len(log_recovery.summary.Losers),
		"applied": log_recovery.summary.UndoApplied,
	}).Info("recovery undo done")

	if err := log_recovery.reconcileStateFile(); err != nil {
		return errors.Wrapf(err, "reconciling transaction states")
	}
	if err := log_recovery.buffer_pool_manager.FlushAllPages(); err != nil {
		return err
	}
	if _, err := log_recovery.log_manager.Checkpoint(); err != nil {
		return err
	}
	log.WithField("summary", log_recovery.summary.String()).Info("recovery complete")
	return nil
}

func (log_recovery *LogRecovery) attEntry(xid types.TxnID) *recovery.ATTEntry {
	entry, ok := log_recovery.att[xid]
	if !ok {
		entry = &recovery.ATTEntry{TxnID: xid, Status: recovery.TXN_ACTIVE, LastLSN: types.InvalidLSN}
		log_recovery.att[xid] = entry
	}
	return entry
}

/*
* Analysis scans forward from the last checkpoint, or from the head of the
* log when there is none, and rebuilds the active transaction table and the
* dirty page table. Entries seen by the scan win over the checkpoint
* snapshot for the ATT; for the DPT the earlier recLSN wins.
 */
func (log_recovery *LogRecovery) Analysis() error {
	it := log_recovery.log_manager.NewIterator(log_recovery.summary.CheckpointLSN)
	for {
		rec, err := it.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		if rec.Txn_id != types.SystemTxnID {
			log_recovery.attEntry(rec.Txn_id).LastLSN = rec.Lsn
		}
		switch rec.Log_record_type {
		case recovery.REDO, recovery.COMPENSATION:
			if _, ok := log_recovery.dpt[rec.Page_id]; !ok {
				log_recovery.dpt[rec.Page_id] = rec.Lsn
			}
		case recovery.UNDO:
			entry := log_recovery.attEntry(rec.Txn_id)
			switch rec.Op_type {
			case recovery.TXN_COMMIT:
				entry.Status = recovery.TXN_COMMITTED
			case recovery.TXN_ABORT:
				entry.Status = recovery.TXN_ABORTED
			default:
				entry.UndoLSN = append(entry.UndoLSN, rec.Lsn)
			}
		case recovery.END_CHECKPOINT:
			log_recovery.mergeCheckpoint(rec)
		}
	}

	for pageID := range log_recovery.dpt {
		if err := log_recovery.disk_manager.MarkPageAllocated(pageID); err != nil {
			return err
		}
	}
	log_recovery.summary.DirtyPages = len(log_recovery.dpt)

	xids := maps.Keys(log_recovery.att)
	slices.Sort(xids)
	for _, xid := range xids {
		switch log_recovery.att[xid].Status {
		case recovery.TXN_COMMITTED:
			log_recovery.summary.Winners = append(log_recovery.summary.Winners, xid)
		case recovery.TXN_ABORTED:
			log_recovery.summary.Aborted = append(log_recovery.summary.Aborted, xid)
		default:
			log_recovery.summary.Losers = append(log_recovery.summary.Losers, xid)
		}
	}
	return nil
}

func (log_recovery *LogRecovery) mergeCheckpoint(rec *recovery.LogRecord) {
	for _, snap := range rec.Txn_table {
		if _, ok := log_recovery.att[snap.TxnID]; ok {
			continue
		}
		entry := snap
		entry.UndoLSN = append([]types.LSN(nil), snap.UndoLSN...)
		log_recovery.att[snap.TxnID] = &entry
	}
	for _, snap := range rec.Dirty_pages {
		if recLSN, ok := log_recovery.dpt[snap.PageID]; !ok || snap.RecLSN < recLSN {
			log_recovery.dpt[snap.PageID] = snap.RecLSN
		}
	}
}

/*
* Redo repeats history from the smallest recLSN of the dirty page table.
* A page change is applied only when its page is in the table, the record is
* not older than the page's recLSN and the page LSN shows it is missing.
 */
func (log_recovery *LogRecovery) Redo() error {
	if len(log_recovery.dpt) == 0 {
		log_recovery.summary.RedoLSN = types.InvalidLSN
		return nil
	}
	redoLSN := types.InvalidLSN
	for _, recLSN := range log_recovery.dpt {
		if !redoLSN.IsValid() || recLSN < redoLSN {
			redoLSN = recLSN
		}
	}
	log_recovery.summary.RedoLSN = redoLSN

	it := log_recovery.log_manager.NewIterator(redoLSN)
	for {
		rec, err := it.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if !rec.IsPageChange() {
			continue
		}
		recLSN, ok := log_recovery.dpt[rec.Page_id]
		if !ok || rec.Lsn < recLSN {
			continue
		}
		applied, err := log_recovery.redoRecord(rec)
		if err != nil {
			return err
		}
		if applied {
			log_recovery.summary.RedoApplied++
		}
	}
}

func (log_recovery *LogRecovery) redoRecord(rec *recovery.LogRecord) (bool, error) {
	pg, err := log_recovery.buffer_pool_manager.FetchPage(rec.Page_id)
	if err != nil {
		return false, err
	}
	tp := access.CastPageAsTablePage(pg)
	tp.WLatch()
	applied := tp.Redo(rec)
	tp.WUnlatch()
	if common.EnableDebug && applied {
		common.ShPrintf(common.RECOVERY_INFO, "redo lsn %d on page %s\n", rec.Lsn, rec.Page_id)
	}
	return applied, log_recovery.buffer_pool_manager.UnpinPage(rec.Page_id, applied)
}

type undoTarget struct {
	lsn types.LSN
	xid types.TxnID
}

// undoQueue is a max-heap on LSN so that the losers are undone together in
// reverse log order.
type undoQueue []undoTarget

func (q undoQueue) Len() int            { return len(q) }
func (q undoQueue) Less(i, j int) bool  { return q[i].lsn > q[j].lsn }
func (q undoQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *undoQueue) Push(x interface{}) { *q = append(*q, x.(undoTarget)) }
func (q *undoQueue) Pop() interface{} {
	old := *q
	n := len(old)
	ret := old[n-1]
	*q = old[:n-1]
	return ret
}

/*
* Undo rolls every loser back. UNDO records are reversed through the record
* undoer, which logs compensation records; a compensation record sends the
* walk to its undoNextLSN. When a chain runs out the ABORT marker is written.
 */
func (log_recovery *LogRecovery) Undo() error {
	if len(log_recovery.summary.Losers) == 0 {
		return nil
	}
	if log_recovery.undoer == nil {
		return errors.New(errors.ValidationError, "no record undoer bound for recovery")
	}

	queue := make(undoQueue, 0, len(log_recovery.summary.Losers))
	heads := make(map[types.TxnID]types.LSN)
	for _, xid := range log_recovery.summary.Losers {
		entry := log_recovery.att[xid]
		heads[xid] = entry.LastLSN
		if entry.LastLSN.IsValid() {
			queue = append(queue, undoTarget{entry.LastLSN, xid})
		} else if err := log_recovery.finishLoser(xid, heads[xid]); err != nil {
			return err
		}
	}
	heap.Init(&queue)

	for queue.Len() > 0 {
		target := heap.Pop(&queue).(undoTarget)
		rec, err := log_recovery.log_manager.ReadLogRecord(target.lsn)
		if err != nil {
			return err
		}
		if rec.Txn_id != target.xid {
			return errors.New(errors.CorruptionDetected, "lsn %d belongs to xid %d, not to xid %d", rec.Lsn, rec.Txn_id, target.xid)
		}

		var next types.LSN
		switch {
		case rec.Log_record_type == recovery.UNDO && !rec.IsTxnEnd():
			lsn, err := log_recovery.undoer.UndoRecord(target.xid, heads[target.xid], rec)
			if err != nil {
				return err
			}
			heads[target.xid] = lsn
			log_recovery.summary.UndoApplied++
			next = rec.Prev_lsn
		case rec.Log_record_type == recovery.COMPENSATION:
			next = rec.Undo_next_lsn
		default:
			next = rec.Prev_lsn
		}

		if next.IsValid() {
			heap.Push(&queue, undoTarget{next, target.xid})
		} else if err := log_recovery.finishLoser(target.xid, heads[target.xid]); err != nil {
			return err
		}
	}
	return log_recovery.log_manager.Flush()
}

func (log_recovery *LogRecovery) finishLoser(xid types.TxnID, head types.LSN) error {
	lsn, err := log_recovery.log_manager.AppendLogRecord(recovery.NewLogRecordTxnEnd(xid, head, recovery.TXN_ABORT))
	if err != nil {
		return err
	}
	entry := log_recovery.att[xid]
	entry.Status = recovery.TXN_ABORTED
	entry.LastLSN = lsn
	log.WithFields(log.Fields{"xid": xid, "abort_lsn": lsn}).Debug("loser rolled back")
	return nil
}

// reconcileStateFile makes the state file agree with the log. Nothing runs
// yet, so every xid still marked ACTIVE afterwards is aborted.
func (log_recovery *LogRecovery) reconcileStateFile() error {
	if log_recovery.state_file == nil {
		return nil
	}
	for xid, entry := range log_recovery.att {
		switch entry.Status {
		case recovery.TXN_COMMITTED, recovery.TXN_ABORTED:
			if err := log_recovery.state_file.SetStatus(xid, entry.Status); err != nil {
				return err
			}
		}
	}
	active, err := log_recovery.state_file.ActiveXids()
	if err != nil {
		return err
	}
	for _, xid := range active {
		if err := log_recovery.state_file.SetStatus(xid, recovery.TXN_ABORTED); err != nil {
			return err
		}
	}
	log_recovery.summary.Reconciled = len(active)
	return nil
}
