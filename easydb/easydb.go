// Package easydb is the embedded entry point: it opens a database directory,
// recovers it and runs transactions over opaque byte records.
package easydb

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/LUPENGHAN/EASYDB/config"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery/log_recovery"
	"github.com/LUPENGHAN/EASYDB/storage/access"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

type EasyDB struct {
	cfg  *config.Config
	ei_  *EasyDBInstance
	shut atomic.Bool
}

// Open opens or creates the database described by cfg. Recovery always runs
// before the first transaction is admitted; if it fails the database stays
// closed.
func Open(cfg *config.Config) (*EasyDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var dman disk.DiskManager
	if cfg.OnMemory {
		dman = disk.NewVirtualDiskManagerImpl(cfg.MaxPagesPerFile)
	} else {
		var err error
		if dman, err = disk.NewDiskManagerImpl(cfg.Dir, cfg.MaxPagesPerFile); err != nil {
			return nil, err
		}
	}
	return openOn(cfg, dman)
}

func openOn(cfg *config.Config, dman disk.DiskManager) (*EasyDB, error) {
	start := time.Now()
	ei, err := NewEasyDBInstance(cfg, dman)
	if err != nil {
		dman.ShutDown()
		return nil, err
	}
	if err := ei.GetLogManager().Recover(); err != nil {
		ei.GetTransactionManager().Close()
		dman.ShutDown()
		return nil, errors.Wrapf(err, "opening %s", cfg.Dir)
	}
	if err := ei.GetTableHeap().LoadFreeSpaceMap(); err != nil {
		ei.Shutdown()
		return nil, err
	}
	ei.startBackground(cfg)

	log.WithFields(log.Fields{
		"dir":       cfg.Dir,
		"mvcc":      cfg.MVCCEnabled,
		"isolation": cfg.DefaultIsolation,
		"pages":     ei.GetTableHeap().PageCount(),
		"elapsed":   time.Since(start),
	}).Info("database opened")
	return &EasyDB{cfg: cfg, ei_: ei}, nil
}

func (db *EasyDB) GetInstance() *EasyDBInstance {
	return db.ei_
}

// RecoverySummary describes the recovery run of this open.
func (db *EasyDB) RecoverySummary() *log_recovery.Summary {
	return db.ei_.log_recovery.Summary()
}

func (db *EasyDB) lookup(xid types.TxnID) (*access.Transaction, error) {
	if db.shut.Load() {
		return nil, errors.WithStack(errors.ErrEngineClosed)
	}
	txn := db.ei_.GetTransactionManager().GetTransaction(xid)
	if txn == nil {
		return nil, errors.Wrapf(errors.ErrUnknownTxn, "xid %d", xid)
	}
	return txn, nil
}

// settle aborts txn when its operation failed on a concurrency conflict, so
// a deadlock victim or a timed out waiter never keeps a half-done transaction.
func (db *EasyDB) settle(txn *access.Transaction, err error) error {
	if err == nil || !errors.Is(err, errors.ConcurrencyConflict) || txn.GetState() != access.ACTIVE {
		return err
	}
	fields := log.Fields{"xid": txn.GetTransactionId(), "cause": err.Error()}
	if abortErr := db.ei_.GetTransactionManager().Abort(txn); abortErr != nil {
		log.WithFields(fields).WithError(abortErr).Error("automatic abort failed")
		return err
	}
	log.WithFields(fields).Info("transaction aborted after a concurrency conflict")
	return errors.Wrapf(err, "xid %d was aborted", txn.GetTransactionId())
}

func (db *EasyDB) Begin() (types.TxnID, error) {
	return db.BeginWithIsolation(db.cfg.DefaultIsolation)
}

func (db *EasyDB) BeginWithIsolation(level mvcc.IsolationLevel) (types.TxnID, error) {
	if db.shut.Load() {
		return types.InvalidTxnID, errors.WithStack(errors.ErrEngineClosed)
	}
	txn, err := db.ei_.GetTransactionManager().BeginWithIsolation(level)
	if err != nil {
		return types.InvalidTxnID, err
	}
	return txn.GetTransactionId(), nil
}

func (db *EasyDB) Commit(xid types.TxnID) error {
	txn, err := db.lookup(xid)
	if err != nil {
		return err
	}
	return db.ei_.GetTransactionManager().Commit(txn)
}

func (db *EasyDB) Abort(xid types.TxnID) error {
	txn, err := db.lookup(xid)
	if err != nil {
		return err
	}
	return db.ei_.GetTransactionManager().Abort(txn)
}

func (db *EasyDB) Insert(xid types.TxnID, data []byte) (page.RID, error) {
	txn, err := db.lookup(xid)
	if err != nil {
		return page.RID{}, err
	}
	rid, err := db.ei_.GetTableHeap().Insert(txn, data)
	return rid, db.settle(txn, err)
}

// Get returns the image of rid visible to xid, or nil.
func (db *EasyDB) Get(rid page.RID, xid types.TxnID) ([]byte, error) {
	txn, err := db.lookup(xid)
	if err != nil {
		return nil, err
	}
	data, err := db.ei_.GetTableHeap().Get(txn, rid)
	return data, db.settle(txn, err)
}

func (db *EasyDB) Update(rid page.RID, data []byte, xid types.TxnID) (bool, error) {
	txn, err := db.lookup(xid)
	if err != nil {
		return false, err
	}
	ok, err := db.ei_.GetTableHeap().Update(txn, rid, data)
	return ok, db.settle(txn, err)
}

func (db *EasyDB) Delete(rid page.RID, xid types.TxnID) (bool, error) {
	txn, err := db.lookup(xid)
	if err != nil {
		return false, err
	}
	ok, err := db.ei_.GetTableHeap().Delete(txn, rid)
	return ok, db.settle(txn, err)
}

// Scan iterates the records visible to xid that pass predicate. An error met
// while iterating is reported by the iterator's Err and does not abort xid.
func (db *EasyDB) Scan(predicate func([]byte) bool, xid types.TxnID) (*access.RecordIterator, error) {
	txn, err := db.lookup(xid)
	if err != nil {
		return nil, err
	}
	return db.ei_.GetTableHeap().Scan(txn, predicate)
}

func (db *EasyDB) Checkpoint() (types.LSN, error) {
	if db.shut.Load() {
		return types.InvalidLSN, errors.WithStack(errors.ErrEngineClosed)
	}
	return db.ei_.GetCheckpointManager().Checkpoint()
}

// CollectGarbage runs one version store pass now. Without MVCC there is
// nothing to collect.
func (db *EasyDB) CollectGarbage() (mvcc.PurgeResult, error) {
	if db.shut.Load() {
		return mvcc.PurgeResult{}, errors.WithStack(errors.ErrEngineClosed)
	}
	if db.ei_.garbage_collector == nil {
		return mvcc.PurgeResult{}, nil
	}
	return db.ei_.garbage_collector.ForcedCollect()
}

// Close stops the background work, rolls back what is still running and
// leaves a checkpoint over clean pages, so the next open recovers nothing.
func (db *EasyDB) Close() error {
	if !db.shut.CompareAndSwap(false, true) {
		return nil
	}
	db.ei_.stopBackground()
	tm := db.ei_.GetTransactionManager()
	for _, xid := range tm.ActiveTxnIDs() {
		if txn := tm.GetTransaction(xid); txn != nil {
			if err := tm.Abort(txn); err != nil {
				log.WithError(err).WithField("xid", xid).Warn("abort at close failed")
			}
		}
	}
	if err := db.ei_.GetBufferPoolManager().FlushAllPages(); err != nil {
		log.WithError(err).Warn("flushing pages at close")
	} else if _, err := db.ei_.GetCheckpointManager().Checkpoint(); err != nil {
		log.WithError(err).Warn("checkpoint at close")
	}
	err := db.ei_.Shutdown()
	log.WithField("dir", db.cfg.Dir).Info("database closed")
	return err
}

// CrashForTesting stops the engine the way a power cut would.
func (db *EasyDB) CrashForTesting() {
	if !db.shut.CompareAndSwap(false, true) {
		return
	}
	db.ei_.stopBackground()
	db.ei_.CloseFilesForTesting()
}

// RestartForTesting crashes the engine and opens the same files again.
func (db *EasyDB) RestartForTesting() (*EasyDB, error) {
	db.CrashForTesting()
	if vdm, ok := db.ei_.GetDiskManager().(*disk.VirtualDiskManagerImpl); ok {
		return openOn(db.cfg, vdm.Reopen())
	}
	return Open(db.cfg)
}
