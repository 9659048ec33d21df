package easydb

import (
	"github.com/LUPENGHAN/EASYDB/concurrency"
	"github.com/LUPENGHAN/EASYDB/config"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/recovery/log_recovery"
	"github.com/LUPENGHAN/EASYDB/storage/access"
	"github.com/LUPENGHAN/EASYDB/storage/buffer"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
)

// EasyDBInstance owns the storage components of one open database and the
// bindings between them.
type EasyDBInstance struct {
	disk_manager        disk.DiskManager
	log_manager         *recovery.LogManager
	bpm                 *buffer.BufferPoolManager
	lock_manager        *access.LockManager
	transaction_manager *access.TransactionManager
	version_store       *mvcc.VersionStore
	table_heap          *access.TableHeap
	log_recovery        *log_recovery.LogRecovery
	checkpoint_manager  *concurrency.CheckpointManager
	garbage_collector   *mvcc.GarbageCollector
}

// NewEasyDBInstance builds every component on diskManager and binds the log
// to the buffer pool, the transaction table and recovery. Nothing runs yet.
func NewEasyDBInstance(cfg *config.Config, diskManager disk.DiskManager) (*EasyDBInstance, error) {
	log_manager, err := recovery.NewLogManager(diskManager)
	if err != nil {
		return nil, err
	}
	bpm := buffer.NewBufferPoolManager(cfg.BufferPoolSize, diskManager, log_manager)
	log_manager.BindDirtyPageSource(bpm)

	stateFile, err := access.OpenTxnStateFile(diskManager)
	if err != nil {
		return nil, err
	}
	lock_manager := access.NewLockManager(cfg.DeadlockCheckInterval())
	var version_store *mvcc.VersionStore
	if cfg.MVCCEnabled {
		version_store = mvcc.NewVersionStore()
	}
	transaction_manager, err := access.NewTransactionManager(lock_manager, log_manager, stateFile, version_store, cfg.DefaultIsolation)
	if err != nil {
		stateFile.Close()
		return nil, err
	}
	log_manager.BindTxnTableSource(transaction_manager)

	table_heap := access.NewTableHeap(bpm, diskManager, log_manager, transaction_manager, cfg.LockTimeoutMs)
	recoverer := log_recovery.NewLogRecovery(diskManager, bpm, log_manager, stateFile, table_heap)
	log_manager.BindRecoverer(recoverer)

	checkpoint_manager := concurrency.NewCheckpointManager(transaction_manager, log_manager, cfg.CheckpointInterval())
	var garbage_collector *mvcc.GarbageCollector
	if version_store != nil {
		garbage_collector = mvcc.NewGarbageCollector(version_store, transaction_manager, table_heap.ReclaimSlots, cfg.GCSafetyMargin())
	}

	return &EasyDBInstance{
		disk_manager:        diskManager,
		log_manager:         log_manager,
		bpm:                 bpm,
		lock_manager:        lock_manager,
		transaction_manager: transaction_manager,
		version_store:       version_store,
		table_heap:          table_heap,
		log_recovery:        recoverer,
		checkpoint_manager:  checkpoint_manager,
		garbage_collector:   garbage_collector,
	}, nil
}

func (ei *EasyDBInstance) GetDiskManager() disk.DiskManager {
	return ei.disk_manager
}

func (ei *EasyDBInstance) GetLogManager() *recovery.LogManager {
	return ei.log_manager
}

func (ei *EasyDBInstance) GetBufferPoolManager() *buffer.BufferPoolManager {
	return ei.bpm
}

func (ei *EasyDBInstance) GetLockManager() *access.LockManager {
	return ei.lock_manager
}

func (ei *EasyDBInstance) GetTransactionManager() *access.TransactionManager {
	return ei.transaction_manager
}

func (ei *EasyDBInstance) GetTableHeap() *access.TableHeap {
	return ei.table_heap
}

func (ei *EasyDBInstance) GetCheckpointManager() *concurrency.CheckpointManager {
	return ei.checkpoint_manager
}

// startBackground launches deadlock detection, checkpointing and, with
// MVCC, garbage collection.
func (ei *EasyDBInstance) startBackground(cfg *config.Config) {
	ei.lock_manager.Start()
	ei.checkpoint_manager.StartCheckpointTh()
	if ei.garbage_collector != nil {
		ei.garbage_collector.Start(cfg.GCInterval(), cfg.GCInterval())
	}
}

func (ei *EasyDBInstance) stopBackground() {
	if ei.garbage_collector != nil {
		ei.garbage_collector.Stop()
	}
	ei.checkpoint_manager.StopCheckpointTh()
	ei.lock_manager.Stop()
}

// Shutdown flushes every page and the log, then closes the files. The free
// maps of the data files are persisted by the disk manager.
func (ei *EasyDBInstance) Shutdown() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(ei.bpm.FlushAllPages())
	keep(ei.log_manager.Flush())
	keep(ei.transaction_manager.Close())
	keep(ei.disk_manager.ShutDown())
	return firstErr
}

// CloseFilesForTesting leaves the files as a crash would: the unflushed log
// tail and every frame are lost.
func (ei *EasyDBInstance) CloseFilesForTesting() {
	ei.log_manager.DiscardBufferForTesting()
	ei.bpm.DropAllForTesting()
	ei.transaction_manager.Close()
	ei.disk_manager.CloseFilesForTesting()
}
