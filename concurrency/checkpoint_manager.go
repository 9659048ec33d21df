package concurrency

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/access"
	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * CheckpointManager creates consistent checkpoints by blocking all other transactions temporarily.
 * The checkpoint itself records the active transaction table and the dirty
 * page table; pages are not flushed, redo starts from the smallest recLSN.
 */
type CheckpointManager struct {
	transaction_manager *access.TransactionManager
	log_manager         *recovery.LogManager
	interval            time.Duration

	mutex  *sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
	// checkpointing thread works when this flag is true
	isCheckpointActive bool
}

func NewCheckpointManager(
	transaction_manager *access.TransactionManager,
	log_manager *recovery.LogManager,
	interval time.Duration) *CheckpointManager {
	return &CheckpointManager{
		transaction_manager: transaction_manager,
		log_manager:         log_manager,
		interval:            interval,
		mutex:               new(sync.Mutex),
	}
}

// StartCheckpointTh runs a checkpoint every interval until stopped. A
// non-positive interval leaves checkpoints to explicit calls.
func (checkpoint_manager *CheckpointManager) StartCheckpointTh() {
	checkpoint_manager.mutex.Lock()
	defer checkpoint_manager.mutex.Unlock()
	if checkpoint_manager.isCheckpointActive || checkpoint_manager.interval <= 0 {
		return
	}
	checkpoint_manager.isCheckpointActive = true
	checkpoint_manager.stopCh = make(chan struct{})
	checkpoint_manager.wg.Add(1)
	go func(stopCh chan struct{}) {
		defer checkpoint_manager.wg.Done()
		ticker := time.NewTicker(checkpoint_manager.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := checkpoint_manager.Checkpoint(); err != nil {
					log.WithError(err).Error("periodic checkpoint failed")
				}
			}
		}
	}(checkpoint_manager.stopCh)
}

// Checkpoint writes one checkpoint while no record operation is in flight
// and returns its BEGIN_CHECKPOINT LSN.
func (checkpoint_manager *CheckpointManager) Checkpoint() (types.LSN, error) {
	checkpoint_manager.BeginCheckpoint()
	defer checkpoint_manager.EndCheckpoint()
	start := time.Now()
	lsn, err := checkpoint_manager.log_manager.Checkpoint()
	if err != nil {
		return types.InvalidLSN, err
	}
	log.WithFields(log.Fields{
		"lsn":     lsn,
		"elapsed": time.Since(start),
	}).Info("checkpoint taken")
	return lsn, nil
}

func (checkpoint_manager *CheckpointManager) BeginCheckpoint() {
	// Block all the transactions so that the snapshots of the transaction
	// table and the dirty page table agree with the log.
	checkpoint_manager.transaction_manager.BlockAllTransactions()
}

func (checkpoint_manager *CheckpointManager) EndCheckpoint() {
	// Allow transactions to resume, completing the checkpoint.
	checkpoint_manager.transaction_manager.ResumeTransactions()
}

func (checkpoint_manager *CheckpointManager) StopCheckpointTh() {
	checkpoint_manager.mutex.Lock()
	if !checkpoint_manager.isCheckpointActive {
		checkpoint_manager.mutex.Unlock()
		return
	}
	checkpoint_manager.isCheckpointActive = false
	close(checkpoint_manager.stopCh)
	checkpoint_manager.mutex.Unlock()
	checkpoint_manager.wg.Wait()
}

func (checkpoint_manager *CheckpointManager) IsCheckpointActive() bool {
	checkpoint_manager.mutex.Lock()
	defer checkpoint_manager.mutex.Unlock()
	return checkpoint_manager.isCheckpointActive
}
