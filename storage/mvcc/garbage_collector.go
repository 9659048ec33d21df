package mvcc

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

// TxnSnapshotSource is what the collector needs from the transaction manager.
type TxnSnapshotSource interface {
	ActiveTxnIDs() []types.TxnID
	GetBeginTimestamp(xid types.TxnID) (types.Timestamp, bool)
	// low watermarks of the read views cached by active transactions
	ViewLowWatermarks() []types.Timestamp
	IsCommitted(xid types.TxnID) bool
	CurrentTimestamp() types.Timestamp
}

// Reclaimer frees the slots of committed deletes found by a purge.
type Reclaimer func(rids []page.RID) error

/**
 * GarbageCollector purges versions no active snapshot can reach. It runs
 * periodically once started and on demand through ForcedCollect.
 */
type GarbageCollector struct {
	store        *VersionStore
	txns         TxnSnapshotSource
	reclaim      Reclaimer
	safetyMargin time.Duration

	mutex   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewGarbageCollector(store *VersionStore, txns TxnSnapshotSource, reclaim Reclaimer, safetyMargin time.Duration) *GarbageCollector {
	return &GarbageCollector{store: store, txns: txns, reclaim: reclaim, safetyMargin: safetyMargin}
}

// SafeTimestamp is the oldest point any active transaction can still read.
// With nothing active it is now minus the safety margin.
func (gc *GarbageCollector) SafeTimestamp() types.Timestamp {
	safeTS := types.InfinityTS
	for _, xid := range gc.txns.ActiveTxnIDs() {
		if ts, ok := gc.txns.GetBeginTimestamp(xid); ok && ts < safeTS {
			safeTS = ts
		}
	}
	for _, ts := range gc.txns.ViewLowWatermarks() {
		if ts < safeTS {
			safeTS = ts
		}
	}
	if safeTS == types.InfinityTS {
		safeTS = gc.txns.CurrentTimestamp() - types.Timestamp(gc.safetyMargin/time.Microsecond)
	}
	return safeTS
}

// ForcedCollect runs one pass now.
func (gc *GarbageCollector) ForcedCollect() (PurgeResult, error) {
	safeTS := gc.SafeTimestamp()
	ret := gc.store.PurgeOldVersions(safeTS, gc.txns.IsCommitted)
	if len(ret.Reclaimable) > 0 && gc.reclaim != nil {
		if err := gc.reclaim(ret.Reclaimable); err != nil {
			return ret, err
		}
	}
	log.WithFields(log.Fields{
		"safeTS":    safeTS,
		"purged":    ret.Purged,
		"dropped":   ret.DroppedChains,
		"reclaimed": len(ret.Reclaimable),
	}).Debug("mvcc gc pass")
	return ret, nil
}

// Start runs a pass after initialDelay and then every period.
func (gc *GarbageCollector) Start(initialDelay time.Duration, period time.Duration) {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	if gc.running || period <= 0 {
		return
	}
	gc.running = true
	gc.stopCh = make(chan struct{})
	gc.wg.Add(1)
	go func(stopCh chan struct{}) {
		defer gc.wg.Done()
		select {
		case <-stopCh:
			return
		case <-time.After(initialDelay):
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			if _, err := gc.ForcedCollect(); err != nil {
				log.WithError(err).Error("mvcc gc pass failed")
			}
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}
		}
	}(gc.stopCh)
}

func (gc *GarbageCollector) Stop() {
	gc.mutex.Lock()
	if !gc.running {
		gc.mutex.Unlock()
		return
	}
	gc.running = false
	close(gc.stopCh)
	gc.mutex.Unlock()
	gc.wg.Wait()
}
