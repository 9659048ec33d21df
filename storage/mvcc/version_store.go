package mvcc

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

type VersionStatus uint8

const (
	VersionValid   VersionStatus = 0
	VersionDeleted VersionStatus = 1
)

// InvalidVersionID ends a chain.
const InvalidVersionID = types.InvalidLSN

/**
 * RecordVersion is one image of a record. VersionID is the LSN of the UNDO
 * record written when the version was created. Base versions taken from a
 * page image have negative ids.
 */
type RecordVersion struct {
	VersionID   types.LSN
	RID         page.RID
	Xid         types.TxnID
	BeginTS     types.Timestamp
	EndTS       types.Timestamp
	Data        []byte
	Status      VersionStatus
	PrevVersion types.LSN
}

func (v *RecordVersion) IsDeleted() bool { return v.Status == VersionDeleted }

func (v *RecordVersion) String() string {
	return fmt.Sprintf("RecordVersion{id:%d rid:%s xid:%d begin:%d end:%d status:%d size:%d prev:%d}",
		v.VersionID, v.RID, v.Xid, v.BeginTS, v.EndTS, v.Status, len(v.Data), v.PrevVersion)
}

// versionChain holds the versions of one record, newest first.
type versionChain struct {
	rid      page.RID
	versions []*RecordVersion
}

func (c *versionChain) Less(than btree.Item) bool {
	return c.rid.Less(than.(*versionChain).rid)
}

func (c *versionChain) head() *RecordVersion {
	if len(c.versions) == 0 {
		return nil
	}
	return c.versions[0]
}

/**
 * VersionStore keeps version chains in memory, indexed by RID in a btree so
 * that garbage collection walks records in page order. Pages always hold the
 * newest image; the chains hold what older snapshots still need.
 */
type VersionStore struct {
	mutex  sync.Mutex
	chains *btree.BTree
	byID   map[types.LSN]*RecordVersion
	byXid  map[types.TxnID][]page.RID
	// next id handed to a base version
	nextBaseID types.LSN
}

func NewVersionStore() *VersionStore {
	return &VersionStore{
		chains:     btree.New(16),
		byID:       make(map[types.LSN]*RecordVersion),
		byXid:      make(map[types.TxnID][]page.RID),
		nextBaseID: -2,
	}
}

func (vs *VersionStore) chainOf(rid page.RID) *versionChain {
	item := vs.chains.Get(&versionChain{rid: rid})
	if item == nil {
		return nil
	}
	return item.(*versionChain)
}

// HasChain reports whether rid has versions in memory.
func (vs *VersionStore) HasChain(rid page.RID) bool {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.chainOf(rid) != nil
}

// SeedBaseVersion installs the committed page image of rid as the oldest
// version when the record has no chain yet. It is a no-op otherwise.
func (vs *VersionStore) SeedBaseVersion(rid page.RID, xid types.TxnID, data []byte, status VersionStatus) {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if vs.chainOf(rid) != nil {
		return
	}
	v := &RecordVersion{
		VersionID:   vs.nextBaseID,
		RID:         rid,
		Xid:         xid,
		BeginTS:     types.MinTimestamp,
		EndTS:       types.InfinityTS,
		Data:        append([]byte(nil), data...),
		Status:      status,
		PrevVersion: InvalidVersionID,
	}
	vs.nextBaseID--
	vs.byID[v.VersionID] = v
	vs.chains.ReplaceOrInsert(&versionChain{rid, []*RecordVersion{v}})
}

// AddVersion makes v the head of its chain. The previous head ends where v
// begins.
func (vs *VersionStore) AddVersion(v *RecordVersion) error {
	if !v.VersionID.IsValid() {
		return errors.New(errors.ValidationError, "version of %s has no id", v.RID)
	}
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if _, ok := vs.byID[v.VersionID]; ok {
		return errors.New(errors.ValidationError, "duplicate version id %d", v.VersionID)
	}

	v.EndTS = types.InfinityTS
	v.PrevVersion = InvalidVersionID
	chain := vs.chainOf(v.RID)
	if chain == nil {
		chain = &versionChain{rid: v.RID}
		vs.chains.ReplaceOrInsert(chain)
	} else if old := chain.head(); old != nil {
		v.PrevVersion = old.VersionID
		old.EndTS = v.BeginTS
	}
	chain.versions = append([]*RecordVersion{v}, chain.versions...)
	vs.byID[v.VersionID] = v
	vs.byXid[v.Xid] = append(vs.byXid[v.Xid], v.RID)
	return nil
}

func (vs *VersionStore) GetLatestVersion(rid page.RID) *RecordVersion {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if chain := vs.chainOf(rid); chain != nil {
		return chain.head()
	}
	return nil
}

func (vs *VersionStore) GetVersion(versionID types.LSN) *RecordVersion {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.byID[versionID]
}

// GetVersionChain returns the versions of rid, newest first.
func (vs *VersionStore) GetVersionChain(rid page.RID) []*RecordVersion {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	chain := vs.chainOf(rid)
	if chain == nil {
		return nil
	}
	return append([]*RecordVersion(nil), chain.versions...)
}

func (vs *VersionStore) UpdateVersionEndTS(versionID types.LSN, endTS types.Timestamp) bool {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	v, ok := vs.byID[versionID]
	if !ok {
		return false
	}
	v.EndTS = endTS
	return true
}

// Resolve returns the version of rid visible through view, or nil when no
// version is visible. The second result is false when rid has no chain and
// the caller must read the page.
func (vs *VersionStore) Resolve(rid page.RID, view *ReadView) (*RecordVersion, bool) {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	chain := vs.chainOf(rid)
	if chain == nil {
		return nil, false
	}
	for i, v := range chain.versions {
		endTS := v.EndTS
		// a successor the view cannot see has not ended v for this view
		if i > 0 {
			succ := chain.versions[i-1]
			if !view.createdVisible(succ.Xid, succ.BeginTS) {
				endTS = types.InfinityTS
			}
		}
		if view.IsVisible(v.Xid, v.BeginTS, endTS) {
			return v, true
		}
	}
	return nil, true
}

// GetRecordVersion returns the version of rid that was current at ts.
func (vs *VersionStore) GetRecordVersion(rid page.RID, ts types.Timestamp) *RecordVersion {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	chain := vs.chainOf(rid)
	if chain == nil {
		return nil
	}
	for _, v := range chain.versions {
		if v.BeginTS <= ts && ts < v.EndTS {
			return v
		}
	}
	return nil
}

// RemoveVersionsOf drops the versions created by an aborted transaction.
// The version that becomes the head again is current once more.
func (vs *VersionStore) RemoveVersionsOf(xid types.TxnID) int {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	removed := 0
	for _, rid := range vs.byXid[xid] {
		chain := vs.chainOf(rid)
		if chain == nil {
			continue
		}
		kept := chain.versions[:0]
		for _, v := range chain.versions {
			if v.Xid == xid {
				delete(vs.byID, v.VersionID)
				removed++
				continue
			}
			kept = append(kept, v)
		}
		chain.versions = kept
		if head := chain.head(); head != nil {
			head.EndTS = types.InfinityTS
		} else {
			vs.chains.Delete(chain)
		}
	}
	delete(vs.byXid, xid)
	return removed
}

// ForgetTxn drops the per-transaction index entry of a finished transaction.
func (vs *VersionStore) ForgetTxn(xid types.TxnID) {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	delete(vs.byXid, xid)
}

// PurgeResult summarises one purge pass.
type PurgeResult struct {
	Purged        int
	DroppedChains int
	// committed deletes older than the safe timestamp; their slots can be freed
	Reclaimable []page.RID
}

/*
* PurgeOldVersions removes every version that ended before safeTS. A chain
* left with a single committed version older than safeTS is dropped, the page
* holds the same image.
 */
func (vs *VersionStore) PurgeOldVersions(safeTS types.Timestamp, isCommitted func(types.TxnID) bool) PurgeResult {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()

	ret := PurgeResult{Reclaimable: make([]page.RID, 0)}
	dropped := make([]*versionChain, 0)
	vs.chains.Ascend(func(item btree.Item) bool {
		chain := item.(*versionChain)
		kept := chain.versions[:0]
		for _, v := range chain.versions {
			if v.EndTS < safeTS {
				delete(vs.byID, v.VersionID)
				ret.Purged++
				continue
			}
			kept = append(kept, v)
		}
		chain.versions = kept
		if len(kept) > 0 {
			kept[len(kept)-1].PrevVersion = InvalidVersionID
		}

		if len(kept) == 1 && kept[0].BeginTS < safeTS && isCommitted(kept[0].Xid) {
			if kept[0].IsDeleted() {
				ret.Reclaimable = append(ret.Reclaimable, chain.rid)
			}
			delete(vs.byID, kept[0].VersionID)
			chain.versions = nil
		}
		if len(chain.versions) == 0 {
			dropped = append(dropped, chain)
		}
		return true
	})
	for _, chain := range dropped {
		vs.chains.Delete(chain)
	}
	ret.DroppedChains = len(dropped)
	return ret
}

// VersionCount is the number of versions held in memory.
func (vs *VersionStore) VersionCount() int {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return len(vs.byID)
}

func (vs *VersionStore) ChainCount() int {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.chains.Len()
}
