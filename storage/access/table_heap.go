// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package access

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/buffer"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/mvcc"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

// freeSpaceEntry remembers how much a page can take after compaction.
type freeSpaceEntry struct {
	pageID types.PageID
	room   int
}

func (e *freeSpaceEntry) Less(than btree.Item) bool {
	return e.pageID.Less(than.(*freeSpaceEntry).pageID)
}

// TableHeap stores opaque records on the slotted pages of the database.
// Every allocated data page belongs to the heap.
type TableHeap struct {
	bpm             *buffer.BufferPoolManager
	disk_manager    disk.DiskManager
	log_manager     *recovery.LogManager
	lock_manager    *LockManager
	txn_manager     *TransactionManager
	version_store   *mvcc.VersionStore
	lock_timeout_ms int64

	free_map   *btree.BTree
	free_mutex *sync.Mutex
}

// NewTableHeap binds the heap as the record undoer of txn_manager. The
// free space map is empty until LoadFreeSpaceMap runs.
func NewTableHeap(bpm *buffer.BufferPoolManager, diskManager disk.DiskManager, log_manager *recovery.LogManager, txn_manager *TransactionManager, lockTimeoutMs int64) *TableHeap {
	t := &TableHeap{
		bpm:             bpm,
		disk_manager:    diskManager,
		log_manager:     log_manager,
		lock_manager:    txn_manager.GetLockManager(),
		txn_manager:     txn_manager,
		version_store:   txn_manager.GetVersionStore(),
		lock_timeout_ms: lockTimeoutMs,
		free_map:        btree.New(16),
		free_mutex:      new(sync.Mutex),
	}
	txn_manager.SetRecordUndoer(t)
	return t
}

// LoadFreeSpaceMap measures every allocated page. It runs once recovery has
// brought the pages up to date.
func (t *TableHeap) LoadFreeSpaceMap() error {
	for _, pageID := range t.disk_manager.AllocatedPages() {
		pg, err := t.bpm.FetchPage(pageID)
		if err != nil {
			return err
		}
		tp := CastPageAsTablePage(pg)
		tp.RLatch()
		room := common.PageSize
		if sp := tp.Slotted(); sp.IsInitialized() {
			room = sp.Reclaimable()
		}
		tp.RUnlatch()
		if err := t.bpm.UnpinPage(pageID, false); err != nil {
			return err
		}
		t.setRoom(pageID, room)
	}
	return nil
}

func (t *TableHeap) setRoom(pageID types.PageID, room int) {
	t.free_mutex.Lock()
	defer t.free_mutex.Unlock()
	t.free_map.ReplaceOrInsert(&freeSpaceEntry{pageID, room})
}

// candidatePages lists the pages whose remembered room fits need, lowest id first.
func (t *TableHeap) candidatePages(need int) []types.PageID {
	t.free_mutex.Lock()
	defer t.free_mutex.Unlock()
	ret := make([]types.PageID, 0)
	t.free_map.Ascend(func(i btree.Item) bool {
		if e := i.(*freeSpaceEntry); e.room >= need {
			ret = append(ret, e.pageID)
		}
		return true
	})
	return ret
}

func (t *TableHeap) PageCount() int {
	t.free_mutex.Lock()
	defer t.free_mutex.Unlock()
	return t.free_map.Len()
}

func checkActive(txn *Transaction) error {
	if txn == nil {
		return errors.WithStack(errors.ErrUnknownTxn)
	}
	if state := txn.GetState(); state != ACTIVE {
		return errors.Wrapf(errors.ErrTxnNotActive, "xid %d is %s", txn.GetTransactionId(), state)
	}
	return nil
}

func (t *TableHeap) lockRecord(txn *Transaction, rid page.RID, mode LockMode) error {
	res := RecordResource(rid)
	if err := t.lock_manager.AcquireLock(txn.GetTransactionId(), res, mode, t.lock_timeout_ms); err != nil {
		return err
	}
	txn.GetLockSet().Add(res)
	return nil
}

// recordWrite books a logged change on the transaction.
func (t *TableHeap) recordWrite(txn *Transaction, rid page.RID, wtype WType, lastLSN types.LSN, undoLSN types.LSN) {
	txn.SetPrevLSN(lastLSN)
	txn.addUndoLSN(undoLSN)
	txn.AddIntoWriteSet(NewWriteRecord(rid, wtype, undoLSN))
}

/*
* Insert stores data on the first page with room, allocating a page when
* none has. The new RID is locked exclusively with a try-lock while the page
* is latched; a slot some other transaction still locks is skipped.
 */
func (t *TableHeap) Insert(txn *Transaction, data []byte) (page.RID, error) {
	if err := validateData(data); err != nil {
		return page.RID{}, err
	}
	if err := checkActive(txn); err != nil {
		return page.RID{}, err
	}
	t.txn_manager.BeginOperation()
	defer t.txn_manager.EndOperation()

	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "TableHeap::Insert called. txn:%s len:%d\n", txn, len(data))
	}

	image := EncodeRecord(RECORD_VALID, txn.GetTransactionId(), data)
	for _, pageID := range t.candidatePages(len(image) + page.SizeOfSlot) {
		rid, ok, err := t.insertIntoPage(txn, pageID, image, data)
		if err != nil || ok {
			return rid, err
		}
	}

	pg, err := t.bpm.NewPage()
	if err != nil {
		if common.EnableDebug && errors.Is(err, errors.ErrNoFreeFrame) {
			t.bpm.PrintBufferUsageState(fmt.Sprintf("TableHeap::Insert xid=%d", txn.GetTransactionId()))
		}
		return page.RID{}, err
	}
	pageID := pg.GetPageId()
	tp := CastPageAsTablePage(pg)
	tp.WLatch()
	lsn, err := tp.InitLogged(t.log_manager, txn.GetTransactionId(), txn.GetPrevLSN())
	if err == nil {
		txn.SetPrevLSN(lsn)
		t.setRoom(pageID, tp.Slotted().Reclaimable())
	}
	tp.WUnlatch()
	t.bpm.UnpinPage(pageID, err == nil)
	if err != nil {
		return page.RID{}, err
	}

	rid, ok, err := t.insertIntoPage(txn, pageID, image, data)
	if err == nil && !ok {
		err = errors.New(errors.ResourceExhausted, "fresh page %s refused a record of %d bytes", pageID, len(image))
	}
	return rid, err
}

// insertIntoPage reports false without an error when the page has no room
// or no lockable slot.
func (t *TableHeap) insertIntoPage(txn *Transaction, pageID types.PageID, image []byte, data []byte) (page.RID, bool, error) {
	pg, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return page.RID{}, false, err
	}
	tp := CastPageAsTablePage(pg)
	tp.WLatch()
	dirty := false
	defer func() {
		t.setRoom(pageID, tp.Slotted().Reclaimable())
		tp.WUnlatch()
		t.bpm.UnpinPage(pageID, dirty)
	}()

	xid := txn.GetTransactionId()
	if !tp.Slotted().IsInitialized() {
		// allocated before a crash but never formatted
		lsn, err := tp.InitLogged(t.log_manager, xid, txn.GetPrevLSN())
		if err != nil {
			return page.RID{}, false, err
		}
		txn.SetPrevLSN(lsn)
		dirty = true
	}
	if !tp.Slotted().HasRoomFor(len(image)) {
		return page.RID{}, false, nil
	}

	scratch, sp := tp.Scratch()
	slot, err := sp.InsertRecord(image)
	if err != nil {
		return page.RID{}, false, nil
	}
	rid := page.NewRID(pageID, slot)
	if err := t.lock_manager.AcquireLock(xid, RecordResource(rid), EXCLUSIVE, 0); err != nil {
		// the reused slot is still locked, take a brand new one
		scratch, sp = tp.Scratch()
		slot = sp.SlotCount()
		if err := sp.InsertRecordAt(slot, image); err != nil {
			return page.RID{}, false, nil
		}
		rid = page.NewRID(pageID, slot)
		if err := t.lock_manager.AcquireLock(xid, RecordResource(rid), EXCLUSIVE, 0); err != nil {
			return page.RID{}, false, nil
		}
	}
	txn.GetLockSet().Add(RecordResource(rid))

	undo := recovery.NewLogRecordUndo(xid, types.InvalidLSN, recovery.UNDO_INSERT, rid, nil)
	lastLSN, undoLSN, err := tp.ApplyChange(t.log_manager, xid, txn.GetPrevLSN(), scratch, undo)
	if err != nil {
		return page.RID{}, false, err
	}
	dirty = true
	t.recordWrite(txn, rid, INSERT, lastLSN, undoLSN)
	if t.version_store != nil {
		err = t.version_store.AddVersion(&mvcc.RecordVersion{
			VersionID: undoLSN,
			RID:       rid,
			Xid:       xid,
			BeginTS:   txn.GetBeginTimestamp(),
			Data:      append([]byte(nil), data...),
			Status:    mvcc.VersionValid,
		})
	}
	return rid, true, err
}

// readLockNeeded reports whether a read of txn takes a shared lock.
func (t *TableHeap) readLockNeeded(txn *Transaction) bool {
	switch txn.GetIsolationLevel() {
	case mvcc.ReadUncommitted:
		return false
	case mvcc.Serializable:
		return true
	}
	return t.version_store == nil
}

// Get returns the image of rid visible to txn, or nil when there is none.
func (t *TableHeap) Get(txn *Transaction, rid page.RID) ([]byte, error) {
	if err := checkActive(txn); err != nil {
		return nil, err
	}
	if t.readLockNeeded(txn) {
		res := RecordResource(rid)
		alreadyHeld := t.lock_manager.HoldsLock(txn.GetTransactionId(), res, SHARED)
		if err := t.lockRecord(txn, rid, SHARED); err != nil {
			return nil, err
		}
		if !alreadyHeld && txn.GetIsolationLevel() == mvcc.ReadCommitted {
			defer func() {
				t.lock_manager.ReleaseLock(txn.GetTransactionId(), res)
				txn.GetLockSet().Remove(res)
			}()
		}
	}
	t.txn_manager.BeginOperation()
	defer t.txn_manager.EndOperation()
	return t.read(txn, rid)
}

func (t *TableHeap) read(txn *Transaction, rid page.RID) ([]byte, error) {
	if !t.disk_manager.IsPageAllocated(rid.GetPageId()) {
		return nil, nil
	}
	pg, err := t.bpm.FetchPage(rid.GetPageId())
	if err != nil {
		return nil, err
	}
	defer t.bpm.UnpinPage(rid.GetPageId(), false)
	tp := CastPageAsTablePage(pg)
	tp.RLatch()
	defer tp.RUnlatch()

	if t.version_store != nil && txn.GetIsolationLevel() != mvcc.ReadUncommitted {
		view := t.txn_manager.CreateReadView(txn)
		if v, ok := t.version_store.Resolve(rid, view); ok {
			if v == nil || v.IsDeleted() {
				return nil, nil
			}
			return append([]byte(nil), v.Data...), nil
		}
	}
	if !tp.Slotted().IsInitialized() {
		return nil, nil
	}
	rec, err := tp.GetRecord(rid.GetSlotNum())
	if errors.Is(err, errors.ErrInvalidSlot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted() {
		return nil, nil
	}
	return rec.Data, nil
}

// modify runs a logged change of an existing record under an exclusive lock.
// build returns the new image, or nil when there is nothing to change.
func (t *TableHeap) modify(txn *Transaction, rid page.RID, wtype WType, build func(old StoredRecord) []byte) (bool, error) {
	if err := checkActive(txn); err != nil {
		return false, err
	}
	if err := t.lockRecord(txn, rid, EXCLUSIVE); err != nil {
		return false, err
	}
	t.txn_manager.BeginOperation()
	defer t.txn_manager.EndOperation()

	pageID := rid.GetPageId()
	if !t.disk_manager.IsPageAllocated(pageID) {
		return false, nil
	}
	pg, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return false, err
	}
	tp := CastPageAsTablePage(pg)
	tp.WLatch()
	changed := false
	defer func() {
		t.setRoom(pageID, tp.Slotted().Reclaimable())
		tp.WUnlatch()
		t.bpm.UnpinPage(pageID, changed)
	}()

	if !tp.Slotted().IsInitialized() {
		return false, nil
	}
	old, err := tp.GetRecord(rid.GetSlotNum())
	if errors.Is(err, errors.ErrInvalidSlot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if old.IsDeleted() {
		return false, nil
	}

	xid := txn.GetTransactionId()
	if t.version_store != nil {
		if err := t.checkWriteConflict(txn, rid); err != nil {
			return false, err
		}
	}

	image := build(old)
	scratch, sp := tp.Scratch()
	allocation := tp.slotLength(rid.GetSlotNum())
	if len(image) < allocation {
		image = padTo(image, allocation)
	}
	if err := sp.UpdateRecord(rid.GetSlotNum(), image); err != nil {
		return false, err
	}

	opType := recovery.UNDO_UPDATE
	if wtype == DELETE {
		opType = recovery.UNDO_DELETE
	}
	before := EncodeRecord(old.Status, old.Xid, old.Data)
	undo := recovery.NewLogRecordUndo(xid, types.InvalidLSN, opType, rid, before)
	lastLSN, undoLSN, err := tp.ApplyChange(t.log_manager, xid, txn.GetPrevLSN(), scratch, undo)
	if err != nil {
		return false, err
	}
	changed = true
	t.recordWrite(txn, rid, wtype, lastLSN, undoLSN)

	if t.version_store != nil {
		t.version_store.SeedBaseVersion(rid, old.Xid, old.Data, mvcc.VersionValid)
		v := &mvcc.RecordVersion{
			VersionID: undoLSN,
			RID:       rid,
			Xid:       xid,
			BeginTS:   txn.GetBeginTimestamp(),
			Status:    mvcc.VersionValid,
		}
		if wtype == DELETE {
			v.Status = mvcc.VersionDeleted
		} else {
			rec, _ := DecodeRecord(image)
			v.Data = rec.Data
		}
		if err := t.version_store.AddVersion(v); err != nil {
			return true, err
		}
	}
	return true, nil
}

// checkWriteConflict refuses to overwrite a version a snapshot transaction
// cannot see.
func (t *TableHeap) checkWriteConflict(txn *Transaction, rid page.RID) error {
	if !txn.GetIsolationLevel().SnapshotPerTxn() {
		return nil
	}
	head := t.version_store.GetLatestVersion(rid)
	if head == nil || head.Xid == txn.GetTransactionId() {
		return nil
	}
	view := t.txn_manager.CreateReadView(txn)
	if !view.IsVisible(head.Xid, head.BeginTS, types.InfinityTS) {
		return errors.Wrapf(errors.ErrWriteConflict, "rid %s last written by xid %d", rid, head.Xid)
	}
	return nil
}

// Update replaces the payload of rid in place. The record never leaves its
// page; a grown record that does not fit fails with ErrNotEnoughSpace.
func (t *TableHeap) Update(txn *Transaction, rid page.RID, data []byte) (bool, error) {
	if err := validateData(data); err != nil {
		return false, err
	}
	return t.modify(txn, rid, UPDATE, func(old StoredRecord) []byte {
		return EncodeRecord(RECORD_VALID, txn.GetTransactionId(), data)
	})
}

// Delete tombstones rid. The slot is freed after commit, or by the garbage
// collector when MVCC is on.
func (t *TableHeap) Delete(txn *Transaction, rid page.RID) (bool, error) {
	return t.modify(txn, rid, DELETE, func(old StoredRecord) []byte {
		return EncodeRecord(RECORD_DELETED, txn.GetTransactionId(), old.Data)
	})
}

// UndoRecord applies the inverse of an UNDO record and logs it as
// compensation pointing at the record before it.
func (t *TableHeap) UndoRecord(xid types.TxnID, prevLSN types.LSN, rec *recovery.LogRecord) (types.LSN, error) {
	pageID := rec.Rid.GetPageId()
	slot := rec.Rid.GetSlotNum()
	pg, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return prevLSN, err
	}
	tp := CastPageAsTablePage(pg)
	tp.WLatch()
	defer func() {
		t.setRoom(pageID, tp.Slotted().Reclaimable())
		tp.WUnlatch()
		t.bpm.UnpinPage(pageID, true)
	}()

	scratch, sp := tp.Scratch()
	switch rec.Op_type {
	case recovery.UNDO_INSERT:
		if err := sp.DeleteRecord(slot); err != nil && !errors.Is(err, errors.ErrInvalidSlot) {
			return prevLSN, err
		}
	case recovery.UNDO_UPDATE, recovery.UNDO_DELETE:
		current, err := sp.GetRecord(slot)
		if errors.Is(err, errors.ErrInvalidSlot) {
			err = sp.InsertRecordAt(slot, rec.Undo_data)
		} else if err == nil {
			err = sp.UpdateRecord(slot, padTo(rec.Undo_data, len(current)))
		}
		if err != nil {
			return prevLSN, err
		}
	default:
		return prevLSN, errors.New(errors.CorruptionDetected, "cannot undo %s at lsn %d", rec.Op_type, rec.Lsn)
	}
	lsn, err := tp.ApplyCompensation(t.log_manager, xid, prevLSN, rec.Prev_lsn, scratch)
	if err != nil {
		return prevLSN, err
	}
	if common.EnableDebug {
		common.ShPrintf(common.RECOVERY_INFO, "undo %s of xid %d at %s\n", rec.Op_type, xid, rec.Rid)
	}
	return lsn, nil
}

// freeTombstone empties the slot of a tombstone under the system transaction.
// accept decides whether the tombstone may go.
func (t *TableHeap) freeTombstone(rid page.RID, accept func(StoredRecord) bool) (bool, error) {
	pageID := rid.GetPageId()
	if !t.disk_manager.IsPageAllocated(pageID) {
		return false, nil
	}
	pg, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return false, err
	}
	tp := CastPageAsTablePage(pg)
	tp.WLatch()
	freed := false
	defer func() {
		t.setRoom(pageID, tp.Slotted().Reclaimable())
		tp.WUnlatch()
		t.bpm.UnpinPage(pageID, freed)
	}()

	if !tp.Slotted().IsInitialized() {
		return false, nil
	}
	rec, err := tp.GetRecord(rid.GetSlotNum())
	if err != nil || !rec.IsDeleted() || !accept(rec) {
		return false, nil
	}
	scratch, sp := tp.Scratch()
	if err := sp.DeleteRecord(rid.GetSlotNum()); err != nil {
		return false, err
	}
	if _, _, err := tp.ApplyChange(t.log_manager, types.SystemTxnID, types.InvalidLSN, scratch, nil); err != nil {
		return false, err
	}
	freed = true
	return true, nil
}

// ApplyDeferredDelete frees the slot of a tombstone whose writer committed.
func (t *TableHeap) ApplyDeferredDelete(rid page.RID) error {
	_, err := t.freeTombstone(rid, func(StoredRecord) bool { return true })
	return err
}

// ReclaimSlots frees the tombstones the garbage collector found unreachable.
func (t *TableHeap) ReclaimSlots(rids []page.RID) error {
	t.txn_manager.BeginOperation()
	defer t.txn_manager.EndOperation()
	freed := 0
	for _, rid := range rids {
		ok, err := t.freeTombstone(rid, func(rec StoredRecord) bool {
			return t.txn_manager.IsCommitted(rec.Xid)
		})
		if err != nil {
			return err
		}
		if ok {
			freed++
		}
	}
	log.WithFields(log.Fields{"candidates": len(rids), "freed": freed}).Debug("reclaimed tombstone slots")
	return nil
}

// pageIDs lists the heap pages in id order.
func (t *TableHeap) pageIDs() []types.PageID {
	ret := t.disk_manager.AllocatedPages()
	slices.SortFunc(ret, func(a, b types.PageID) int {
		if a.Less(b) {
			return -1
		} else if b.Less(a) {
			return 1
		}
		return 0
	})
	return ret
}

// validSlots lists the occupied slots of a page.
func (t *TableHeap) validSlots(pageID types.PageID) ([]uint16, error) {
	pg, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	tp := CastPageAsTablePage(pg)
	tp.RLatch()
	ret := make([]uint16, 0)
	if sp := tp.Slotted(); sp.IsInitialized() {
		ret = sp.ValidSlots()
	}
	tp.RUnlatch()
	t.bpm.UnpinPage(pageID, false)
	return ret, nil
}

// Scan iterates the records visible to txn that satisfy predicate. A nil
// predicate accepts everything.
func (t *TableHeap) Scan(txn *Transaction, predicate func([]byte) bool) (*RecordIterator, error) {
	if err := checkActive(txn); err != nil {
		return nil, err
	}
	return newRecordIterator(t, txn, predicate), nil
}

func (t *TableHeap) String() string {
	return fmt.Sprintf("TableHeap{pages:%d}", t.PageCount())
}
