package buffer

import (
	"crypto/rand"
	"testing"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

const body = page.SizePageHeader

func newPage(t *testing.T, bpm *BufferPoolManager) *page.Page {
	pg, err := bpm.NewPage()
	testingpkg.Ok(t, err)
	return pg
}

func TestBinaryData(t *testing.T) {
	poolSize := uint32(10)

	dm := disk.NewDiskManagerTest(true)
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(poolSize, dm, nil)

	page0 := newPage(t, bpm)

	// Scenario: The buffer pool is empty. We should be able to create a new page.
	testingpkg.Equals(t, types.NewPageID(0, 0), page0.GetPageId())

	// Generate random binary data for the page body
	randomBinaryData := make([]byte, common.PageSize-body)
	rand.Read(randomBinaryData)

	// Insert terminal characters both in the middle and at end
	randomBinaryData[len(randomBinaryData)/2] = '0'
	randomBinaryData[len(randomBinaryData)-1] = '0'

	// Scenario: Once we have a page, we should be able to read and write content.
	page0.Copy(body, randomBinaryData)
	testingpkg.Equals(t, randomBinaryData, page0.Data()[body:])

	// Scenario: We should be able to create new pages until we fill up the buffer pool.
	for i := uint32(1); i < poolSize; i++ {
		p := newPage(t, bpm)
		testingpkg.Equals(t, types.NewPageID(0, int32(i)), p.GetPageId())
	}

	// Scenario: Once the buffer pool is full, we should not be able to create any new pages.
	for i := poolSize; i < poolSize*2; i++ {
		_, err := bpm.NewPage()
		testingpkg.ErrorIs(t, err, errors.ErrNoFreeFrame)
	}

	// Scenario: After unpinning pages {0, 1, 2, 3, 4} and pinning another 4 new pages,
	// there would still be one cache frame left for reading page 0.
	for i := 0; i < 5; i++ {
		testingpkg.Ok(t, bpm.UnpinPage(types.NewPageID(0, int32(i)), true))
		testingpkg.Ok(t, bpm.FlushPage(types.NewPageID(0, int32(i))))
	}
	for i := 0; i < 4; i++ {
		p := newPage(t, bpm)
		testingpkg.Ok(t, bpm.UnpinPage(p.GetPageId(), false))
	}

	// Scenario: We should be able to fetch the data we wrote a while ago.
	page0, err := bpm.FetchPage(types.NewPageID(0, 0))
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, randomBinaryData, page0.Data()[body:])
	testingpkg.Ok(t, bpm.UnpinPage(types.NewPageID(0, 0), true))
}

func TestSample(t *testing.T) {
	poolSize := uint32(10)

	dm := disk.NewDiskManagerTest(true)
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(poolSize, dm, nil)

	page0 := newPage(t, bpm)
	hello := []byte("Hello")

	// Scenario: Once we have a page, we should be able to read and write content.
	page0.Copy(body, hello)
	testingpkg.Equals(t, hello, page0.Data()[body:body+len(hello)])

	for i := uint32(1); i < poolSize; i++ {
		newPage(t, bpm)
	}
	testingpkg.Equals(t, int(poolSize), len(bpm.PinnedPages()))

	for i := 0; i < 5; i++ {
		testingpkg.Ok(t, bpm.UnpinPage(types.NewPageID(0, int32(i)), true))
		testingpkg.Ok(t, bpm.FlushPage(types.NewPageID(0, int32(i))))
	}
	for i := 0; i < 4; i++ {
		newPage(t, bpm)
	}
	// Scenario: We should be able to fetch the data we wrote a while ago.
	page0, err := bpm.FetchPage(types.NewPageID(0, 0))
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, hello, page0.Data()[body:body+len(hello)])

	// Scenario: If we unpin page 0 and then make a new page, all the buffer pages should
	// now be pinned. Fetching page 0 should fail.
	testingpkg.Ok(t, bpm.UnpinPage(types.NewPageID(0, 0), true))

	newPage(t, bpm)
	_, err = bpm.NewPage()
	testingpkg.ErrorIs(t, err, errors.ErrNoFreeFrame)
	_, err = bpm.FetchPage(types.NewPageID(0, 0))
	testingpkg.ErrorIs(t, err, errors.ErrNoFreeFrame)
}

func TestUnpinErrors(t *testing.T) {
	dm := disk.NewDiskManagerTest(true)
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(4, dm, nil)

	testingpkg.Nok(t, bpm.UnpinPage(types.NewPageID(0, 3), false))
	pg := newPage(t, bpm)
	testingpkg.Ok(t, bpm.UnpinPage(pg.GetPageId(), false))
	err := bpm.UnpinPage(pg.GetPageId(), false)
	testingpkg.ErrorIs(t, err, errors.ValidationError)
}

func TestWriteBackFlushesLogFirst(t *testing.T) {
	dm := disk.NewDiskManagerTest(true)
	defer dm.ShutDown()
	lm, err := recovery.NewLogManager(dm)
	testingpkg.Ok(t, err)
	bpm := NewBufferPoolManager(4, dm, lm)
	lm.BindDirtyPageSource(bpm)

	pg := newPage(t, bpm)
	rec := recovery.NewLogRecordRedo(1, types.InvalidLSN, pg.GetPageId(), body, make([]byte, 3), []byte("abc"))
	lsn, err := lm.AppendLogRecord(rec)
	testingpkg.Ok(t, err)
	pg.Copy(body, []byte("abc"))
	pg.SetLSN(lsn)
	pg.MarkDirty(lsn)
	testingpkg.Ok(t, bpm.UnpinPage(pg.GetPageId(), true))

	// Scenario: the dirty page table reports the first LSN that dirtied the frame.
	testingpkg.Equals(t, map[types.PageID]types.LSN{pg.GetPageId(): lsn}, bpm.DirtyPageTable())
	testingpkg.Assert(t, lm.GetPersistentLSN() <= lsn, "the record is still buffered")

	// Scenario: writing the page forces the log up to its LSN.
	testingpkg.Ok(t, bpm.FlushPage(pg.GetPageId()))
	testingpkg.Assert(t, lm.GetPersistentLSN() > lsn, "the log covers the page")
	testingpkg.Equals(t, 0, len(bpm.DirtyPageTable()))
}

func TestCorruptPageIsDetected(t *testing.T) {
	dm := disk.NewDiskManagerTest(true)
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(4, dm, nil)

	pg := newPage(t, bpm)
	pageID := pg.GetPageId()
	pg.Copy(body, []byte("checked"))
	testingpkg.Ok(t, bpm.UnpinPage(pageID, true))
	testingpkg.Ok(t, bpm.FlushPage(pageID))
	bpm.DropAllForTesting()

	raw := make([]byte, common.PageSize)
	testingpkg.Ok(t, dm.ReadPage(pageID, raw))
	raw[body] ^= 0xff
	testingpkg.Ok(t, dm.WritePage(pageID, raw))

	_, err := bpm.FetchPage(pageID)
	testingpkg.ErrorIs(t, err, errors.CorruptionDetected)
	testingpkg.ErrorIs(t, err, errors.ErrChecksumMismatch)
}

func TestDeletePage(t *testing.T) {
	dm := disk.NewDiskManagerTest(true)
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(2, dm, nil)

	pg := newPage(t, bpm)
	pageID := pg.GetPageId()

	// Scenario: a pinned page cannot be deleted.
	err := bpm.DeletePage(pageID)
	testingpkg.ErrorIs(t, err, errors.ValidationError)
	testingpkg.Assert(t, dm.IsPageAllocated(pageID), "page kept after the refused delete")

	// Scenario: an unpinned page gives its frame back and its disk space up.
	testingpkg.Ok(t, bpm.UnpinPage(pageID, true))
	freeBefore := len(bpm.freeList)
	testingpkg.Ok(t, bpm.DeletePage(pageID))
	testingpkg.Equals(t, freeBefore+1, len(bpm.freeList))
	_, cached := bpm.pageTable[pageID]
	testingpkg.AssertFalse(t, cached, "page table entry removed")
	testingpkg.AssertFalse(t, dm.IsPageAllocated(pageID), "disk space released")

	// Scenario: both frames can be used again.
	newPage(t, bpm)
	newPage(t, bpm)
	_, err = bpm.NewPage()
	testingpkg.ErrorIs(t, err, errors.ErrNoFreeFrame)
}
