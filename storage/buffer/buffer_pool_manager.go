// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package buffer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ncw/directio"
	log "github.com/sirupsen/logrus"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

// BufferPoolManager represents the buffer pool manager
type BufferPoolManager struct {
	diskManager disk.DiskManager
	pages       []*page.Page // index is FrameID
	replacer    *ClockReplacer
	freeList    []FrameID
	pageTable   map[types.PageID]FrameID
	logManager  *recovery.LogManager
	mutex       *sync.Mutex
}

// NewBufferPoolManager returns a empty buffer pool manager
func NewBufferPoolManager(poolSize uint32, diskManager disk.DiskManager, logManager *recovery.LogManager) *BufferPoolManager {
	freeList := make([]FrameID, poolSize)
	pages := make([]*page.Page, poolSize)
	for i := uint32(0); i < poolSize; i++ {
		freeList[i] = FrameID(i)
	}

	return &BufferPoolManager{
		diskManager: diskManager,
		pages:       pages,
		replacer:    NewClockReplacer(poolSize),
		freeList:    freeList,
		pageTable:   make(map[types.PageID]FrameID),
		logManager:  logManager,
		mutex:       new(sync.Mutex),
	}
}

// FetchPage fetches the requested page from the buffer pool and pins it.
func (b *BufferPoolManager) FetchPage(pageID types.PageID) (*page.Page, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	// if it is on buffer pool return it
	if frameID, ok := b.pageTable[pageID]; ok {
		pg := b.pages[frameID]
		pg.IncPinCount()
		b.replacer.Pin(frameID)
		return pg, nil
	}

	frameID, err := b.getFrameID()
	if err != nil {
		return nil, err
	}

	data := directio.AlignedBlock(common.PageSize)
	if err := b.diskManager.ReadPage(pageID, data); err != nil {
		b.freeList = append(b.freeList, frameID)
		return nil, err
	}
	if !page.VerifyChecksum(data) {
		b.freeList = append(b.freeList, frameID)
		return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrChecksumMismatch, "page %s", pageID)
	}
	pg := page.New(pageID, false, (*[common.PageSize]byte)(data))

	b.pageTable[pageID] = frameID
	b.pages[frameID] = pg
	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "FetchPage: PageId=%s PinCount=%d\n", pg.GetPageId(), pg.PinCount())
	}
	return pg, nil
}

// UnpinPage unpins the target page from the buffer pool.
func (b *BufferPoolManager) UnpinPage(pageID types.PageID, isDirty bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return errors.New(errors.ValidationError, "unpin of page %s which is not in the pool", pageID)
	}
	pg := b.pages[frameID]
	if pg.PinCount() <= 0 {
		return errors.New(errors.ValidationError, "unpin of page %s with pin count %d", pageID, pg.PinCount())
	}
	if isDirty && !pg.IsDirty() {
		pg.MarkDirty(pg.GetLSN())
	}
	pg.DecPinCount()
	if pg.PinCount() == 0 {
		b.replacer.Unpin(frameID)
	}
	return nil
}

// FlushPage Flushes the target page to disk.
func (b *BufferPoolManager) FlushPage(pageID types.PageID) error {
	b.mutex.Lock()
	frameID, ok := b.pageTable[pageID]
	if !ok {
		b.mutex.Unlock()
		return errors.New(errors.ValidationError, "flush of page %s which is not in the pool", pageID)
	}
	pg := b.pages[frameID]
	b.mutex.Unlock()

	return b.writeBack(pg)
}

// writeBack writes a frame to disk after the log covering its LSN is
// durable. The copy is taken under the page latch.
func (b *BufferPoolManager) writeBack(pg *page.Page) error {
	buf := directio.AlignedBlock(common.PageSize)
	pg.RLatch()
	copy(buf, pg.Data()[:])
	wasDirty, recLSN := pg.TakeDirty()
	pg.RUnlatch()

	restore := func() {
		if wasDirty {
			pg.MarkDirty(recLSN)
		}
	}
	if b.logManager != nil {
		if err := b.logManager.FlushUpTo(page.GetPageLSN((*[common.PageSize]byte)(buf))); err != nil {
			restore()
			return err
		}
	}
	page.StampChecksum(buf)
	if err := b.diskManager.WritePage(pg.GetPageId(), buf); err != nil {
		restore()
		return err
	}
	return nil
}

// NewPage allocates a new page in the buffer pool with the disk manager help
func (b *BufferPoolManager) NewPage() (*page.Page, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, err := b.getFrameID()
	if err != nil {
		return nil, err
	}
	pageID, err := b.diskManager.AllocatePage()
	if err != nil {
		b.freeList = append(b.freeList, frameID)
		return nil, err
	}

	pg := page.New(pageID, false, (*[common.PageSize]byte)(directio.AlignedBlock(common.PageSize)))
	b.pageTable[pageID] = frameID
	b.pages[frameID] = pg
	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "NewPage: returned pageID: %s\n", pageID)
	}
	return pg, nil
}

// DeletePage drops an unpinned page from the pool and frees its disk space.
func (b *BufferPoolManager) DeletePage(pageID types.PageID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if frameID, ok := b.pageTable[pageID]; ok {
		pg := b.pages[frameID]
		if pg.PinCount() > 0 {
			return errors.New(errors.ValidationError, "delete of pinned page %s", pageID)
		}
		pg.SetIsDeallocated(true)
		b.replacer.Pin(frameID)
		delete(b.pageTable, pageID)
		b.pages[frameID] = nil
		b.freeList = append(b.freeList, frameID)
	}
	return b.diskManager.DeallocatePage(pageID)
}

// FlushAllPages flushes all the pages in the buffer pool to disk.
func (b *BufferPoolManager) FlushAllPages() error {
	return b.flushWhere(func(*page.Page) bool { return true })
}

// FlushAllDirtyPages flushes all dirty pages in the buffer pool to disk.
func (b *BufferPoolManager) FlushAllDirtyPages() error {
	return b.flushWhere((*page.Page).IsDirty)
}

func (b *BufferPoolManager) flushWhere(pred func(*page.Page) bool) error {
	pages := make([]*page.Page, 0)
	b.mutex.Lock()
	for _, frameID := range b.pageTable {
		if pg := b.pages[frameID]; pred(pg) {
			pages = append(pages, pg)
		}
	}
	b.mutex.Unlock()

	for _, pg := range pages {
		if err := b.writeBack(pg); err != nil {
			return err
		}
	}
	return nil
}

// DirtyPageTable reports the recLSN of every dirty frame.
func (b *BufferPoolManager) DirtyPageTable() map[types.PageID]types.LSN {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ret := make(map[types.PageID]types.LSN)
	for pageID, frameID := range b.pageTable {
		pg := b.pages[frameID]
		if pg.IsDirty() {
			recLSN := pg.GetRecLSN()
			if !recLSN.IsValid() {
				recLSN = pg.GetLSN()
			}
			ret[pageID] = recLSN
		}
	}
	return ret
}

// getFrameID prefers the free list and falls back to a clock victim. A dirty
// victim is written back first.
func (b *BufferPoolManager) getFrameID() (FrameID, error) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, nil
	}

	victim := b.replacer.Victim()
	if victim == nil {
		return 0, errors.WithStack(errors.ErrNoFreeFrame)
	}
	frameID := *victim
	currentPage := b.pages[frameID]
	common.SH_Assert(currentPage.PinCount() == 0, fmt.Sprintf("victim page %s is pinned", currentPage.GetPageId()))
	if currentPage.IsDirty() {
		if err := b.writeBack(currentPage); err != nil {
			b.replacer.Unpin(frameID)
			return 0, err
		}
	}
	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "cache out: page=%s\n", currentPage.GetPageId())
	}
	delete(b.pageTable, currentPage.GetPageId())
	b.pages[frameID] = nil
	return frameID, nil
}

func (b *BufferPoolManager) GetPoolSize() int {
	return len(b.pages)
}

// PinnedPages lists the pages currently pinned.
func (b *BufferPoolManager) PinnedPages() []types.PageID {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ret := make([]types.PageID, 0)
	for pageID, frameID := range b.pageTable {
		if !b.replacer.isContain(frameID) {
			ret = append(ret, pageID)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Less(ret[j]) })
	return ret
}

func (b *BufferPoolManager) PrintBufferUsageState(callerAdditionalInfo string) {
	var sb strings.Builder
	for _, pageID := range b.PinnedPages() {
		fmt.Fprintf(&sb, "(%s)-", pageID)
	}
	log.WithFields(log.Fields{
		"caller": callerAdditionalInfo,
		"pinned": sb.String(),
		"clock":  b.replacer.String(),
	}).Info("buffer usage")
}

// DropAllForTesting forgets every frame without writing anything back,
// which is what a crash does to the pool.
func (b *BufferPoolManager) DropAllForTesting() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.pageTable = make(map[types.PageID]FrameID)
	b.replacer = NewClockReplacer(uint32(len(b.pages)))
	b.freeList = b.freeList[:0]
	for i := range b.pages {
		b.pages[i] = nil
		b.freeList = append(b.freeList, FrameID(i))
	}
}
