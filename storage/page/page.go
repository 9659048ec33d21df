// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package page

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/types"
)

// page header layout: pageID(8) LSN(8) freeSpacePointer(2) recordCount(2) checksum(4)
const (
	OffsetPageID       = 0
	OffsetLSN          = 8
	OffsetFreeSpacePtr = 16
	OffsetRecordCount  = 18
	OffsetChecksum     = 20
	SizePageHeader     = 24
)

/**
 * Page is the basic unit of storage within the database system. Page provides a wrapper for actual data pages being
 * held in main memory. Page also contains book-keeping information that is used by the buffer pool manager, e.g.
 * pin count, dirty flag, page id, etc.
 */
type Page struct {
	id            types.PageID           // idenfies the page. It is used to find the offset of the page on disk
	pinCount      int32                  // counts how many goroutines are acessing it
	isDirty       bool                   // the page was modified but not flushed
	isDeallocated bool                   // whether this is deallocated or not
	recLSN        types.LSN              // first LSN that dirtied the page since its last flush
	dirtyMutex    *sync.Mutex            // guards isDirty and recLSN
	data          *[common.PageSize]byte // bytes stored in disk
	rwlatch_      common.ReaderWriterLatch
}

// IncPinCount increments pin count
func (p *Page) IncPinCount() {
	atomic.AddInt32(&p.pinCount, 1)
}

// DecPinCount decrements pin count
func (p *Page) DecPinCount() {
	common.SH_Assert(atomic.AddInt32(&p.pinCount, -1) >= 0, "pinCount becomes minus value!")
}

// PinCount retunds the pin count
func (p *Page) PinCount() int32 {
	return atomic.LoadInt32(&p.pinCount)
}

// GetPageId retunds the page id
func (p *Page) GetPageId() types.PageID {
	return p.id
}

// Data returns the data of the page
func (p *Page) Data() *[common.PageSize]byte {
	return p.data
}

// SetIsDirty sets the isDirty bit
func (p *Page) SetIsDirty(isDirty bool) {
	p.dirtyMutex.Lock()
	defer p.dirtyMutex.Unlock()
	p.isDirty = isDirty
	if !isDirty {
		p.recLSN = types.InvalidLSN
	}
}

// IsDirty check if the page is dirty
func (p *Page) IsDirty() bool {
	p.dirtyMutex.Lock()
	defer p.dirtyMutex.Unlock()
	return p.isDirty
}

func (p *Page) IsDeallocated() bool {
	return p.isDeallocated
}

func (p *Page) SetIsDeallocated(isDeallocated bool) {
	p.isDeallocated = isDeallocated
}

// MarkDirty records a change logged at lsn. The first one since the last
// flush becomes the recLSN.
func (p *Page) MarkDirty(lsn types.LSN) {
	p.dirtyMutex.Lock()
	defer p.dirtyMutex.Unlock()
	if !p.isDirty || !p.recLSN.IsValid() {
		p.recLSN = lsn
	}
	p.isDirty = true
}

func (p *Page) GetRecLSN() types.LSN {
	p.dirtyMutex.Lock()
	defer p.dirtyMutex.Unlock()
	return p.recLSN
}

// TakeDirty clears the dirty state and returns what it was.
func (p *Page) TakeDirty() (bool, types.LSN) {
	p.dirtyMutex.Lock()
	defer p.dirtyMutex.Unlock()
	wasDirty, recLSN := p.isDirty, p.recLSN
	p.isDirty = false
	p.recLSN = types.InvalidLSN
	return wasDirty, recLSN
}

// Copy copies data to the page's data
func (p *Page) Copy(offset uint32, data []byte) {
	copy(p.data[offset:], data)
}

// New creates a new page
func New(id types.PageID, isDirty bool, data *[common.PageSize]byte) *Page {
	return &Page{id, int32(1), isDirty, false, types.InvalidLSN, new(sync.Mutex), data, common.NewLatch()}
}

// NewEmpty creates a new empty page
func NewEmpty(id types.PageID) *Page {
	return New(id, false, &[common.PageSize]byte{})
}

/** @return the page LSN. */
func (p *Page) GetLSN() types.LSN {
	return GetPageLSN(p.data)
}

/** Sets the page LSN. */
func (p *Page) SetLSN(lsn types.LSN) {
	SetPageLSN(p.data, lsn)
}

func GetPageLSN(data *[common.PageSize]byte) types.LSN {
	return types.NewLSNFromBytes(data[OffsetLSN : OffsetLSN+types.SizeOfLSN])
}

func SetPageLSN(data *[common.PageSize]byte, lsn types.LSN) {
	binary.LittleEndian.PutUint64(data[OffsetLSN:], uint64(lsn))
}

func GetStoredChecksum(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[OffsetChecksum:])
}

// ComputeChecksum hashes the page with the checksum field left out.
func ComputeChecksum(data []byte) uint32 {
	h := murmur3.New32()
	h.Write(data[:OffsetChecksum])
	h.Write(data[OffsetChecksum+4 : common.PageSize])
	return h.Sum32()
}

// StampChecksum stores the checksum of data into its header.
func StampChecksum(data []byte) {
	binary.LittleEndian.PutUint32(data[OffsetChecksum:], ComputeChecksum(data))
}

// VerifyChecksum accepts a page whose stored checksum matches. A page that is
// all zeros was never written and is accepted too.
func VerifyChecksum(data []byte) bool {
	if GetStoredChecksum(data) == ComputeChecksum(data) {
		return true
	}
	for _, b := range data[:common.PageSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

func (p *Page) GetData() *[common.PageSize]byte {
	return p.data
}

/** Acquire the page write latch. */
func (p *Page) WLatch() {
	p.rwlatch_.WLock()
}

/** Release the page write latch. */
func (p *Page) WUnlatch() {
	p.rwlatch_.WUnlock()
}

/** Acquire the page read latch. */
func (p *Page) RLatch() {
	p.rwlatch_.RLock()
}

/** Release the page read latch. */
func (p *Page) RUnlatch() {
	p.rwlatch_.RUnlock()
}
