// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package disk

import (
	"io"

	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * DiskManager takes care of the allocation and deallocation of pages within a database. It performs the reading and
 * writing of pages to and from disk, providing a logical file layer within the context of a database management system.
 * Pages live in one or more data files. The log and the transaction state file are owned here as well so that
 * every byte the engine persists goes through one component.
 */
type DiskManager interface {
	ReadPage(types.PageID, []byte) error
	WritePage(types.PageID, []byte) error
	AllocatePage() (types.PageID, error)
	DeallocatePage(types.PageID) error
	MarkPageAllocated(types.PageID) error
	IsPageAllocated(types.PageID) bool
	AllocatedPages() []types.PageID

	CreateFile() (int32, error)
	OpenFile(fileID int32) error
	CloseFile(fileID int32) error
	DeleteFile(fileID int32) error
	FileIDs() []int32
	FilePageCount(fileID int32) int32

	WriteLog(data []byte, offset int64) error
	ReadLog(buf []byte, offset int64) (int, error)
	SyncLog() error
	GetLogFileSize() int64

	OpenStateFile() (StateFile, error)

	GetNumWrites() uint64
	ShutDown() error
	// CloseFilesForTesting closes every file without persisting the free maps,
	// which is what a crash leaves behind.
	CloseFilesForTesting()
	RemoveAllFiles() error
}

// StateFile is a small random access file with explicit durability.
type StateFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() int64
	Close() error
}
