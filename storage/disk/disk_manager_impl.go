// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package disk

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/types"
)

type dataFile struct {
	file      blockFile
	fsm       *freeSpaceMap
	pageCount int32
}

// DiskManagerImpl is the disk implementation of DiskManager
type DiskManagerImpl struct {
	fs              fileSystem
	maxPagesPerFile int32
	files           map[int32]*dataFile
	log             blockFile
	numWrites       uint64
	numFlushes      uint64
	dbFileMutex     *sync.Mutex
	logFileMutex    *sync.Mutex
}

// NewDiskManagerImpl opens (or creates) the database directory and every
// data file found in it.
func NewDiskManagerImpl(dir string, maxPagesPerFile int32) (DiskManager, error) {
	fs, err := newOSFileSystem(dir)
	if err != nil {
		return nil, errors.Wrap(errors.IOFailure, err, "can't create db directory %s", dir)
	}
	return newDiskManager(fs, maxPagesPerFile)
}

func newDiskManager(fs fileSystem, maxPagesPerFile int32) (*DiskManagerImpl, error) {
	if maxPagesPerFile <= 0 {
		maxPagesPerFile = common.DefaultMaxPagesPerFile
	}
	d := &DiskManagerImpl{
		fs:              fs,
		maxPagesPerFile: maxPagesPerFile,
		files:           make(map[int32]*dataFile),
		dbFileMutex:     new(sync.Mutex),
		logFileMutex:    new(sync.Mutex),
	}

	names, err := fs.List(common.DataFileSuffix)
	if err != nil {
		return nil, errors.Wrap(errors.IOFailure, err, "listing data files")
	}
	for _, name := range names {
		fileID, ok := parseDataFileName(name)
		if !ok {
			continue
		}
		if err := d.OpenFile(fileID); err != nil {
			return nil, err
		}
	}

	d.log, err = fs.Open(common.LogFileName)
	if err != nil {
		return nil, errors.Wrap(errors.IOFailure, err, "can't open log file")
	}
	return d, nil
}

func dataFileName(fileID int32) string {
	return fmt.Sprintf("%s%04d%s", common.DataFilePrefix, fileID, common.DataFileSuffix)
}

func freeMapFileName(fileID int32) string {
	return fmt.Sprintf("%s%04d%s", common.DataFilePrefix, fileID, common.FreeMapSuffix)
}

func parseDataFileName(name string) (int32, bool) {
	if !strings.HasPrefix(name, common.DataFilePrefix) || !strings.HasSuffix(name, common.DataFileSuffix) {
		return 0, false
	}
	num := strings.TrimSuffix(strings.TrimPrefix(name, common.DataFilePrefix), common.DataFileSuffix)
	id, err := strconv.ParseInt(num, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(id), true
}

// OpenFile opens a data file and loads its free map. The sidecar is removed
// once loaded: if the process dies before the next clean shutdown, every
// page below the file length is treated as used.
func (d *DiskManagerImpl) OpenFile(fileID int32) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	return d.openFile(fileID)
}

func (d *DiskManagerImpl) openFile(fileID int32) error {
	if _, ok := d.files[fileID]; ok {
		return nil
	}
	f, err := d.fs.Open(dataFileName(fileID))
	if err != nil {
		return errors.Wrap(errors.IOFailure, err, "can't open data file %d", fileID)
	}
	size := f.Size()
	pageCount := int32((size + common.PageSize - 1) / common.PageSize)

	var fsm *freeSpaceMap
	if buf, err := d.fs.ReadFile(freeMapFileName(fileID)); err == nil {
		if m, ok := deserializeFreeSpaceMap(buf, d.maxPagesPerFile); ok {
			fsm = m
		}
		if err := d.fs.Remove(freeMapFileName(fileID)); err != nil {
			return errors.Wrap(errors.IOFailure, err, "can't remove free map of file %d", fileID)
		}
	}
	if fsm == nil {
		fsm = newFreeSpaceMap(d.maxPagesPerFile)
		fsm.setBelow(pageCount)
	}
	d.files[fileID] = &dataFile{f, fsm, pageCount}
	return nil
}

// CreateFile creates the next data file and returns its id.
func (d *DiskManagerImpl) CreateFile() (int32, error) {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	return d.createFile()
}

func (d *DiskManagerImpl) createFile() (int32, error) {
	fileID := int32(0)
	for id := range d.files {
		if id >= fileID {
			fileID = id + 1
		}
	}
	for d.fs.Exists(dataFileName(fileID)) {
		fileID++
	}
	if err := d.openFile(fileID); err != nil {
		return common.InvalidFileID, err
	}
	log.WithField("file", dataFileName(fileID)).Debug("data file created")
	return fileID, nil
}

func (d *DiskManagerImpl) CloseFile(fileID int32) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	df, ok := d.files[fileID]
	if !ok {
		return errors.New(errors.ValidationError, "data file %d is not open", fileID)
	}
	if err := d.fs.WriteFile(freeMapFileName(fileID), df.fsm.serialize()); err != nil {
		return errors.Wrap(errors.IOFailure, err, "saving free map of file %d", fileID)
	}
	delete(d.files, fileID)
	if err := df.file.Close(); err != nil {
		return errors.Wrap(errors.IOFailure, err, "closing data file %d", fileID)
	}
	return nil
}

func (d *DiskManagerImpl) DeleteFile(fileID int32) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	if df, ok := d.files[fileID]; ok {
		df.file.Close()
		delete(d.files, fileID)
	}
	if err := d.fs.Remove(freeMapFileName(fileID)); err != nil {
		return errors.Wrap(errors.IOFailure, err, "removing free map of file %d", fileID)
	}
	if err := d.fs.Remove(dataFileName(fileID)); err != nil {
		return errors.Wrap(errors.IOFailure, err, "removing data file %d", fileID)
	}
	return nil
}

func (d *DiskManagerImpl) FileIDs() []int32 {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	ids := maps.Keys(d.files)
	slices.Sort(ids)
	return ids
}

func (d *DiskManagerImpl) FilePageCount(fileID int32) int32 {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	if df, ok := d.files[fileID]; ok {
		return df.pageCount
	}
	return 0
}

func (d *DiskManagerImpl) lookup(pageID types.PageID) (*dataFile, error) {
	if !pageID.IsValid() || pageID.PageNum >= d.maxPagesPerFile {
		return nil, errors.New(errors.ValidationError, "invalid page id %s", pageID)
	}
	df, ok := d.files[pageID.FileID]
	if !ok {
		return nil, errors.New(errors.ValidationError, "data file %d is not open", pageID.FileID)
	}
	return df, nil
}

// Write a page to the database file
func (d *DiskManagerImpl) WritePage(pageID types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	df, err := d.lookup(pageID)
	if err != nil {
		return err
	}
	offset := int64(pageID.PageNum) * int64(common.PageSize)
	bytesWritten, err := df.file.WriteAt(pageData[:common.PageSize], offset)
	if err != nil {
		return errors.Wrap(errors.IOFailure, err, "writing page %s", pageID)
	}
	if bytesWritten != common.PageSize {
		return errors.New(errors.IOFailure, "short write of page %s", pageID)
	}
	if err := df.file.Sync(); err != nil {
		return errors.Wrap(errors.IOFailure, err, "syncing page %s", pageID)
	}
	if pageID.PageNum >= df.pageCount {
		df.pageCount = pageID.PageNum + 1
	}
	atomic.AddUint64(&d.numWrites, 1)
	return nil
}

// Read a page from the database file. A page past the end of the file reads
// as zeros.
func (d *DiskManagerImpl) ReadPage(pageID types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	df, err := d.lookup(pageID)
	if err != nil {
		return err
	}
	offset := int64(pageID.PageNum) * int64(common.PageSize)
	bytesRead, err := df.file.ReadAt(pageData[:common.PageSize], offset)
	if err != nil && err != io.EOF {
		return errors.Wrap(errors.IOFailure, err, "reading page %s", pageID)
	}
	for i := bytesRead; i < common.PageSize; i++ {
		pageData[i] = 0
	}
	return nil
}

// AllocatePage hands out the first free page of the first file with room,
// creating a new file when all are full.
func (d *DiskManagerImpl) AllocatePage() (types.PageID, error) {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	ids := maps.Keys(d.files)
	slices.Sort(ids)
	for _, fileID := range ids {
		df := d.files[fileID]
		if pageNum := df.fsm.firstClear(); pageNum >= 0 {
			df.fsm.set(pageNum)
			return types.NewPageID(fileID, pageNum), nil
		}
	}
	fileID, err := d.createFile()
	if err != nil {
		return types.InvalidPageID, err
	}
	d.files[fileID].fsm.set(0)
	return types.NewPageID(fileID, 0), nil
}

func (d *DiskManagerImpl) DeallocatePage(pageID types.PageID) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	df, err := d.lookup(pageID)
	if err != nil {
		return err
	}
	df.fsm.clear(pageID.PageNum)
	return nil
}

// MarkPageAllocated is used by recovery for pages the log refers to. The
// data file is opened or created as needed.
func (d *DiskManagerImpl) MarkPageAllocated(pageID types.PageID) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	if _, ok := d.files[pageID.FileID]; !ok && pageID.FileID >= 0 {
		if err := d.openFile(pageID.FileID); err != nil {
			return err
		}
	}
	df, err := d.lookup(pageID)
	if err != nil {
		return err
	}
	df.fsm.set(pageID.PageNum)
	return nil
}

func (d *DiskManagerImpl) IsPageAllocated(pageID types.PageID) bool {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	df, ok := d.files[pageID.FileID]
	return ok && df.fsm.test(pageID.PageNum)
}

func (d *DiskManagerImpl) AllocatedPages() []types.PageID {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()
	ids := maps.Keys(d.files)
	slices.Sort(ids)
	ret := make([]types.PageID, 0)
	for _, fileID := range ids {
		d.files[fileID].fsm.each(func(pageNum int32) {
			ret = append(ret, types.NewPageID(fileID, pageNum))
		})
	}
	return ret
}

// GetNumWrites returns the number of disk writes
func (d *DiskManagerImpl) GetNumWrites() uint64 {
	return atomic.LoadUint64(&d.numWrites)
}

/**
 * Write log bytes at the given offset of the log file. Durability is
 * requested separately through SyncLog.
 */
func (d *DiskManagerImpl) WriteLog(logData []byte, offset int64) error {
	d.logFileMutex.Lock()
	defer d.logFileMutex.Unlock()

	d.numFlushes++
	if _, err := d.log.WriteAt(logData, offset); err != nil {
		return errors.Wrap(errors.IOFailure, err, "writing log at %d", offset)
	}
	return nil
}

func (d *DiskManagerImpl) SyncLog() error {
	d.logFileMutex.Lock()
	defer d.logFileMutex.Unlock()
	if err := d.log.Sync(); err != nil {
		return errors.Wrap(errors.IOFailure, err, "syncing log")
	}
	return nil
}

// ReadLog fills buf from offset. It returns the number of bytes read, which
// is short at the end of the file.
func (d *DiskManagerImpl) ReadLog(buf []byte, offset int64) (int, error) {
	d.logFileMutex.Lock()
	defer d.logFileMutex.Unlock()

	n, err := d.log.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(errors.IOFailure, err, "reading log at %d", offset)
	}
	return n, nil
}

func (d *DiskManagerImpl) GetLogFileSize() int64 {
	d.logFileMutex.Lock()
	defer d.logFileMutex.Unlock()
	return d.log.Size()
}

func (d *DiskManagerImpl) OpenStateFile() (StateFile, error) {
	f, err := d.fs.Open(common.TxnStateFileName)
	if err != nil {
		return nil, errors.Wrap(errors.IOFailure, err, "can't open transaction state file")
	}
	return f, nil
}

// ShutDown persists the free maps and closes every file.
func (d *DiskManagerImpl) ShutDown() error {
	var firstErr error
	for _, fileID := range d.FileIDs() {
		if err := d.CloseFile(fileID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.logFileMutex.Lock()
	defer d.logFileMutex.Unlock()
	if err := d.log.Sync(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(errors.IOFailure, err, "syncing log")
	}
	if err := d.log.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(errors.IOFailure, err, "closing log")
	}
	return firstErr
}

func (d *DiskManagerImpl) CloseFilesForTesting() {
	d.dbFileMutex.Lock()
	for id, df := range d.files {
		df.file.Close()
		delete(d.files, id)
	}
	d.dbFileMutex.Unlock()
	d.logFileMutex.Lock()
	d.log.Close()
	d.logFileMutex.Unlock()
}

// RemoveAllFiles deletes data, free map, log and state files. Call it after
// ShutDown or CloseFilesForTesting.
func (d *DiskManagerImpl) RemoveAllFiles() error {
	for _, suffix := range []string{common.DataFileSuffix, common.FreeMapSuffix} {
		names, err := d.fs.List(suffix)
		if err != nil {
			return errors.Wrap(errors.IOFailure, err, "listing files")
		}
		for _, name := range names {
			if err := d.fs.Remove(name); err != nil {
				return errors.Wrap(errors.IOFailure, err, "removing %s", name)
			}
		}
	}
	for _, name := range []string{common.LogFileName, common.TxnStateFileName} {
		if err := d.fs.Remove(name); err != nil {
			return errors.Wrap(errors.IOFailure, err, "removing %s", name)
		}
	}
	return nil
}
