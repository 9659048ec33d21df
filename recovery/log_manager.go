package recovery

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/types"
)

// DirtyPageSource reports the dirty page table for checkpoints.
type DirtyPageSource interface {
	DirtyPageTable() map[types.PageID]types.LSN
}

// TxnTableSource reports the active transaction table for checkpoints.
type TxnTableSource interface {
	ActiveTransactionTable() []ATTEntry
}

// Recoverer runs crash recovery over this log.
type Recoverer interface {
	Recover() error
}

// FirstLSN is the LSN of the first entry, right after the file header.
const FirstLSN types.LSN = common.LogFileHeaderSize

/**
 * LogManager appends records into an in-memory buffer and writes the buffer
 * out at its file offset. The buffer is flushed when a record does not fit or
 * when it becomes more than half full. Each flush rewrites the header
 * write position and fsyncs, so every byte below writePos is durable.
 */
type LogManager struct {
	// file offset of log_buffer[0]
	log_buffer_lsn types.LSN
	// bytes used in log_buffer
	offset int
	/** The next log sequence number, which is the byte offset of the next entry. */
	next_lsn types.LSN
	/** Every byte below persistent_lsn has been written and synced. */
	persistent_lsn types.LSN
	checkpoint_lsn types.LSN
	log_buffer     []byte
	flush_buffer   []byte
	latch          common.ReaderWriterLatch
	wlog_mutex     *sync.Mutex
	disk_manager   disk.DiskManager

	dirtyPages DirtyPageSource
	txnTable   TxnTableSource
	recoverer  Recoverer
}

// NewLogManager opens the log through the disk manager. A new log gets its
// header written at once.
func NewLogManager(diskManager disk.DiskManager) (*LogManager, error) {
	ret := &LogManager{
		disk_manager:   diskManager,
		log_buffer:     make([]byte, common.LogBufferSize),
		flush_buffer:   make([]byte, common.LogBufferSize),
		latch:          common.NewLatch(),
		wlog_mutex:     new(sync.Mutex),
		checkpoint_lsn: types.InvalidLSN,
	}

	header := make([]byte, common.LogFileHeaderSize)
	n, err := diskManager.ReadLog(header, 0)
	if err != nil {
		return nil, err
	}
	if n < common.LogFileHeaderSize {
		ret.next_lsn = FirstLSN
		if err := ret.writeHeader(FirstLSN, types.InvalidLSN); err != nil {
			return nil, err
		}
	} else {
		writePos := types.LSN(binary.LittleEndian.Uint64(header[0:]))
		ckpt := types.LSN(binary.LittleEndian.Uint64(header[8:]))
		if writePos < FirstLSN || writePos > types.LSN(diskManager.GetLogFileSize()) {
			return nil, errors.New(errors.CorruptionDetected, "log header write position %d is out of range", writePos)
		}
		ret.next_lsn = writePos
		if ckpt >= FirstLSN {
			ret.checkpoint_lsn = ckpt
		}
	}
	ret.persistent_lsn = ret.next_lsn
	ret.log_buffer_lsn = ret.next_lsn
	return ret, nil
}

// BindDirtyPageSource, BindTxnTableSource and BindRecoverer complete the
// wiring once the buffer pool, transaction manager and recovery exist.
func (log_manager *LogManager) BindDirtyPageSource(src DirtyPageSource) { log_manager.dirtyPages = src }
func (log_manager *LogManager) BindTxnTableSource(src TxnTableSource) { log_manager.txnTable = src }
func (log_manager *LogManager) BindRecoverer(r Recoverer) { log_manager.recoverer = r }

func (log_manager *LogManager) GetNextLSN() types.LSN {
	log_manager.latch.RLock()
	defer log_manager.latch.RUnlock()
	return log_manager.next_lsn
}

func (log_manager *LogManager) GetPersistentLSN() types.LSN {
	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	return log_manager.persistent_lsn
}

// GetCheckpointLSN is the BEGIN_CHECKPOINT LSN of the last complete
// checkpoint, or InvalidLSN.
func (log_manager *LogManager) GetCheckpointLSN() types.LSN {
	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	return log_manager.checkpoint_lsn
}

func (log_manager *LogManager) writeHeader(writePos types.LSN, ckpt types.LSN) error {
	header := make([]byte, common.LogFileHeaderSize)
	binary.LittleEndian.PutUint64(header[0:], uint64(writePos))
	if ckpt.IsValid() {
		binary.LittleEndian.PutUint64(header[8:], uint64(ckpt))
	}
	if err := log_manager.disk_manager.WriteLog(header, 0); err != nil {
		return err
	}
	return log_manager.disk_manager.SyncLog()
}

// Flush writes the buffered records, moves writePos and fsyncs.
func (log_manager *LogManager) Flush() error {
	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	return log_manager.flushLocked()
}

// flushLocked needs wlog_mutex. On failure the bytes go back to the front of
// the buffer so a later flush retries them.
func (log_manager *LogManager) flushLocked() error {
	log_manager.latch.WLock()
	lsn := log_manager.log_buffer_lsn
	offset := log_manager.offset
	if offset == 0 {
		log_manager.latch.WUnlock()
		return nil
	}
	log_manager.offset = 0
	log_manager.log_buffer_lsn += types.LSN(offset)

	// swap address of two buffers
	log_manager.flush_buffer, log_manager.log_buffer = log_manager.log_buffer, log_manager.flush_buffer
	log_manager.latch.WUnlock()

	err := log_manager.disk_manager.WriteLog(log_manager.flush_buffer[:offset], int64(lsn))
	if err == nil {
		err = log_manager.writeHeader(lsn+types.LSN(offset), log_manager.checkpoint_lsn)
	}
	if err != nil {
		log_manager.latch.WLock()
		pending := log_manager.offset
		restored := make([]byte, 0, offset+pending)
		restored = append(restored, log_manager.flush_buffer[:offset]...)
		restored = append(restored, log_manager.log_buffer[:pending]...)
		if len(restored) <= len(log_manager.log_buffer) {
			copy(log_manager.log_buffer, restored)
			log_manager.offset = len(restored)
			log_manager.log_buffer_lsn = lsn
		}
		log_manager.latch.WUnlock()
		return errors.Wrap(errors.IOFailure, err, "flushing log from lsn %d", lsn)
	}
	log_manager.persistent_lsn = lsn + types.LSN(offset)
	return nil
}

// FlushUpTo makes the record at lsn durable.
func (log_manager *LogManager) FlushUpTo(lsn types.LSN) error {
	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	if lsn < log_manager.persistent_lsn {
		return nil
	}
	return log_manager.flushLocked()
}

/*
* append a log record into log buffer
* return: lsn that is assigned to this log record
 */
func (log_manager *LogManager) AppendLogRecord(log_record *LogRecord) (types.LSN, error) {
	size := log_record.Size()

	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()

	log_manager.latch.WLock()
	if size > len(log_manager.log_buffer)-log_manager.offset {
		log_manager.latch.WUnlock()
		if err := log_manager.flushLocked(); err != nil {
			return types.InvalidLSN, err
		}
		log_manager.latch.WLock()
	}

	if size > len(log_manager.log_buffer) {
		// larger than the whole buffer: write it through
		log_record.Lsn = log_manager.next_lsn
		log_manager.next_lsn += types.LSN(size)
		log_manager.log_buffer_lsn = log_manager.next_lsn
		log_manager.latch.WUnlock()
		data := log_record.GetLogHeaderData()
		if err := log_manager.disk_manager.WriteLog(data, int64(log_record.Lsn)); err != nil {
			return types.InvalidLSN, errors.Wrap(errors.IOFailure, err, "writing large log record")
		}
		if err := log_manager.writeHeader(log_manager.next_lsn, log_manager.checkpoint_lsn); err != nil {
			return types.InvalidLSN, errors.Wrap(errors.IOFailure, err, "writing log header")
		}
		log_manager.persistent_lsn = log_manager.next_lsn
		return log_record.Lsn, nil
	}

	log_record.Lsn = log_manager.next_lsn
	log_manager.next_lsn += types.LSN(size)
	log_record.SerializeTo(log_manager.log_buffer[log_manager.offset:])
	log_manager.offset += size
	overHalf := log_manager.offset > len(log_manager.log_buffer)/2
	log_manager.latch.WUnlock()

	if overHalf {
		if err := log_manager.flushLocked(); err != nil {
			return log_record.Lsn, err
		}
	}
	return log_record.Lsn, nil
}

// ReadLogRecord returns the record at lsn, from the buffer or from disk.
func (log_manager *LogManager) ReadLogRecord(lsn types.LSN) (*LogRecord, error) {
	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	return log_manager.readLocked(lsn)
}

func (log_manager *LogManager) readLocked(lsn types.LSN) (*LogRecord, error) {
	log_manager.latch.RLock()
	if lsn < FirstLSN || lsn >= log_manager.next_lsn {
		log_manager.latch.RUnlock()
		return nil, errors.New(errors.ValidationError, "lsn %d is out of the log", lsn)
	}
	if lsn >= log_manager.log_buffer_lsn {
		start := int(lsn - log_manager.log_buffer_lsn)
		if start+ENTRY_HEADER_SIZE > log_manager.offset {
			log_manager.latch.RUnlock()
			return nil, errors.New(errors.ValidationError, "lsn %d is not a record boundary", lsn)
		}
		size := EntrySizeFromHeader(log_manager.log_buffer[start:])
		if start+size > log_manager.offset {
			log_manager.latch.RUnlock()
			return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrBadLogRecord, "lsn %d", lsn)
		}
		buf := append([]byte(nil), log_manager.log_buffer[start:start+size]...)
		log_manager.latch.RUnlock()
		return DeserializeLogRecord(buf, lsn)
	}
	limit := log_manager.log_buffer_lsn
	log_manager.latch.RUnlock()
	return log_manager.readFromDisk(lsn, limit)
}

func (log_manager *LogManager) readFromDisk(lsn types.LSN, limit types.LSN) (*LogRecord, error) {
	header := make([]byte, ENTRY_HEADER_SIZE)
	n, err := log_manager.disk_manager.ReadLog(header, int64(lsn))
	if err != nil {
		return nil, err
	}
	if n < ENTRY_HEADER_SIZE {
		return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrBadLogRecord, "short header at lsn %d", lsn)
	}
	size := EntrySizeFromHeader(header)
	if size < ENTRY_HEADER_SIZE+COMMON_SIZE+ENTRY_TRAILER_SIZE || lsn+types.LSN(size) > limit {
		return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrBadLogRecord, "entry at lsn %d runs past the durable log", lsn)
	}
	buf := make([]byte, size)
	n, err = log_manager.disk_manager.ReadLog(buf, int64(lsn))
	if err != nil {
		return nil, err
	}
	if n < size {
		return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrBadLogRecord, "short entry at lsn %d", lsn)
	}
	return DeserializeLogRecord(buf, lsn)
}

// Checkpoint writes BEGIN_CHECKPOINT and END_CHECKPOINT with snapshots of
// the bound sources, then records the checkpoint in the header.
func (log_manager *LogManager) Checkpoint() (types.LSN, error) {
	beginLSN, err := log_manager.AppendLogRecord(NewLogRecordBeginCheckpoint())
	if err != nil {
		return types.InvalidLSN, err
	}

	att := make([]ATTEntry, 0)
	if log_manager.txnTable != nil {
		att = log_manager.txnTable.ActiveTransactionTable()
	}
	slices.SortFunc(att, func(a, b ATTEntry) int { return int(a.TxnID - b.TxnID) })

	dpt := make([]DPTEntry, 0)
	if log_manager.dirtyPages != nil {
		table := log_manager.dirtyPages.DirtyPageTable()
		pageIDs := maps.Keys(table)
		slices.SortFunc(pageIDs, func(a, b types.PageID) int {
			if a.Less(b) {
				return -1
			} else if b.Less(a) {
				return 1
			}
			return 0
		})
		for _, pageID := range pageIDs {
			dpt = append(dpt, DPTEntry{pageID, table[pageID]})
		}
	}

	endLSN, err := log_manager.AppendLogRecord(NewLogRecordEndCheckpoint(beginLSN, att, dpt))
	if err != nil {
		return types.InvalidLSN, err
	}

	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	if err := log_manager.flushLocked(); err != nil {
		return types.InvalidLSN, err
	}
	log_manager.checkpoint_lsn = beginLSN
	if err := log_manager.writeHeader(log_manager.persistent_lsn, beginLSN); err != nil {
		return types.InvalidLSN, errors.Wrap(errors.IOFailure, err, "recording checkpoint")
	}
	log.WithFields(log.Fields{
		"begin": beginLSN,
		"end":   endLSN,
		"att":   len(att),
		"dpt":   len(dpt),
	}).Debug("checkpoint written")
	return beginLSN, nil
}

// Recover delegates to the bound recovery manager.
func (log_manager *LogManager) Recover() error {
	if log_manager.recoverer == nil {
		return errors.New(errors.ValidationError, "no recovery manager bound to the log")
	}
	return log_manager.recoverer.Recover()
}

// DiscardBufferForTesting drops the records not yet flushed, as a crash would.
func (log_manager *LogManager) DiscardBufferForTesting() {
	log_manager.wlog_mutex.Lock()
	defer log_manager.wlog_mutex.Unlock()
	log_manager.latch.WLock()
	defer log_manager.latch.WUnlock()
	log_manager.next_lsn = log_manager.log_buffer_lsn
	log_manager.offset = 0
}

// LogIterator walks records forward from a start LSN.
type LogIterator struct {
	log_manager *LogManager
	next        types.LSN
	end         types.LSN
}

// NewIterator starts at from, or at the first record when from is invalid.
func (log_manager *LogManager) NewIterator(from types.LSN) *LogIterator {
	if from < FirstLSN {
		from = FirstLSN
	}
	return &LogIterator{log_manager, from, log_manager.GetNextLSN()}
}

// Next returns the next record, or nil at the end of the log.
func (it *LogIterator) Next() (*LogRecord, error) {
	if it.next >= it.end {
		return nil, nil
	}
	rec, err := it.log_manager.ReadLogRecord(it.next)
	if err != nil {
		return nil, err
	}
	it.next += types.LSN(rec.Size())
	return rec, nil
}
