package recovery

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

type LogRecordType uint8

/** The type of the log record. The values are the on-disk type byte. */
const (
	REDO             LogRecordType = 0
	UNDO             LogRecordType = 1
	CHECKPOINT       LogRecordType = 2 // reserved
	COMPENSATION     LogRecordType = 3
	END_CHECKPOINT   LogRecordType = 4
	BEGIN_CHECKPOINT LogRecordType = 5
)

func (t LogRecordType) String() string {
	switch t {
	case REDO:
		return "REDO"
	case UNDO:
		return "UNDO"
	case CHECKPOINT:
		return "CHECKPOINT"
	case COMPENSATION:
		return "COMPENSATION"
	case END_CHECKPOINT:
		return "END_CHECKPOINT"
	case BEGIN_CHECKPOINT:
		return "BEGIN_CHECKPOINT"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// UndoOpType says which logical operation an UNDO record reverses.
type UndoOpType uint8

const (
	UNDO_INSERT UndoOpType = 0
	UNDO_DELETE UndoOpType = 1
	UNDO_UPDATE UndoOpType = 2
	TXN_COMMIT  UndoOpType = 3
	TXN_ABORT   UndoOpType = 4
)

func (o UndoOpType) String() string {
	switch o {
	case UNDO_INSERT:
		return "INSERT"
	case UNDO_DELETE:
		return "DELETE"
	case UNDO_UPDATE:
		return "UPDATE"
	case TXN_COMMIT:
		return "COMMIT"
	case TXN_ABORT:
		return "ABORT"
	}
	return fmt.Sprintf("OP(%d)", uint8(o))
}

// TxnStatus is the status of a transaction as recorded in a checkpoint.
type TxnStatus uint8

const (
	TXN_ACTIVE    TxnStatus = 1
	TXN_COMMITTED TxnStatus = 2
	TXN_ABORTED   TxnStatus = 3
)

// ATTEntry is one row of the active transaction table.
type ATTEntry struct {
	TxnID   types.TxnID
	Status  TxnStatus
	LastLSN types.LSN
	UndoLSN []types.LSN
}

// DPTEntry is one row of the dirty page table.
type DPTEntry struct {
	PageID types.PageID
	RecLSN types.LSN
}

/**
 * For every change of a page, a log record is written ahead.
 *
 * Entry framing (LSN is the byte offset of the entry):
 *---------------------------------------------
 * | type(1) | len(4) | payload | xxhash32(4) |
 *---------------------------------------------
 * len counts the payload and the checksum. Every payload starts with
 *-------------------------
 * | xid(8) | prevLSN(8) |
 *-------------------------
 * REDO
 *----------------------------------------------------------------------------
 * | pageID(8) | offset(2) | oldLen(4) | newLen(4) | oldData | newData |
 *----------------------------------------------------------------------------
 * COMPENSATION
 *------------------------------------
 * | undoNextLSN(8) | same as REDO |
 *------------------------------------
 * UNDO
 *--------------------------------------------------
 * | opType(1) | rid(10) | len(4) | undoData |
 *--------------------------------------------------
 * END_CHECKPOINT
 *-------------------------------------------------------------------------------------------
 * | beginLSN(8) | n(4) | {xid(8) status(1) lastLSN(8) m(4) undoLSN(8)*m}*n | k(4) | {pageID(8) recLSN(8)}*k |
 *-------------------------------------------------------------------------------------------
 * BEGIN_CHECKPOINT carries the common part only.
 */
const (
	ENTRY_HEADER_SIZE  = 5
	ENTRY_TRAILER_SIZE = 4
	COMMON_SIZE        = 16
)

type LogRecord struct {
	Lsn             types.LSN
	Log_record_type LogRecordType
	Txn_id          types.TxnID
	Prev_lsn        types.LSN

	// REDO and COMPENSATION
	Page_id  types.PageID
	Offset   uint16
	Old_data []byte
	New_data []byte
	// COMPENSATION
	Undo_next_lsn types.LSN

	// UNDO
	Op_type   UndoOpType
	Rid       page.RID
	Undo_data []byte

	// END_CHECKPOINT
	Begin_checkpoint_lsn types.LSN
	Txn_table            []ATTEntry
	Dirty_pages          []DPTEntry
}

// constructor for physical page changes
func NewLogRecordRedo(txnID types.TxnID, prevLSN types.LSN, pageID types.PageID, offset uint16, oldData []byte, newData []byte) *LogRecord {
	return &LogRecord{
		Lsn:             types.InvalidLSN,
		Log_record_type: REDO,
		Txn_id:          txnID,
		Prev_lsn:        prevLSN,
		Page_id:         pageID,
		Offset:          offset,
		Old_data:        oldData,
		New_data:        newData,
	}
}

// constructor for compensation of an undone operation
func NewLogRecordCompensation(txnID types.TxnID, prevLSN types.LSN, undoNextLSN types.LSN, pageID types.PageID, offset uint16, oldData []byte, newData []byte) *LogRecord {
	ret := NewLogRecordRedo(txnID, prevLSN, pageID, offset, oldData, newData)
	ret.Log_record_type = COMPENSATION
	ret.Undo_next_lsn = undoNextLSN
	return ret
}

// constructor for logical undo information and transaction markers
func NewLogRecordUndo(txnID types.TxnID, prevLSN types.LSN, opType UndoOpType, rid page.RID, undoData []byte) *LogRecord {
	return &LogRecord{
		Lsn:             types.InvalidLSN,
		Log_record_type: UNDO,
		Txn_id:          txnID,
		Prev_lsn:        prevLSN,
		Op_type:         opType,
		Rid:             rid,
		Undo_data:       undoData,
	}
}

// constructor for COMMIT/ABORT markers
func NewLogRecordTxnEnd(txnID types.TxnID, prevLSN types.LSN, opType UndoOpType) *LogRecord {
	return NewLogRecordUndo(txnID, prevLSN, opType, page.RID{PageID: types.InvalidPageID}, nil)
}

func NewLogRecordBeginCheckpoint() *LogRecord {
	return &LogRecord{Lsn: types.InvalidLSN, Log_record_type: BEGIN_CHECKPOINT, Txn_id: types.SystemTxnID, Prev_lsn: types.InvalidLSN}
}

func NewLogRecordEndCheckpoint(beginLSN types.LSN, att []ATTEntry, dpt []DPTEntry) *LogRecord {
	return &LogRecord{
		Lsn:                  types.InvalidLSN,
		Log_record_type:      END_CHECKPOINT,
		Txn_id:               types.SystemTxnID,
		Prev_lsn:             types.InvalidLSN,
		Begin_checkpoint_lsn: beginLSN,
		Txn_table:            att,
		Dirty_pages:          dpt,
	}
}

// IsTxnEnd reports COMMIT/ABORT markers.
func (r *LogRecord) IsTxnEnd() bool {
	return r.Log_record_type == UNDO && (r.Op_type == TXN_COMMIT || r.Op_type == TXN_ABORT)
}

// IsPageChange reports records carrying a physical page range.
func (r *LogRecord) IsPageChange() bool {
	return r.Log_record_type == REDO || r.Log_record_type == COMPENSATION
}

func (r *LogRecord) payloadSize() int {
	size := COMMON_SIZE
	switch r.Log_record_type {
	case REDO:
		size += types.SizeOfPageID + 2 + 8 + len(r.Old_data) + len(r.New_data)
	case COMPENSATION:
		size += 8 + types.SizeOfPageID + 2 + 8 + len(r.Old_data) + len(r.New_data)
	case UNDO:
		size += 1 + page.SizeOfRID + 4 + len(r.Undo_data)
	case END_CHECKPOINT:
		size += 8 + 4
		for _, e := range r.Txn_table {
			size += 8 + 1 + 8 + 4 + 8*len(e.UndoLSN)
		}
		size += 4 + len(r.Dirty_pages)*(types.SizeOfPageID+8)
	}
	return size
}

// Size is the number of bytes the record occupies in the log.
func (r *LogRecord) Size() int {
	return ENTRY_HEADER_SIZE + r.payloadSize() + ENTRY_TRAILER_SIZE
}

// SerializeTo writes the framed entry into buf, which holds at least Size() bytes.
func (r *LogRecord) SerializeTo(buf []byte) int {
	size := r.Size()
	le := binary.LittleEndian
	buf[0] = byte(r.Log_record_type)
	le.PutUint32(buf[1:], uint32(size-ENTRY_HEADER_SIZE))
	pos := ENTRY_HEADER_SIZE
	le.PutUint64(buf[pos:], uint64(r.Txn_id))
	le.PutUint64(buf[pos+8:], uint64(r.Prev_lsn))
	pos += COMMON_SIZE

	putRange := func() {
		r.Page_id.SerializeTo(buf[pos:])
		pos += types.SizeOfPageID
		le.PutUint16(buf[pos:], r.Offset)
		le.PutUint32(buf[pos+2:], uint32(len(r.Old_data)))
		le.PutUint32(buf[pos+6:], uint32(len(r.New_data)))
		pos += 10
		pos += copy(buf[pos:], r.Old_data)
		pos += copy(buf[pos:], r.New_data)
	}

	switch r.Log_record_type {
	case REDO:
		putRange()
	case COMPENSATION:
		le.PutUint64(buf[pos:], uint64(r.Undo_next_lsn))
		pos += 8
		putRange()
	case UNDO:
		buf[pos] = byte(r.Op_type)
		pos++
		r.Rid.SerializeTo(buf[pos:])
		pos += page.SizeOfRID
		le.PutUint32(buf[pos:], uint32(len(r.Undo_data)))
		pos += 4
		pos += copy(buf[pos:], r.Undo_data)
	case END_CHECKPOINT:
		le.PutUint64(buf[pos:], uint64(r.Begin_checkpoint_lsn))
		le.PutUint32(buf[pos+8:], uint32(len(r.Txn_table)))
		pos += 12
		for _, e := range r.Txn_table {
			le.PutUint64(buf[pos:], uint64(e.TxnID))
			buf[pos+8] = byte(e.Status)
			le.PutUint64(buf[pos+9:], uint64(e.LastLSN))
			le.PutUint32(buf[pos+17:], uint32(len(e.UndoLSN)))
			pos += 21
			for _, lsn := range e.UndoLSN {
				le.PutUint64(buf[pos:], uint64(lsn))
				pos += 8
			}
		}
		le.PutUint32(buf[pos:], uint32(len(r.Dirty_pages)))
		pos += 4
		for _, e := range r.Dirty_pages {
			e.PageID.SerializeTo(buf[pos:])
			le.PutUint64(buf[pos+types.SizeOfPageID:], uint64(e.RecLSN))
			pos += types.SizeOfPageID + 8
		}
	}
	le.PutUint32(buf[pos:], xxhash.Checksum32(buf[:pos]))
	return pos + ENTRY_TRAILER_SIZE
}

// GetLogHeaderData serializes the whole entry into a fresh slice.
func (r *LogRecord) GetLogHeaderData() []byte {
	buf := make([]byte, r.Size())
	r.SerializeTo(buf)
	return buf
}

// EntrySizeFromHeader reads the full entry length from the 5 header bytes.
func EntrySizeFromHeader(header []byte) int {
	return ENTRY_HEADER_SIZE + int(binary.LittleEndian.Uint32(header[1:]))
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (rd *reader) need(n int) bool {
	if rd.err != nil {
		return false
	}
	if rd.pos+n > len(rd.buf) {
		rd.err = errors.ErrBadLogRecord
		return false
	}
	return true
}

func (rd *reader) u8() uint8 {
	if !rd.need(1) {
		return 0
	}
	rd.pos++
	return rd.buf[rd.pos-1]
}

func (rd *reader) u16() uint16 {
	if !rd.need(2) {
		return 0
	}
	rd.pos += 2
	return binary.LittleEndian.Uint16(rd.buf[rd.pos-2:])
}

func (rd *reader) u32() uint32 {
	if !rd.need(4) {
		return 0
	}
	rd.pos += 4
	return binary.LittleEndian.Uint32(rd.buf[rd.pos-4:])
}

func (rd *reader) u64() uint64 {
	if !rd.need(8) {
		return 0
	}
	rd.pos += 8
	return binary.LittleEndian.Uint64(rd.buf[rd.pos-8:])
}

func (rd *reader) bytes(n int) []byte {
	if n < 0 || !rd.need(n) {
		rd.err = errors.ErrBadLogRecord
		return nil
	}
	rd.pos += n
	return append([]byte(nil), rd.buf[rd.pos-n:rd.pos]...)
}

func (rd *reader) pageID() types.PageID {
	if !rd.need(types.SizeOfPageID) {
		return types.InvalidPageID
	}
	rd.pos += types.SizeOfPageID
	return types.NewPageIDFromBytes(rd.buf[rd.pos-types.SizeOfPageID:])
}

// DeserializeLogRecord parses one framed entry. The checksum, the type and
// the declared length must all agree with buf.
func DeserializeLogRecord(buf []byte, lsn types.LSN) (*LogRecord, error) {
	if len(buf) < ENTRY_HEADER_SIZE+COMMON_SIZE+ENTRY_TRAILER_SIZE || EntrySizeFromHeader(buf) != len(buf) {
		return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrBadLogRecord, "bad length at lsn %d", lsn)
	}
	body := len(buf) - ENTRY_TRAILER_SIZE
	if binary.LittleEndian.Uint32(buf[body:]) != xxhash.Checksum32(buf[:body]) {
		return nil, errors.Wrap(errors.CorruptionDetected, errors.ErrChecksumMismatch, "log entry at lsn %d", lsn)
	}

	rd := &reader{buf: buf[:body], pos: ENTRY_HEADER_SIZE}
	r := &LogRecord{Lsn: lsn, Log_record_type: LogRecordType(buf[0])}
	r.Txn_id = types.TxnID(rd.u64())
	r.Prev_lsn = types.LSN(rd.u64())

	getRange := func() {
		r.Page_id = rd.pageID()
		r.Offset = rd.u16()
		oldLen := int(rd.u32())
		newLen := int(rd.u32())
		r.Old_data = rd.bytes(oldLen)
		r.New_data = rd.bytes(newLen)
	}

	switch r.Log_record_type {
	case REDO:
		getRange()
	case COMPENSATION:
		r.Undo_next_lsn = types.LSN(rd.u64())
		getRange()
	case UNDO:
		r.Op_type = UndoOpType(rd.u8())
		if rd.need(page.SizeOfRID) {
			r.Rid = page.NewRIDFromBytes(rd.buf[rd.pos:])
			rd.pos += page.SizeOfRID
		}
		r.Undo_data = rd.bytes(int(rd.u32()))
		if r.Op_type > TXN_ABORT {
			rd.err = errors.ErrBadLogRecord
		}
	case BEGIN_CHECKPOINT, CHECKPOINT:
	case END_CHECKPOINT:
		r.Begin_checkpoint_lsn = types.LSN(rd.u64())
		n := int(rd.u32())
		for i := 0; i < n && rd.err == nil; i++ {
			e := ATTEntry{
				TxnID:   types.TxnID(rd.u64()),
				Status:  TxnStatus(rd.u8()),
				LastLSN: types.LSN(rd.u64()),
			}
			m := int(rd.u32())
			for j := 0; j < m && rd.err == nil; j++ {
				e.UndoLSN = append(e.UndoLSN, types.LSN(rd.u64()))
			}
			r.Txn_table = append(r.Txn_table, e)
		}
		k := int(rd.u32())
		for i := 0; i < k && rd.err == nil; i++ {
			pid := rd.pageID()
			r.Dirty_pages = append(r.Dirty_pages, DPTEntry{pid, types.LSN(rd.u64())})
		}
	default:
		rd.err = errors.ErrBadLogRecord
	}
	if rd.err == nil && rd.pos != len(rd.buf) {
		rd.err = errors.ErrBadLogRecord
	}
	if rd.err != nil {
		return nil, errors.Wrap(errors.CorruptionDetected, rd.err, "log entry at lsn %d type %s", lsn, r.Log_record_type)
	}
	return r, nil
}

func (r *LogRecord) String() string {
	switch r.Log_record_type {
	case REDO:
		return fmt.Sprintf("page=%s off=%d len=%d", r.Page_id, r.Offset, len(r.New_data))
	case COMPENSATION:
		return fmt.Sprintf("page=%s off=%d len=%d undoNext=%d", r.Page_id, r.Offset, len(r.New_data), r.Undo_next_lsn)
	case UNDO:
		if r.IsTxnEnd() {
			return r.Op_type.String()
		}
		return fmt.Sprintf("%s rid=%s len=%d", r.Op_type, r.Rid, len(r.Undo_data))
	case END_CHECKPOINT:
		return fmt.Sprintf("begin=%d att=%d dpt=%d", r.Begin_checkpoint_lsn, len(r.Txn_table), len(r.Dirty_pages))
	}
	return ""
}
