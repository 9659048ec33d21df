// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package access

import (
	"encoding/binary"
	"unsafe"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * Stored record format:
 *  -----------------------------------------------------
 * | status(1) | xid(8) | dataLen(2) | data | padding |
 *  -----------------------------------------------------
 * The slot length is the allocation. It may exceed 11 + dataLen after a
 * shrinking update; the padding keeps the space so that undo always fits.
 */
const (
	RECORD_VALID   byte = 0
	RECORD_DELETED byte = 1

	RecordHeaderSize = 11
	// MaxDataSize is the largest payload one record can carry
	MaxDataSize = page.MaxRecordSize - RecordHeaderSize
)

type StoredRecord struct {
	Status byte
	Xid    types.TxnID
	Data   []byte
}

func (r StoredRecord) IsDeleted() bool { return r.Status == RECORD_DELETED }

func EncodeRecord(status byte, xid types.TxnID, data []byte) []byte {
	buf := make([]byte, RecordHeaderSize+len(data))
	buf[0] = status
	binary.LittleEndian.PutUint64(buf[1:], uint64(xid))
	binary.LittleEndian.PutUint16(buf[9:], uint16(len(data)))
	copy(buf[RecordHeaderSize:], data)
	return buf
}

// DecodeRecord copies the payload out of buf.
func DecodeRecord(buf []byte) (StoredRecord, error) {
	if len(buf) < RecordHeaderSize {
		return StoredRecord{}, errors.New(errors.CorruptionDetected, "record of %d bytes is shorter than its header", len(buf))
	}
	dataLen := int(binary.LittleEndian.Uint16(buf[9:]))
	if RecordHeaderSize+dataLen > len(buf) {
		return StoredRecord{}, errors.New(errors.CorruptionDetected, "record data length %d exceeds its slot", dataLen)
	}
	return StoredRecord{
		Status: buf[0],
		Xid:    types.TxnID(binary.LittleEndian.Uint64(buf[1:])),
		Data:   append([]byte(nil), buf[RecordHeaderSize:RecordHeaderSize+dataLen]...),
	}, nil
}

// padTo extends rec with zeros up to length.
func padTo(rec []byte, length int) []byte {
	if len(rec) >= length {
		return rec
	}
	ret := make([]byte, length)
	copy(ret, rec)
	return ret
}

func validateData(data []byte) error {
	if len(data) == 0 {
		return errors.WithStack(errors.ErrEmptyRecord)
	}
	if len(data) > MaxDataSize {
		return errors.Wrapf(errors.ErrRecordTooLarge, "%d bytes, limit %d", len(data), MaxDataSize)
	}
	return nil
}

/**
 * TablePage is a slotted heap page whose changes are always logged.
 * A change is built on a scratch copy of the page; the byte ranges where the
 * copy differs become REDO (or COMPENSATION) records and are then copied
 * into the frame. Diffing skips the page LSN and checksum bytes; an undo is
 * logged as one span from its first to its last changed byte.
 */
type TablePage struct {
	page.Page
}

// CastPageAsTablePage casts the abstract Page struct into TablePage
func CastPageAsTablePage(p *page.Page) *TablePage {
	if p == nil {
		return nil
	}
	return (*TablePage)(unsafe.Pointer(p))
}

func (tp *TablePage) Slotted() *page.SlottedPage {
	return page.NewSlottedPage(tp.Data())
}

// Scratch returns a private copy of the page to build a change on.
func (tp *TablePage) Scratch() (*[common.PageSize]byte, *page.SlottedPage) {
	scratch := new([common.PageSize]byte)
	copy(scratch[:], tp.Data()[:])
	return scratch, page.NewSlottedPage(scratch)
}

// GetRecord decodes the record in slot.
func (tp *TablePage) GetRecord(slot uint16) (StoredRecord, error) {
	buf, err := tp.Slotted().GetRecord(slot)
	if err != nil {
		return StoredRecord{}, err
	}
	return DecodeRecord(buf)
}

// slotLength is the allocation of slot, 0 when the slot is empty.
func (tp *TablePage) slotLength(slot uint16) int {
	buf, err := tp.Slotted().GetRecord(slot)
	if err != nil {
		return 0
	}
	return len(buf)
}

type byteRange struct {
	begin int
	end   int
}

func excludedFromDiff(i int) bool {
	return (i >= page.OffsetLSN && i < page.OffsetLSN+types.SizeOfLSN) ||
		(i >= page.OffsetChecksum && i < page.OffsetChecksum+4)
}

// maxDiffGap is the longest run of equal bytes folded into one range.
const maxDiffGap = 8

// diffRanges lists the ranges where after differs from before.
func diffRanges(before *[common.PageSize]byte, after *[common.PageSize]byte) []byteRange {
	ret := make([]byteRange, 0)
	i := 0
	for i < common.PageSize {
		if excludedFromDiff(i) || before[i] == after[i] {
			i++
			continue
		}
		r := byteRange{i, i + 1}
		gap := 0
		for j := i + 1; j < common.PageSize && !excludedFromDiff(j); j++ {
			if before[j] != after[j] {
				r.end = j + 1
				gap = 0
			} else {
				gap++
				if gap > maxDiffGap {
					break
				}
			}
		}
		ret = append(ret, r)
		i = r.end
	}
	return ret
}

func (tp *TablePage) applyRanges(scratch *[common.PageSize]byte, ranges []byteRange, firstLSN types.LSN, lastLSN types.LSN) {
	for _, r := range ranges {
		copy(tp.Data()[r.begin:r.end], scratch[r.begin:r.end])
	}
	page.SetPageLSN(tp.Data(), lastLSN)
	tp.MarkDirty(firstLSN)
}

/*
* ApplyChange logs and installs scratch. When undo is not nil it is appended
* first and its LSN is returned as the second value. The first value is the
* new head of the writer's log chain.
 */
func (tp *TablePage) ApplyChange(log_manager *recovery.LogManager, xid types.TxnID, prevLSN types.LSN, scratch *[common.PageSize]byte, undo *recovery.LogRecord) (types.LSN, types.LSN, error) {
	undoLSN := types.InvalidLSN
	if undo != nil {
		undo.Txn_id = xid
		undo.Prev_lsn = prevLSN
		lsn, err := log_manager.AppendLogRecord(undo)
		if err != nil {
			return prevLSN, types.InvalidLSN, err
		}
		undoLSN = lsn
		prevLSN = lsn
	}
	ranges := diffRanges(tp.Data(), scratch)
	return tp.logRanges(log_manager, xid, prevLSN, scratch, ranges, false, types.InvalidLSN, undoLSN)
}

// ApplyCompensation logs scratch as a single COMPENSATION record pointing at
// undoNextLSN and installs it. An undo action must reach the log whole: a
// record covering only part of it would still send recovery past the action.
func (tp *TablePage) ApplyCompensation(log_manager *recovery.LogManager, xid types.TxnID, prevLSN types.LSN, undoNextLSN types.LSN, scratch *[common.PageSize]byte) (types.LSN, error) {
	ranges := diffRanges(tp.Data(), scratch)
	if len(ranges) > 1 {
		ranges = []byteRange{{ranges[0].begin, ranges[len(ranges)-1].end}}
	}
	lastLSN, _, err := tp.logRanges(log_manager, xid, prevLSN, scratch, ranges, true, undoNextLSN, types.InvalidLSN)
	return lastLSN, err
}

func (tp *TablePage) logRanges(log_manager *recovery.LogManager, xid types.TxnID, prevLSN types.LSN, scratch *[common.PageSize]byte, ranges []byteRange, compensation bool, undoNextLSN types.LSN, undoLSN types.LSN) (types.LSN, types.LSN, error) {
	pageID := tp.GetPageId()
	firstLSN := types.InvalidLSN
	for _, r := range ranges {
		oldData := append([]byte(nil), tp.Data()[r.begin:r.end]...)
		newData := append([]byte(nil), scratch[r.begin:r.end]...)
		var rec *recovery.LogRecord
		if compensation {
			rec = recovery.NewLogRecordCompensation(xid, prevLSN, undoNextLSN, pageID, uint16(r.begin), oldData, newData)
		} else {
			rec = recovery.NewLogRecordRedo(xid, prevLSN, pageID, uint16(r.begin), oldData, newData)
		}
		lsn, err := log_manager.AppendLogRecord(rec)
		if err != nil {
			return prevLSN, undoLSN, err
		}
		if !firstLSN.IsValid() {
			firstLSN = lsn
		}
		prevLSN = lsn
	}
	if firstLSN.IsValid() {
		tp.applyRanges(scratch, ranges, firstLSN, prevLSN)
	}
	return prevLSN, undoLSN, nil
}

// InitLogged formats a freshly allocated page. The whole page body is
// logged because the disk block may still hold an older page.
func (tp *TablePage) InitLogged(log_manager *recovery.LogManager, xid types.TxnID, prevLSN types.LSN) (types.LSN, error) {
	scratch, sp := tp.Scratch()
	sp.Init(tp.GetPageId())
	ranges := []byteRange{
		{page.OffsetPageID, page.OffsetPageID + types.SizeOfPageID},
		{page.OffsetLSN + types.SizeOfLSN, common.PageSize},
	}
	lastLSN, _, err := tp.logRanges(log_manager, xid, prevLSN, scratch, ranges, false, types.InvalidLSN, types.InvalidLSN)
	return lastLSN, err
}

// Redo installs the range of a REDO or COMPENSATION record when the page
// has not seen it yet. It reports whether the page changed.
func (tp *TablePage) Redo(rec *recovery.LogRecord) bool {
	if tp.GetLSN() >= rec.Lsn {
		return false
	}
	copy(tp.Data()[rec.Offset:], rec.New_data)
	page.SetPageLSN(tp.Data(), rec.Lsn)
	tp.MarkDirty(rec.Lsn)
	return true
}
