package recovery

import (
	"bytes"
	"testing"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/storage/page"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

type fixedDPT map[types.PageID]types.LSN

func (f fixedDPT) DirtyPageTable() map[types.PageID]types.LSN { return f }

type fixedATT []ATTEntry

func (f fixedATT) ActiveTransactionTable() []ATTEntry { return f }

func TestLogRecordRoundTrip(t *testing.T) {
	pid := types.NewPageID(2, 9)
	records := []*LogRecord{
		NewLogRecordRedo(3, 40, pid, 100, []byte("old"), []byte("new!")),
		NewLogRecordCompensation(3, 77, 40, pid, 24, []byte{1}, []byte{2}),
		NewLogRecordUndo(4, types.InvalidLSN, UNDO_UPDATE, page.NewRID(pid, 5), []byte("before image")),
		NewLogRecordTxnEnd(4, 120, TXN_COMMIT),
		NewLogRecordBeginCheckpoint(),
		NewLogRecordEndCheckpoint(500,
			[]ATTEntry{{TxnID: 7, Status: TXN_ACTIVE, LastLSN: 300, UndoLSN: []types.LSN{100, 300}}},
			[]DPTEntry{{PageID: pid, RecLSN: 90}}),
	}
	for _, rec := range records {
		data := rec.GetLogHeaderData()
		testingpkg.Equals(t, rec.Size(), len(data))
		got, err := DeserializeLogRecord(data, 1234)
		testingpkg.Ok(t, err)
		rec.Lsn = 1234
		testingpkg.Equals(t, rec.Log_record_type, got.Log_record_type)
		testingpkg.Equals(t, rec.Txn_id, got.Txn_id)
		testingpkg.Equals(t, rec.Prev_lsn, got.Prev_lsn)
		testingpkg.Equals(t, rec.String(), got.String())
	}

	end, _ := DeserializeLogRecord(records[5].GetLogHeaderData(), 0)
	testingpkg.Equals(t, records[5].Txn_table, end.Txn_table)
	testingpkg.Equals(t, records[5].Dirty_pages, end.Dirty_pages)

	// a flipped byte is caught by the checksum
	data := records[0].GetLogHeaderData()
	data[ENTRY_HEADER_SIZE+3] ^= 0x40
	_, err := DeserializeLogRecord(data, 0)
	testingpkg.Assert(t, errors.Is(err, errors.CorruptionDetected), "corruption detected")
}

// Scenario: WAL round-trip. Records appended and flushed are readable in
// order and byte-identical after reopening the log.
func TestLogManagerRoundTrip(t *testing.T) {
	vdm := disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile)
	lm, err := NewLogManager(vdm)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, FirstLSN, lm.GetNextLSN())

	lsns := make([]types.LSN, 0)
	payloads := make([][]byte, 0)
	prev := types.InvalidLSN
	for i := 0; i < 200; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 10+i)
		lsn, err := lm.AppendLogRecord(NewLogRecordRedo(1, prev, types.NewPageID(0, int32(i%4)), uint16(i), nil, payload))
		testingpkg.Ok(t, err)
		if len(lsns) > 0 {
			testingpkg.Assert(t, lsn > lsns[len(lsns)-1], "lsn must increase")
		}
		lsns = append(lsns, lsn)
		payloads = append(payloads, payload)
		prev = lsn
	}
	// readable from the buffer before any flush
	rec, err := lm.ReadLogRecord(lsns[3])
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, payloads[3], rec.New_data)

	testingpkg.Ok(t, lm.Flush())
	testingpkg.Equals(t, lm.GetNextLSN(), lm.GetPersistentLSN())
	vdm.CloseFilesForTesting()

	lm2, err := NewLogManager(vdm.Reopen())
	testingpkg.Ok(t, err)
	it := lm2.NewIterator(types.InvalidLSN)
	for i := 0; ; i++ {
		rec, err := it.Next()
		testingpkg.Ok(t, err)
		if rec == nil {
			testingpkg.Equals(t, 200, i)
			break
		}
		testingpkg.Equals(t, lsns[i], rec.Lsn)
		testingpkg.Equals(t, payloads[i], rec.New_data)
		testingpkg.Equals(t, uint16(i), rec.Offset)
	}
}

func TestLogManagerUnflushedTailIsLost(t *testing.T) {
	vdm := disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile)
	lm, _ := NewLogManager(vdm)
	first, err := lm.AppendLogRecord(NewLogRecordTxnEnd(1, types.InvalidLSN, TXN_COMMIT))
	testingpkg.Ok(t, err)
	testingpkg.Ok(t, lm.FlushUpTo(first))
	_, err = lm.AppendLogRecord(NewLogRecordTxnEnd(2, types.InvalidLSN, TXN_COMMIT))
	testingpkg.Ok(t, err)
	lm.DiscardBufferForTesting()
	vdm.CloseFilesForTesting()

	lm2, err := NewLogManager(vdm.Reopen())
	testingpkg.Ok(t, err)
	it := lm2.NewIterator(FirstLSN)
	rec, err := it.Next()
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, types.TxnID(1), rec.Txn_id)
	rec, err = it.Next()
	testingpkg.Ok(t, err)
	testingpkg.Assert(t, rec == nil, "second record was never durable")
}

func TestLogManagerLargeRecordAndCheckpoint(t *testing.T) {
	vdm := disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile)
	lm, _ := NewLogManager(vdm)
	lm.BindDirtyPageSource(fixedDPT{types.NewPageID(0, 1): 16, types.NewPageID(0, 0): 40})
	lm.BindTxnTableSource(fixedATT{{TxnID: 2, Status: TXN_ACTIVE, LastLSN: 16}})

	big := make([]byte, common.LogBufferSize+100)
	lsn, err := lm.AppendLogRecord(NewLogRecordUndo(2, types.InvalidLSN, UNDO_DELETE, page.RID{}, big))
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, FirstLSN, lsn)

	beginLSN, err := lm.Checkpoint()
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, beginLSN, lm.GetCheckpointLSN())

	lm2, err := NewLogManager(vdm)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, beginLSN, lm2.GetCheckpointLSN())
	it := lm2.NewIterator(beginLSN)
	rec, _ := it.Next()
	testingpkg.Equals(t, BEGIN_CHECKPOINT, rec.Log_record_type)
	rec, _ = it.Next()
	testingpkg.Equals(t, END_CHECKPOINT, rec.Log_record_type)
	testingpkg.Equals(t, beginLSN, rec.Begin_checkpoint_lsn)
	// pages come out sorted
	testingpkg.Equals(t, types.NewPageID(0, 0), rec.Dirty_pages[0].PageID)
	testingpkg.Equals(t, types.TxnID(2), rec.Txn_table[0].TxnID)

	rec, err = lm2.ReadLogRecord(lsn)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, len(big), len(rec.Undo_data))

	testingpkg.Nok(t, lm2.Recover())
}

func TestCorruptEntryIsDetected(t *testing.T) {
	vdm := disk.NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile)
	lm, _ := NewLogManager(vdm)
	lsn, err := lm.AppendLogRecord(NewLogRecordRedo(1, types.InvalidLSN, types.NewPageID(0, 0), 40, []byte("old"), []byte("new")))
	testingpkg.Ok(t, err)
	testingpkg.Ok(t, lm.Flush())

	// flip one payload byte behind the log manager's back
	buf := make([]byte, 1)
	at := int64(lsn) + ENTRY_HEADER_SIZE + 2
	_, err = vdm.ReadLog(buf, at)
	testingpkg.Ok(t, err)
	buf[0] ^= 0xff
	testingpkg.Ok(t, vdm.WriteLog(buf, at))

	lm2, err := NewLogManager(vdm)
	testingpkg.Ok(t, err)
	_, err = lm2.ReadLogRecord(lsn)
	testingpkg.ErrorIs(t, err, errors.CorruptionDetected)
}
