// this code is from https://github.com/pzhzqt/goostub
// its license and copyright notice are kept in that repository

package common

// EnableDebug switches latches to the deadlock detecting variant and turns on
// verbose diagnostics in lock waits.
const EnableDebug bool = false //true

const (
	// invalid page number
	InvalidPageNum = -1
	// invalid file id
	InvalidFileID = -1
	// invalid transaction id
	InvalidTxnID = -1
	// invalid log sequence number
	InvalidLSN = -1
	// size of a data page in byte
	PageSize                     = 4096
	BufferPoolMaxFrameNumForTest = 64
	// default upper bound of pages in one data file
	DefaultMaxPagesPerFile = 1024
	// number for calculate log buffer size (number of page size)
	LogBufferSizeBase = 128
	// size of a log buffer in byte
	LogBufferSize = (LogBufferSizeBase + 1) * PageSize
	// size of the log file header ([writePos:8][checkpointPos:8])
	LogFileHeaderSize = 16
	// size of the transaction state file header (xid counter)
	TxnStateHeaderSize = 8

	DefaultLockTimeoutMs           = 5000
	DefaultDeadlockCheckIntervalMs = 1000
	DefaultCheckpointIntervalSec   = 30
	DefaultGCIntervalSec           = 10
	DefaultGCSafetyMarginMs        = 60000

	ActiveLogKindSetting = INFO | WARN | ERROR | FATAL //| DEBUG_INFO | RECOVERY_INFO | LOCK_INFO
)

const (
	DataFilePrefix   = "data_"
	DataFileSuffix   = ".db"
	FreeMapSuffix    = ".fsm"
	LogFileName      = "easydb.wal"
	TxnStateFileName = "easydb.xid"
)
