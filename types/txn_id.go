package types

// TxnID is a transaction identifier. Ids start at 1; 0 is the system
// transaction which is always treated as committed.
type TxnID int64

const SizeOfTxnID = 8

const (
	SystemTxnID  TxnID = 0
	InvalidTxnID TxnID = -1
)

// Timestamp is a logical commit/begin time in microseconds.
type Timestamp int64

const (
	MinTimestamp Timestamp = 0
	// InfinityTS marks the end of a version that is still current.
	InfinityTS Timestamp = 1<<63 - 1
)
