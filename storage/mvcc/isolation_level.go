package mvcc

import (
	"strings"

	"github.com/LUPENGHAN/EASYDB/errors"
)

type IsolationLevel int32

const (
	ReadUncommitted IsolationLevel = 1
	ReadCommitted   IsolationLevel = 2
	RepeatableRead  IsolationLevel = 3
	Serializable    IsolationLevel = 4
)

// IsolationLevelFromValue maps a stored value to a level. Unknown values give
// REPEATABLE_READ.
func IsolationLevelFromValue(v int32) IsolationLevel {
	switch IsolationLevel(v) {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return IsolationLevel(v)
	}
	return RepeatableRead
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "READ_UNCOMMITTED":
		return ReadUncommitted, nil
	case "READ_COMMITTED":
		return ReadCommitted, nil
	case "REPEATABLE_READ":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	}
	return RepeatableRead, errors.New(errors.ValidationError, "unknown isolation level %q", s)
}

// SnapshotPerTxn reports whether one read view serves the whole transaction.
func (l IsolationLevel) SnapshotPerTxn() bool {
	return l == RepeatableRead || l == Serializable
}

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return "UNKNOWN"
}
