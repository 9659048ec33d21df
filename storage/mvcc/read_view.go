package mvcc

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * ReadView is the snapshot a transaction reads through. It is never
 * modified after construction.
 */
type ReadView struct {
	creatorXid types.TxnID
	readTS     types.Timestamp
	active     mapset.Set[types.TxnID]
	isolation  IsolationLevel
	// no version needed by this view began before lowWatermark
	lowWatermark types.Timestamp
}

// NewReadView builds a view. activeBeginTS holds the begin timestamps of the
// transactions in activeXids and bounds the view's low watermark.
func NewReadView(creatorXid types.TxnID, readTS types.Timestamp, activeXids []types.TxnID, activeBeginTS []types.Timestamp, isolation IsolationLevel) *ReadView {
	low := readTS
	for _, ts := range activeBeginTS {
		if ts < low {
			low = ts
		}
	}
	return &ReadView{
		creatorXid:   creatorXid,
		readTS:       readTS,
		active:       mapset.NewThreadUnsafeSet[types.TxnID](activeXids...),
		isolation:    isolation,
		lowWatermark: low,
	}
}

func (rv *ReadView) CreatorXid() types.TxnID { return rv.creatorXid }
func (rv *ReadView) ReadTS() types.Timestamp { return rv.readTS }
func (rv *ReadView) Isolation() IsolationLevel { return rv.isolation }
func (rv *ReadView) LowWatermark() types.Timestamp { return rv.lowWatermark }
func (rv *ReadView) IsActive(xid types.TxnID) bool { return rv.active.Contains(xid) }
func (rv *ReadView) ActiveXids() []types.TxnID { return rv.active.ToSlice() }

// IsVisible decides whether a version created by xid and valid in
// [beginTS, endTS) can be seen through this view.
func (rv *ReadView) IsVisible(xid types.TxnID, beginTS types.Timestamp, endTS types.Timestamp) bool {
	if xid == rv.creatorXid {
		return true
	}
	if beginTS > rv.readTS {
		return false
	}
	if rv.isolation == ReadUncommitted {
		return true
	}
	if rv.active.Contains(xid) {
		return false
	}
	return endTS > rv.readTS
}

// createdVisible reports whether the creation of a version is visible,
// ignoring when it ended.
func (rv *ReadView) createdVisible(xid types.TxnID, beginTS types.Timestamp) bool {
	return rv.IsVisible(xid, beginTS, types.InfinityTS)
}

func (rv *ReadView) String() string {
	return fmt.Sprintf("ReadView{xid:%d readTS:%d active:%v isolation:%s low:%d}",
		rv.creatorXid, rv.readTS, rv.active, rv.isolation, rv.lowWatermark)
}
