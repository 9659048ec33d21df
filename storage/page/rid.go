package page

import (
	"encoding/binary"
	"fmt"

	"github.com/LUPENGHAN/EASYDB/types"
)

// RID is the record identifier for the given page identifier and slot number
type RID struct {
	PageID  types.PageID
	SlotNum uint16
}

const SizeOfRID = types.SizeOfPageID + 2

func NewRID(pageID types.PageID, slot uint16) RID {
	return RID{pageID, slot}
}

// Set sets the recod identifier
func (r *RID) Set(pageID types.PageID, slot uint16) {
	r.PageID = pageID
	r.SlotNum = slot
}

// GetPageId gets the page id
func (r RID) GetPageId() types.PageID {
	return r.PageID
}

// GetSlotNum gets the slot number
func (r RID) GetSlotNum() uint16 {
	return r.SlotNum
}

// Less orders by page then slot.
func (r RID) Less(other RID) bool {
	if r.PageID != other.PageID {
		return r.PageID.Less(other.PageID)
	}
	return r.SlotNum < other.SlotNum
}

func (r RID) String() string {
	return fmt.Sprintf("%s:%d", r.PageID, r.SlotNum)
}

func (r RID) SerializeTo(buf []byte) {
	r.PageID.SerializeTo(buf)
	binary.LittleEndian.PutUint16(buf[types.SizeOfPageID:], r.SlotNum)
}

func NewRIDFromBytes(buf []byte) RID {
	return RID{types.NewPageIDFromBytes(buf), binary.LittleEndian.Uint16(buf[types.SizeOfPageID:])}
}
