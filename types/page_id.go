package types

import (
	"encoding/binary"
	"fmt"
)

// PageID identifies a block: the data file it lives in and its number there.
type PageID struct {
	FileID  int32
	PageNum int32
}

const SizeOfPageID = 8

var InvalidPageID = PageID{-1, -1}

func NewPageID(fileID int32, pageNum int32) PageID {
	return PageID{fileID, pageNum}
}

func (id PageID) IsValid() bool {
	return id.FileID >= 0 && id.PageNum >= 0
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%d", id.FileID, id.PageNum)
}

// Less orders page ids by file then page number.
func (id PageID) Less(other PageID) bool {
	if id.FileID != other.FileID {
		return id.FileID < other.FileID
	}
	return id.PageNum < other.PageNum
}

func (id PageID) Serialize() []byte {
	buf := make([]byte, SizeOfPageID)
	id.SerializeTo(buf)
	return buf
}

func (id PageID) SerializeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(id.FileID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(id.PageNum))
}

func NewPageIDFromBytes(data []byte) PageID {
	return PageID{
		FileID:  int32(binary.LittleEndian.Uint32(data[0:])),
		PageNum: int32(binary.LittleEndian.Uint32(data[4:])),
	}
}
