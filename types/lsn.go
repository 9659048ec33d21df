// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package types

import (
	"encoding/binary"
)

// LSN is the type of the log identifier. It is the byte offset of the
// entry in the log file.
type LSN int64

const SizeOfLSN = 8

const InvalidLSN LSN = -1

func (lsn LSN) IsValid() bool {
	return lsn >= 0
}

// Serialize casts it to []byte
func (lsn LSN) Serialize() []byte {
	buf := make([]byte, SizeOfLSN)
	binary.LittleEndian.PutUint64(buf, uint64(lsn))
	return buf
}

// NewLSNFromBytes creates a LSN from []byte
func NewLSNFromBytes(data []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(data))
}
