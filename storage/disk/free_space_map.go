package disk

import (
	"encoding/binary"
	"math/bits"
)

// freeSpaceMap is the used/free bitmap of one data file. Bit i set means
// page i is allocated.
type freeSpaceMap struct {
	words []uint64
	limit int32
}

func newFreeSpaceMap(limit int32) *freeSpaceMap {
	return &freeSpaceMap{make([]uint64, (limit+63)/64), limit}
}

func (m *freeSpaceMap) set(pageNum int32) {
	m.words[pageNum/64] |= 1 << uint(pageNum%64)
}

func (m *freeSpaceMap) clear(pageNum int32) {
	m.words[pageNum/64] &^= 1 << uint(pageNum%64)
}

func (m *freeSpaceMap) test(pageNum int32) bool {
	if pageNum < 0 || pageNum >= m.limit {
		return false
	}
	return m.words[pageNum/64]&(1<<uint(pageNum%64)) != 0
}

// firstClear returns the lowest free page number or -1 when the file is full.
func (m *freeSpaceMap) firstClear() int32 {
	for i, w := range m.words {
		if w == ^uint64(0) {
			continue
		}
		n := int32(i*64 + bits.TrailingZeros64(^w))
		if n < m.limit {
			return n
		}
		return -1
	}
	return -1
}

// setBelow marks every page under count as allocated.
func (m *freeSpaceMap) setBelow(count int32) {
	for i := int32(0); i < count && i < m.limit; i++ {
		m.set(i)
	}
}

func (m *freeSpaceMap) each(fn func(pageNum int32)) {
	for i, w := range m.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			fn(int32(i*64 + b))
			w &^= 1 << uint(b)
		}
	}
}

// serialized form: [limit:4][words:8*n]
func (m *freeSpaceMap) serialize() []byte {
	buf := make([]byte, 4+8*len(m.words))
	binary.LittleEndian.PutUint32(buf, uint32(m.limit))
	for i, w := range m.words {
		binary.LittleEndian.PutUint64(buf[4+8*i:], w)
	}
	return buf
}

func deserializeFreeSpaceMap(buf []byte, limit int32) (*freeSpaceMap, bool) {
	if len(buf) < 4 || int32(binary.LittleEndian.Uint32(buf)) != limit {
		return nil, false
	}
	m := newFreeSpaceMap(limit)
	if len(buf) != 4+8*len(m.words) {
		return nil, false
	}
	for i := range m.words {
		m.words[i] = binary.LittleEndian.Uint64(buf[4+8*i:])
	}
	return m, true
}
