package page

import (
	"encoding/binary"
	"sort"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * Slotted page format:
 *  ---------------------------------------------------------------
 * | HEADER (24) | SLOT 0 | SLOT 1 | ... | FREE SPACE | ... RECORDS |
 *  ---------------------------------------------------------------
 *                                        ^ freeSpacePointer
 * A slot is [offset:2][length:2]. Records grow from the end of the page
 * towards the slot directory. Offset 0 marks an empty slot.
 */
const (
	SizeOfSlot = 4
	// MaxRecordSize is the largest record a page can hold
	MaxRecordSize = common.PageSize - SizePageHeader - SizeOfSlot
)

type SlottedPage struct {
	data *[common.PageSize]byte
}

func NewSlottedPage(data *[common.PageSize]byte) *SlottedPage {
	return &SlottedPage{data}
}

// Init formats an empty page.
func (sp *SlottedPage) Init(pageID types.PageID) {
	lsn := GetPageLSN(sp.data)
	for i := range sp.data {
		sp.data[i] = 0
	}
	pageID.SerializeTo(sp.data[OffsetPageID:])
	SetPageLSN(sp.data, lsn)
	sp.setFreeSpacePointer(common.PageSize)
	sp.setSlotCount(0)
}

// IsInitialized is false for a page that was never formatted.
func (sp *SlottedPage) IsInitialized() bool {
	return sp.getFreeSpacePointer() != 0
}

func (sp *SlottedPage) GetPageID() types.PageID {
	return types.NewPageIDFromBytes(sp.data[OffsetPageID:])
}

func (sp *SlottedPage) getFreeSpacePointer() uint16 {
	return binary.LittleEndian.Uint16(sp.data[OffsetFreeSpacePtr:])
}

func (sp *SlottedPage) setFreeSpacePointer(ptr uint16) {
	binary.LittleEndian.PutUint16(sp.data[OffsetFreeSpacePtr:], ptr)
}

// SlotCount is the size of the slot directory, empty slots included.
func (sp *SlottedPage) SlotCount() uint16 {
	return binary.LittleEndian.Uint16(sp.data[OffsetRecordCount:])
}

func (sp *SlottedPage) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(sp.data[OffsetRecordCount:], n)
}

func slotPos(slot uint16) int {
	return SizePageHeader + int(slot)*SizeOfSlot
}

func (sp *SlottedPage) getSlot(slot uint16) (offset uint16, length uint16) {
	pos := slotPos(slot)
	return binary.LittleEndian.Uint16(sp.data[pos:]), binary.LittleEndian.Uint16(sp.data[pos+2:])
}

func (sp *SlottedPage) setSlot(slot uint16, offset uint16, length uint16) {
	pos := slotPos(slot)
	binary.LittleEndian.PutUint16(sp.data[pos:], offset)
	binary.LittleEndian.PutUint16(sp.data[pos+2:], length)
}

// FreeSpace is the gap between the slot directory and the record area.
func (sp *SlottedPage) FreeSpace() int {
	return int(sp.getFreeSpacePointer()) - slotPos(sp.SlotCount())
}

// reclaimable is the free space a compaction would give.
func (sp *SlottedPage) reclaimable() int {
	used := 0
	for i := uint16(0); i < sp.SlotCount(); i++ {
		if off, length := sp.getSlot(i); off != 0 {
			used += int(length)
		}
	}
	return common.PageSize - slotPos(sp.SlotCount()) - used
}

// Reclaimable is the free space the page has once compacted.
func (sp *SlottedPage) Reclaimable() int {
	return sp.reclaimable()
}

func (sp *SlottedPage) firstEmptySlot() (uint16, bool) {
	for i := uint16(0); i < sp.SlotCount(); i++ {
		if off, _ := sp.getSlot(i); off == 0 {
			return i, true
		}
	}
	return 0, false
}

// HasRoomFor reports whether an insert of length bytes would succeed.
func (sp *SlottedPage) HasRoomFor(length int) bool {
	need := length
	if _, ok := sp.firstEmptySlot(); !ok {
		need += SizeOfSlot
	}
	return sp.reclaimable() >= need
}

func validateRecord(record []byte) error {
	if len(record) == 0 {
		return errors.WithStack(errors.ErrEmptyRecord)
	}
	if len(record) > MaxRecordSize {
		return errors.WithStack(errors.ErrRecordTooLarge)
	}
	return nil
}

// InsertRecord stores record in the first empty slot or a new one.
func (sp *SlottedPage) InsertRecord(record []byte) (uint16, error) {
	if err := validateRecord(record); err != nil {
		return 0, err
	}
	slot, reuse := sp.firstEmptySlot()
	need := len(record)
	if !reuse {
		need += SizeOfSlot
		slot = sp.SlotCount()
	}
	if sp.FreeSpace() < need {
		if sp.reclaimable() < need {
			return 0, errors.WithStack(errors.ErrNotEnoughSpace)
		}
		sp.Compact()
	}
	if !reuse {
		sp.setSlotCount(slot + 1)
	}
	sp.place(slot, record)
	return slot, nil
}

// InsertRecordAt puts record into a given empty slot, growing the slot
// directory when needed.
func (sp *SlottedPage) InsertRecordAt(slot uint16, record []byte) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	need := len(record)
	if slot < sp.SlotCount() {
		if off, _ := sp.getSlot(slot); off != 0 {
			return errors.New(errors.ValidationError, "slot %d is occupied", slot)
		}
	} else {
		need += int(slot-sp.SlotCount()+1) * SizeOfSlot
	}
	if sp.FreeSpace() < need {
		if sp.reclaimable() < need {
			return errors.WithStack(errors.ErrNotEnoughSpace)
		}
		sp.Compact()
	}
	for sp.SlotCount() <= slot {
		n := sp.SlotCount()
		sp.setSlot(n, 0, 0)
		sp.setSlotCount(n + 1)
	}
	sp.place(slot, record)
	return nil
}

func (sp *SlottedPage) place(slot uint16, record []byte) {
	ptr := sp.getFreeSpacePointer() - uint16(len(record))
	copy(sp.data[ptr:], record)
	sp.setFreeSpacePointer(ptr)
	sp.setSlot(slot, ptr, uint16(len(record)))
}

// GetRecord returns the record bytes in place. Callers copy what they keep.
func (sp *SlottedPage) GetRecord(slot uint16) ([]byte, error) {
	if slot >= sp.SlotCount() {
		return nil, errors.WithStack(errors.ErrInvalidSlot)
	}
	off, length := sp.getSlot(slot)
	if off == 0 {
		return nil, errors.WithStack(errors.ErrInvalidSlot)
	}
	return sp.data[off : off+length], nil
}

// UpdateRecord overwrites in place when the length is unchanged. Otherwise
// the record moves inside the page and keeps its slot.
func (sp *SlottedPage) UpdateRecord(slot uint16, record []byte) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	old, err := sp.GetRecord(slot)
	if err != nil {
		return err
	}
	if len(old) == len(record) {
		copy(old, record)
		return nil
	}
	// the old bytes count as free for the new image
	if sp.reclaimable()+len(old) < len(record) {
		return errors.WithStack(errors.ErrNotEnoughSpace)
	}
	sp.setSlot(slot, 0, 0)
	if sp.FreeSpace() < len(record) {
		sp.Compact()
	}
	sp.place(slot, record)
	return nil
}

// DeleteRecord empties the slot. Its space is reclaimed on compaction.
func (sp *SlottedPage) DeleteRecord(slot uint16) error {
	if _, err := sp.GetRecord(slot); err != nil {
		return err
	}
	sp.setSlot(slot, 0, 0)
	return nil
}

// Compact moves the live records to the end of the page.
func (sp *SlottedPage) Compact() {
	type entry struct {
		slot   uint16
		offset uint16
		length uint16
	}
	live := make([]entry, 0, sp.SlotCount())
	for i := uint16(0); i < sp.SlotCount(); i++ {
		if off, length := sp.getSlot(i); off != 0 {
			live = append(live, entry{i, off, length})
		}
	}
	// highest offset first keeps the record order of the page
	sort.Slice(live, func(a, b int) bool { return live[a].offset > live[b].offset })

	var tmp [common.PageSize]byte
	ptr := uint16(common.PageSize)
	for _, e := range live {
		ptr -= e.length
		copy(tmp[ptr:], sp.data[e.offset:e.offset+e.length])
		sp.setSlot(e.slot, ptr, e.length)
	}
	dirEnd := slotPos(sp.SlotCount())
	for i := dirEnd; i < int(ptr); i++ {
		sp.data[i] = 0
	}
	copy(sp.data[ptr:], tmp[ptr:])
	sp.setFreeSpacePointer(ptr)
}

// ValidSlots lists the slots holding a record.
func (sp *SlottedPage) ValidSlots() []uint16 {
	ret := make([]uint16, 0)
	for i := uint16(0); i < sp.SlotCount(); i++ {
		if off, _ := sp.getSlot(i); off != 0 {
			ret = append(ret, i)
		}
	}
	return ret
}
