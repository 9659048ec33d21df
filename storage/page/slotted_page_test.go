package page

import (
	"bytes"
	"testing"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	testingpkg "github.com/LUPENGHAN/EASYDB/testing/testing_assert"
	"github.com/LUPENGHAN/EASYDB/types"
)

func newTestSlottedPage() *SlottedPage {
	sp := NewSlottedPage(&[common.PageSize]byte{})
	sp.Init(types.NewPageID(0, 3))
	return sp
}

func TestSlottedPageInsertGet(t *testing.T) {
	sp := newTestSlottedPage()
	testingpkg.Assert(t, sp.IsInitialized(), "formatted")
	testingpkg.Equals(t, types.NewPageID(0, 3), sp.GetPageID())
	testingpkg.Equals(t, common.PageSize-SizePageHeader, sp.FreeSpace())

	s0, err := sp.InsertRecord([]byte("hello"))
	testingpkg.Ok(t, err)
	s1, err := sp.InsertRecord([]byte("world!"))
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, uint16(0), s0)
	testingpkg.Equals(t, uint16(1), s1)
	testingpkg.Equals(t, common.PageSize-SizePageHeader-2*SizeOfSlot-11, sp.FreeSpace())

	rec, err := sp.GetRecord(s1)
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, []byte("world!"), rec)

	_, err = sp.GetRecord(7)
	testingpkg.Assert(t, errors.Is(err, errors.ErrInvalidSlot), "out of range slot")
	_, err = sp.InsertRecord(nil)
	testingpkg.Assert(t, errors.Is(err, errors.ValidationError), "empty record rejected")
	_, err = sp.InsertRecord(make([]byte, MaxRecordSize+1))
	testingpkg.Assert(t, errors.Is(err, errors.ErrRecordTooLarge), "oversized record rejected")
}

func TestSlottedPageDeleteReusesSlot(t *testing.T) {
	sp := newTestSlottedPage()
	sp.InsertRecord([]byte("aaaa"))
	sp.InsertRecord([]byte("bbbb"))
	sp.InsertRecord([]byte("cccc"))

	testingpkg.Ok(t, sp.DeleteRecord(1))
	testingpkg.Equals(t, []uint16{0, 2}, sp.ValidSlots())
	_, err := sp.GetRecord(1)
	testingpkg.Nok(t, err)

	slot, err := sp.InsertRecord([]byte("dd"))
	testingpkg.Ok(t, err)
	testingpkg.Equals(t, uint16(1), slot)
	testingpkg.Equals(t, uint16(3), sp.SlotCount())
}

func TestSlottedPageUpdate(t *testing.T) {
	sp := newTestSlottedPage()
	slot, _ := sp.InsertRecord([]byte("12345"))
	other, _ := sp.InsertRecord([]byte("xyz"))

	testingpkg.Ok(t, sp.UpdateRecord(slot, []byte("abcde")))
	rec, _ := sp.GetRecord(slot)
	testingpkg.Equals(t, []byte("abcde"), rec)

	testingpkg.Ok(t, sp.UpdateRecord(slot, []byte("a much longer record")))
	rec, _ = sp.GetRecord(slot)
	testingpkg.Equals(t, []byte("a much longer record"), rec)
	rec, _ = sp.GetRecord(other)
	testingpkg.Equals(t, []byte("xyz"), rec)
}

func TestSlottedPageCompaction(t *testing.T) {
	sp := newTestSlottedPage()
	big := bytes.Repeat([]byte{7}, 1000)
	slots := make([]uint16, 0)
	for {
		s, err := sp.InsertRecord(big)
		if err != nil {
			testingpkg.Assert(t, errors.Is(err, errors.ErrNotEnoughSpace), "page full")
			break
		}
		slots = append(slots, s)
	}
	testingpkg.Equals(t, 4, len(slots))

	// free the middle records so only compaction makes room
	testingpkg.Ok(t, sp.DeleteRecord(slots[1]))
	testingpkg.Ok(t, sp.DeleteRecord(slots[2]))
	huge := bytes.Repeat([]byte{9}, 1900)
	s, err := sp.InsertRecord(huge)
	testingpkg.Ok(t, err)
	rec, _ := sp.GetRecord(s)
	testingpkg.Equals(t, huge, rec)
	rec, _ = sp.GetRecord(slots[3])
	testingpkg.Equals(t, big, rec)

	// an update that cannot fit leaves the record intact
	err = sp.UpdateRecord(slots[0], make([]byte, 2500))
	testingpkg.Assert(t, errors.Is(err, errors.ResourceExhausted), "update too large")
	rec, _ = sp.GetRecord(slots[0])
	testingpkg.Equals(t, big, rec)
}

func TestSlottedPageInsertAt(t *testing.T) {
	sp := newTestSlottedPage()
	testingpkg.Ok(t, sp.InsertRecordAt(2, []byte("late")))
	testingpkg.Equals(t, uint16(3), sp.SlotCount())
	testingpkg.Equals(t, []uint16{2}, sp.ValidSlots())
	testingpkg.Nok(t, sp.InsertRecordAt(2, []byte("again")))
}

func TestChecksum(t *testing.T) {
	sp := newTestSlottedPage()
	sp.InsertRecord([]byte("payload"))
	StampChecksum(sp.data[:])
	testingpkg.Assert(t, VerifyChecksum(sp.data[:]), "fresh checksum verifies")
	sp.data[common.PageSize-1] ^= 0xff
	testingpkg.AssertFalse(t, VerifyChecksum(sp.data[:]), "flipped byte detected")

	var zero [common.PageSize]byte
	testingpkg.Assert(t, VerifyChecksum(zero[:]), "never written page accepted")
}
