// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package access

import (
	"github.com/LUPENGHAN/EASYDB/storage/page"
	"github.com/LUPENGHAN/EASYDB/types"
)

// Record is one visible record produced by a scan.
type Record struct {
	RID  page.RID
	Data []byte
}

// RecordIterator is the access method for the table heap
//
// It iterates through the heap when Next is called
// The record that it is being pointed to can be accessed with the method Current
// Records are read with the same locking and visibility rules as Get.
type RecordIterator struct {
	tableHeap *TableHeap
	txn       *Transaction
	predicate func([]byte) bool

	pageIDs []types.PageID
	pageIdx int
	slots   []uint16
	slotIdx int

	record *Record
	err    error
}

func newRecordIterator(tableHeap *TableHeap, txn *Transaction, predicate func([]byte) bool) *RecordIterator {
	it := &RecordIterator{
		tableHeap: tableHeap,
		txn:       txn,
		predicate: predicate,
		pageIDs:   tableHeap.pageIDs(),
		pageIdx:   -1,
	}
	it.Next()
	return it
}

// Current points to the current record
func (it *RecordIterator) Current() *Record {
	return it.record
}

// End checks if the iterator is at the end
func (it *RecordIterator) End() bool {
	return it.record == nil
}

// Err is the error that ended the scan early, if any.
func (it *RecordIterator) Err() error {
	return it.err
}

// Next advances to the next visible record that passes the predicate
func (it *RecordIterator) Next() *Record {
	it.record = nil
	if it.err != nil {
		return nil
	}
	for {
		for it.slotIdx >= len(it.slots) {
			it.pageIdx++
			if it.pageIdx >= len(it.pageIDs) {
				return nil
			}
			slots, err := it.tableHeap.validSlots(it.pageIDs[it.pageIdx])
			if err != nil {
				it.err = err
				return nil
			}
			it.slots = slots
			it.slotIdx = 0
		}

		rid := page.NewRID(it.pageIDs[it.pageIdx], it.slots[it.slotIdx])
		it.slotIdx++
		data, err := it.tableHeap.Get(it.txn, rid)
		if err != nil {
			it.err = err
			return nil
		}
		if data == nil || (it.predicate != nil && !it.predicate(data)) {
			continue
		}
		it.record = &Record{RID: rid, Data: data}
		return it.record
	}
}

// Collect drains the iterator.
func (it *RecordIterator) Collect() ([]Record, error) {
	ret := make([]Record, 0)
	for r := it.Current(); !it.End(); r = it.Next() {
		ret = append(ret, *r)
	}
	return ret, it.Err()
}
