// this code is from https://github.com/pzhzqt/goostub
// its license and copyright notice are kept in that repository

package common

import (
	"sync"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"
)

type ReaderWriterLatch interface {
	WLock()
	WUnlock()
	RLock()
	RUnlock()
	PrintDebugInfo()
}

// NewLatch returns the latch implementation selected by EnableDebug.
func NewLatch() ReaderWriterLatch {
	if EnableDebug {
		return NewRWLatchDeadlockDetect()
	}
	return NewRWLatch()
}

type readerWriterLatch struct {
	mutex *sync.RWMutex
}

func NewRWLatch() ReaderWriterLatch {
	return &readerWriterLatch{new(sync.RWMutex)}
}

func (l *readerWriterLatch) WLock()   { l.mutex.Lock() }
func (l *readerWriterLatch) WUnlock() { l.mutex.Unlock() }
func (l *readerWriterLatch) RLock()   { l.mutex.RLock() }
func (l *readerWriterLatch) RUnlock() { l.mutex.RUnlock() }

func (l *readerWriterLatch) PrintDebugInfo() {
	//do nothing
}

// latch which reports lock order inversions and long waits through go-deadlock
type readerWriterLatchDeadlockDetect struct {
	mutex     *deadlock.RWMutex
	readerCnt int32
	writerCnt int32
}

func NewRWLatchDeadlockDetect() ReaderWriterLatch {
	return &readerWriterLatchDeadlockDetect{mutex: new(deadlock.RWMutex)}
}

func (l *readerWriterLatchDeadlockDetect) WLock() {
	l.mutex.Lock()
	atomic.AddInt32(&l.writerCnt, 1)
}

func (l *readerWriterLatchDeadlockDetect) WUnlock() {
	atomic.AddInt32(&l.writerCnt, -1)
	l.mutex.Unlock()
}

func (l *readerWriterLatchDeadlockDetect) RLock() {
	l.mutex.RLock()
	atomic.AddInt32(&l.readerCnt, 1)
}

func (l *readerWriterLatchDeadlockDetect) RUnlock() {
	atomic.AddInt32(&l.readerCnt, -1)
	l.mutex.RUnlock()
}

func (l *readerWriterLatchDeadlockDetect) PrintDebugInfo() {
	log.WithFields(log.Fields{
		"readers": atomic.LoadInt32(&l.readerCnt),
		"writers": atomic.LoadInt32(&l.writerCnt),
	}).Debug("latch state")
}
