package access

import (
	"encoding/binary"
	"sync"

	"github.com/LUPENGHAN/EASYDB/common"
	"github.com/LUPENGHAN/EASYDB/errors"
	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/types"
)

/**
 * TxnStateFile persists the xid counter and one status byte per xid:
 *  -----------------------------------------------------
 * | counter(8) | status(xid 1) | status(xid 2) | ...   |
 *  -----------------------------------------------------
 * Every write is synced before it returns.
 */
type TxnStateFile struct {
	file    disk.StateFile
	mutex   *sync.Mutex
	counter types.TxnID
}

func OpenTxnStateFile(diskManager disk.DiskManager) (*TxnStateFile, error) {
	file, err := diskManager.OpenStateFile()
	if err != nil {
		return nil, err
	}
	ret := &TxnStateFile{file: file, mutex: new(sync.Mutex)}
	if file.Size() >= common.TxnStateHeaderSize {
		header := make([]byte, common.TxnStateHeaderSize)
		if _, err := file.ReadAt(header, 0); err != nil {
			return nil, errors.Wrap(errors.IOFailure, err, "reading transaction state header")
		}
		ret.counter = types.TxnID(binary.LittleEndian.Uint64(header))
	} else if err := ret.writeCounter(0); err != nil {
		return nil, err
	}
	return ret, nil
}

func statusOffset(xid types.TxnID) int64 {
	return common.TxnStateHeaderSize + int64(xid-1)
}

func (sf *TxnStateFile) writeCounter(counter types.TxnID) error {
	header := make([]byte, common.TxnStateHeaderSize)
	binary.LittleEndian.PutUint64(header, uint64(counter))
	if _, err := sf.file.WriteAt(header, 0); err != nil {
		return errors.Wrap(errors.IOFailure, err, "writing xid counter")
	}
	return nil
}

func (sf *TxnStateFile) writeStatus(xid types.TxnID, status recovery.TxnStatus) error {
	if _, err := sf.file.WriteAt([]byte{byte(status)}, statusOffset(xid)); err != nil {
		return errors.Wrap(errors.IOFailure, err, "writing status of xid %d", xid)
	}
	return nil
}

func (sf *TxnStateFile) sync() error {
	if err := sf.file.Sync(); err != nil {
		return errors.Wrap(errors.IOFailure, err, "syncing transaction state file")
	}
	return nil
}

// NextXid allocates an xid and records it ACTIVE.
func (sf *TxnStateFile) NextXid() (types.TxnID, error) {
	sf.mutex.Lock()
	defer sf.mutex.Unlock()
	xid := sf.counter + 1
	if err := sf.writeCounter(xid); err != nil {
		return types.InvalidTxnID, err
	}
	if err := sf.writeStatus(xid, recovery.TXN_ACTIVE); err != nil {
		return types.InvalidTxnID, err
	}
	if err := sf.sync(); err != nil {
		return types.InvalidTxnID, err
	}
	sf.counter = xid
	return xid, nil
}

func (sf *TxnStateFile) SetStatus(xid types.TxnID, status recovery.TxnStatus) error {
	if xid <= types.SystemTxnID {
		return errors.New(errors.ValidationError, "xid %d has no state entry", xid)
	}
	sf.mutex.Lock()
	defer sf.mutex.Unlock()
	if xid > sf.counter {
		sf.counter = xid
		if err := sf.writeCounter(xid); err != nil {
			return err
		}
	}
	if err := sf.writeStatus(xid, status); err != nil {
		return err
	}
	return sf.sync()
}

// GetStatus reads the persisted status. xid 0 is always committed; an xid
// the file has no byte for counts as active.
func (sf *TxnStateFile) GetStatus(xid types.TxnID) (recovery.TxnStatus, error) {
	if xid == types.SystemTxnID {
		return recovery.TXN_COMMITTED, nil
	}
	if xid < types.SystemTxnID {
		return 0, errors.New(errors.ValidationError, "invalid xid %d", xid)
	}
	sf.mutex.Lock()
	defer sf.mutex.Unlock()
	if xid > sf.counter || statusOffset(xid) >= sf.file.Size() {
		return recovery.TXN_ACTIVE, nil
	}
	buf := make([]byte, 1)
	if _, err := sf.file.ReadAt(buf, statusOffset(xid)); err != nil {
		return 0, errors.Wrap(errors.IOFailure, err, "reading status of xid %d", xid)
	}
	switch status := recovery.TxnStatus(buf[0]); status {
	case recovery.TXN_COMMITTED, recovery.TXN_ABORTED:
		return status, nil
	}
	return recovery.TXN_ACTIVE, nil
}

func (sf *TxnStateFile) Counter() types.TxnID {
	sf.mutex.Lock()
	defer sf.mutex.Unlock()
	return sf.counter
}

// ActiveXids lists the xids still recorded ACTIVE.
func (sf *TxnStateFile) ActiveXids() ([]types.TxnID, error) {
	sf.mutex.Lock()
	counter := sf.counter
	sf.mutex.Unlock()
	ret := make([]types.TxnID, 0)
	for xid := types.TxnID(1); xid <= counter; xid++ {
		status, err := sf.GetStatus(xid)
		if err != nil {
			return nil, err
		}
		if status == recovery.TXN_ACTIVE {
			ret = append(ret, xid)
		}
	}
	return ret, nil
}

func (sf *TxnStateFile) Close() error {
	return sf.file.Close()
}
