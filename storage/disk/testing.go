// this code is from https://github.com/brunocalza/go-bustub
// its license and copyright notice are kept in that repository

package disk

import (
	"os"

	"github.com/LUPENGHAN/EASYDB/common"
)

// DiskManagerTest is the disk implementation of DiskManager for testing purposes
type DiskManagerTest struct {
	path string
	DiskManager
}

// NewDiskManagerTest returns a DiskManager on a fresh temporary directory,
// or an in-memory one when onMemory is set.
func NewDiskManagerTest(onMemory bool) DiskManager {
	if onMemory {
		return &DiskManagerTest{"", NewVirtualDiskManagerImpl(common.DefaultMaxPagesPerFile)}
	}
	path, err := os.MkdirTemp("", "easydb.")
	if err != nil {
		panic(err)
	}
	diskManager, err := NewDiskManagerImpl(path, common.DefaultMaxPagesPerFile)
	if err != nil {
		panic(err)
	}
	return &DiskManagerTest{path, diskManager}
}

// ShutDown closes of the database files and removes the directory
func (d *DiskManagerTest) ShutDown() error {
	err := d.DiskManager.ShutDown()
	if d.path != "" {
		os.RemoveAll(d.path)
	}
	return err
}
