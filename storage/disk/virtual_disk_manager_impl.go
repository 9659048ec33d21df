package disk

import (
	"github.com/LUPENGHAN/EASYDB/common"
)

// VirtualDiskManagerImpl keeps every file in memory. Closing it leaves the
// files in its MemFileSystem so a test can reopen them as after a restart.
type VirtualDiskManagerImpl struct {
	*DiskManagerImpl
	memFS *MemFileSystem
}

func NewVirtualDiskManagerImpl(maxPagesPerFile int32) *VirtualDiskManagerImpl {
	return NewVirtualDiskManagerOn(NewMemFileSystem(), maxPagesPerFile)
}

// NewVirtualDiskManagerOn opens a manager over existing in-memory files.
func NewVirtualDiskManagerOn(fs *MemFileSystem, maxPagesPerFile int32) *VirtualDiskManagerImpl {
	d, err := newDiskManager(fs, maxPagesPerFile)
	// the in-memory file system never fails to open or list
	common.SH_Assert(err == nil, "virtual disk manager can't be opened")
	return &VirtualDiskManagerImpl{d, fs}
}

func (d *VirtualDiskManagerImpl) FileSystem() *MemFileSystem {
	return d.memFS
}

// Reopen returns a fresh manager on the same files.
func (d *VirtualDiskManagerImpl) Reopen() *VirtualDiskManagerImpl {
	return NewVirtualDiskManagerOn(d.memFS, d.maxPagesPerFile)
}
