package easydb

import (
	"github.com/LUPENGHAN/EASYDB/types"
)

type FileStat struct {
	FileID int32
	Pages  int32
}

// Stats is a point-in-time summary for operators.
type Stats struct {
	XidCounter     types.TxnID
	ActiveTxns     int
	WALSize        int64
	NextLSN        types.LSN
	CheckpointLSN  types.LSN
	DataFiles      []FileStat
	AllocatedPages int
	PoolSize       int
	PinnedPages    int
	Versions       int
	VersionChains  int
}

func (db *EasyDB) Stats() *Stats {
	ei := db.ei_
	ret := &Stats{
		XidCounter:     ei.GetTransactionManager().GetStateFile().Counter(),
		ActiveTxns:     len(ei.GetTransactionManager().ActiveTxnIDs()),
		WALSize:        ei.GetDiskManager().GetLogFileSize(),
		NextLSN:        ei.GetLogManager().GetNextLSN(),
		CheckpointLSN:  ei.GetLogManager().GetCheckpointLSN(),
		AllocatedPages: len(ei.GetDiskManager().AllocatedPages()),
		PoolSize:       ei.GetBufferPoolManager().GetPoolSize(),
		PinnedPages:    len(ei.GetBufferPoolManager().PinnedPages()),
	}
	for _, fileID := range ei.GetDiskManager().FileIDs() {
		ret.DataFiles = append(ret.DataFiles, FileStat{fileID, ei.GetDiskManager().FilePageCount(fileID)})
	}
	if ei.version_store != nil {
		ret.Versions = ei.version_store.VersionCount()
		ret.VersionChains = ei.version_store.ChainCount()
	}
	return ret
}
