package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/LUPENGHAN/EASYDB/recovery"
	"github.com/LUPENGHAN/EASYDB/storage/disk"
	"github.com/LUPENGHAN/EASYDB/types"
)

var (
	walCmd = &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}

	walDumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Print the log records without running recovery",
		Args:  cobra.NoArgs,
		RunE:  walDumpRun,
	}

	dumpFrom  int64 = int64(recovery.FirstLSN)
	dumpLimit       = 0
)

func init() {
	fs := walDumpCmd.Flags()
	fs.Int64Var(&dumpFrom, "from", dumpFrom, "`lsn` of the first record to print")
	fs.IntVar(&dumpLimit, "limit", dumpLimit, "print at most `n` records; 0 prints all")

	walCmd.AddCommand(walDumpCmd)
	easydbCmd.AddCommand(walCmd)
}

func walDumpRun(cmd *cobra.Command, args []string) error {
	dm, err := disk.NewDiskManagerImpl(cfg.Dir, cfg.MaxPagesPerFile)
	if err != nil {
		return err
	}
	defer dm.ShutDown()
	lm, err := recovery.NewLogManager(dm)
	if err != nil {
		return err
	}
	return dumpLog(os.Stdout, lm, types.LSN(dumpFrom), dumpLimit)
}

func dumpLog(w io.Writer, lm *recovery.LogManager, from types.LSN, limit int) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LSN", "Type", "Xid", "Prev LSN", "Page", "Summary"})
	table.SetAutoWrapText(false)

	it := lm.NewIterator(from)
	count := 0
	for limit <= 0 || count < limit {
		rec, err := it.Next()
		if err != nil {
			table.Render()
			return err
		}
		if rec == nil {
			break
		}
		table.Append([]string{
			strconv.FormatInt(int64(rec.Lsn), 10),
			rec.Log_record_type.String(),
			strconv.FormatInt(int64(rec.Txn_id), 10),
			lsnString(rec.Prev_lsn),
			pageString(rec),
			rec.String(),
		})
		count++
	}
	table.Render()
	fmt.Fprintf(w, "%d records, next lsn %d, checkpoint %s\n", count, lm.GetNextLSN(), lsnString(lm.GetCheckpointLSN()))
	return nil
}

func lsnString(lsn types.LSN) string {
	if !lsn.IsValid() {
		return "-"
	}
	return strconv.FormatInt(int64(lsn), 10)
}

func pageString(rec *recovery.LogRecord) string {
	switch {
	case rec.IsPageChange():
		return rec.Page_id.String()
	case rec.Log_record_type == recovery.UNDO && !rec.IsTxnEnd():
		return rec.Rid.GetPageId().String()
	}
	return ""
}
