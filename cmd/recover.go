package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/LUPENGHAN/EASYDB/easydb"
	"github.com/LUPENGHAN/EASYDB/recovery/log_recovery"
	"github.com/LUPENGHAN/EASYDB/types"
)

func init() {
	easydbCmd.AddCommand(
		&cobra.Command{
			Use:   "recover",
			Short: "Run crash recovery and print what it did",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(func(db *easydb.EasyDB) error {
					printSummary(os.Stdout, db.RecoverySummary())
					return nil
				})
			},
		})
}

func printSummary(w io.Writer, s *log_recovery.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Phase", "Item", "Value"})
	table.SetAutoMergeCells(true)
	table.AppendBulk([][]string{
		{"analysis", "checkpoint lsn", lsnString(s.CheckpointLSN)},
		{"analysis", "end of log", lsnString(s.EndLSN)},
		{"analysis", "winners", xidList(s.Winners)},
		{"analysis", "losers", xidList(s.Losers)},
		{"analysis", "already aborted", xidList(s.Aborted)},
		{"analysis", "dirty pages", strconv.Itoa(s.DirtyPages)},
		{"redo", "start lsn", lsnString(s.RedoLSN)},
		{"redo", "records applied", strconv.Itoa(s.RedoApplied)},
		{"undo", "records undone", strconv.Itoa(s.UndoApplied)},
		{"undo", "state file fixes", strconv.Itoa(s.Reconciled)},
	})
	table.Render()
}

func xidList(xids []types.TxnID) string {
	if len(xids) == 0 {
		return "-"
	}
	const shown = 8
	ret := ""
	for i, xid := range xids {
		if i == shown {
			return fmt.Sprintf("%s ... (%d)", ret, len(xids))
		}
		if i > 0 {
			ret += " "
		}
		ret += strconv.FormatInt(int64(xid), 10)
	}
	return ret
}
