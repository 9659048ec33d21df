package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/LUPENGHAN/EASYDB/easydb"
)

func init() {
	easydbCmd.AddCommand(
		&cobra.Command{
			Use:   "stat",
			Short: "Print the xid counter, log and data file statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(func(db *easydb.EasyDB) error {
					printStats(os.Stdout, db.Stats())
					return nil
				})
			},
		})
}

func printStats(w io.Writer, s *easydb.Stats) {
	fmt.Fprintf(w, "xid counter:     %d\n", s.XidCounter)
	fmt.Fprintf(w, "wal size:        %d bytes\n", s.WALSize)
	fmt.Fprintf(w, "next lsn:        %d\n", s.NextLSN)
	fmt.Fprintf(w, "checkpoint lsn:  %s\n", lsnString(s.CheckpointLSN))
	fmt.Fprintf(w, "allocated pages: %d\n", s.AllocatedPages)
	fmt.Fprintf(w, "buffer pool:     %d frames\n", s.PoolSize)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"File", "Pages"})
	for _, f := range s.DataFiles {
		table.Append([]string{strconv.Itoa(int(f.FileID)), strconv.Itoa(int(f.Pages))})
	}
	table.Render()
}
