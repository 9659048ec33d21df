package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LUPENGHAN/EASYDB/easydb"
)

func init() {
	easydbCmd.AddCommand(
		&cobra.Command{
			Use:   "checkpoint",
			Short: "Recover if needed and take a checkpoint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(func(db *easydb.EasyDB) error {
					lsn, err := db.Checkpoint()
					if err != nil {
						return err
					}
					fmt.Printf("checkpoint at lsn %d\n", lsn)
					return nil
				})
			},
		})
}
