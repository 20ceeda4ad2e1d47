package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ended sessions and stale rate limit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		sqdb, err := openDatabase(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer sqdb.Close()
		svc, _, err := buildService(sqdb)
		if err != nil {
			return err
		}
		res, err := svc.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions, %d rate events\n", res.Sessions, res.RateEvents)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
