package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// #region purge
func newPurgeCmd(a *app) *cobra.Command {
	var (
		profileID string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Irreversibly delete every record and key of a profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("purge is irreversible: pass --yes to confirm")
			}
			store, err := a.openUnlocked(cmd.Context(), profileID)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Purge(cmd.Context(), profileID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s purged\n", profileID)
			return nil
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "profile to purge")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

// #endregion purge
