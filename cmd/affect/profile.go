package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/affect-state/internal/logging"
)

// #region profile
func newProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Create profiles and rotate their keys",
	}

	create := &cobra.Command{
		Use:   "create [profile-id]",
		Short: "Create a profile protected by a secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.NewString()
			if len(args) == 1 {
				id = args[0]
			}
			secret, err := a.secret()
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.CreateProfile(cmd.Context(), id, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s created\n", id)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate <profile-id>",
		Short: "Start a new key generation; older records stay readable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := a.secret()
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Unlock(cmd.Context(), args[0], secret); err != nil {
				return fmt.Errorf("unlock %s: %w", args[0], err)
			}
			keyID, err := store.RotateKey(cmd.Context(), args[0], secret)
			if err != nil {
				return err
			}
			entry := logging.CycleEntry{
				ProfileID: args[0],
				Event:     logging.EventRotate,
				Detail:    logging.CycleDetail{Reason: "key_rotated"},
			}
			if err := logging.NewAuditLog(store.DB()).Record(cmd.Context(), entry); err != nil {
				a.logger.Warn("audit write failed", "event", string(entry.Event), "err", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s rotated to key %s\n", args[0], keyID)
			return nil
		},
	}

	cmd.AddCommand(create, rotate)
	return cmd
}

// #endregion profile
