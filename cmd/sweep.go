/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/truststaff/apiserver/config"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/db"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/internal/store"
	"go.uber.org/zap"
)

// sweepCmd removes registrations whose verification link was never followed.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired pending registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		conn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		// Sweeping only touches pending registrations, so the account service
		// runs without documents, hashing or notifications.
		accounts := services.NewAccountService(
			store.NewUserRepository(conn),
			store.NewPendingUserRepository(conn),
			nil, nil, nil, nil,
			clock.System(),
			services.AccountConfig{PendingUserRetention: cfg.Auth.PendingUserRetention},
			logger,
		)
		removed, err := accounts.SweepPendingUsers(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("pending registrations swept",
			zap.Int64("removed", removed),
			zap.Duration("retention", cfg.Auth.PendingUserRetention),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d pending registrations\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
