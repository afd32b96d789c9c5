/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/truststaff/apiserver/config"
	"github.com/truststaff/apiserver/internal/server"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the TrustStaff API server",
	Long: `Starts the TrustStaff API server. Usage:

	truststaff server
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			if err != nil {
				logger.Fatal("server error", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown failed", zap.Error(err))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
