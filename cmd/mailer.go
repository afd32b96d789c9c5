/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/truststaff/apiserver/config"
	"github.com/truststaff/apiserver/internal/mq"
	"github.com/truststaff/apiserver/internal/notify"
	"github.com/truststaff/apiserver/internal/server"
)

// mailerCmd consumes queued notifications and sends them over SMTP.
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Deliver queued notification mail",
	Long: `Consumes the notification queue and delivers codes and links over SMTP.
Run it next to servers started with NOTIFY_BACKEND=mq.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backend, err := server.NewQueueBackend(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		queue := mq.New(backend)
		defer queue.Close()

		worker := notify.NewWorker(queue, cfg.Notify.Channel, server.NewMailer(cfg), cfg.Notify.MailerRatePerSecond, logger)
		return worker.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mailerCmd)
}
