package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bookfetch/internal/daemon"
	"bookfetch/internal/logging"
)

func newRunCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the acquisition daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return err
			}

			d, err := daemon.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			d.Stop()
			return nil
		},
	}
}
