package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bookfetch/internal/config"
	"bookfetch/internal/notifications"
)

func newConfigCommand(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := ""
			if configFlag != nil {
				path = *configFlag
			}
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote sample config to %s\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Validate and display the resolved configuration path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := ""
			if configFlag != nil {
				path = *configFlag
			}
			cfg, resolved, found, err := config.Load(path)
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(cmd.OutOrStdout(), "no config file at %s, using defaults\n", resolved)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", resolved)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(initCmd)
	cmd.AddCommand(showCmd)
	return cmd
}

func newTestNotifyCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			service := notifications.NewService(cfg)
			if err := service.TestNotification(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "test notification sent")
			return nil
		},
	}
}
