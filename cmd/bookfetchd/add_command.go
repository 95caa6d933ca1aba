package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bookfetch/internal/logging"
	"bookfetch/internal/queue"
)

func newAddCommand(configFlag *string) *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Enqueue a work for acquisition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := queue.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			q := queue.New(store, cfg, logging.NewNop())
			task, created, err := q.Enqueue(cmd.Context(), args[0], author, uuid.NewString())
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "already tracked as task %d (%s)\n", task.ID, task.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "Author of the work")
	return cmd
}
