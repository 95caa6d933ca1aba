package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bookfetch/internal/queue"
)

func newStatusCommand(configFlag *string) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task queue status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := queue.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			health, err := store.Health(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tasks: %d total, %d pending, %d in flight, %d retrying, %d completed, %d failed\n\n",
				health.Total, health.Pending, health.InFlight, health.Retrying, health.Completed, health.Failed)

			rows := make([][]string, 0, len(tasks))
			for _, task := range tasks {
				if !all && task.Status.Terminal() {
					continue
				}
				rows = append(rows, taskRow(task))
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no live tasks")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Title", "Status", "Attempt", "Detail"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include completed and failed tasks")
	return cmd
}

func taskRow(task *queue.Task) []string {
	status := string(task.Status)
	if task.Paused {
		status += " (paused)"
	}
	if task.Cancelling {
		status += " (cancelling)"
	}

	detail := task.ErrorMsg
	if task.FailureCode != queue.FailureNone {
		detail = fmt.Sprintf("[%s] %s", task.FailureCode, detail)
	}
	if detail == "" && task.Selected != nil {
		detail = fmt.Sprintf("selected %s from %s", task.Selected.SourceID, task.Selected.Source)
	}
	if len(detail) > 60 {
		detail = detail[:57] + "..."
	}

	title := task.Title
	if task.Author != "" {
		title = fmt.Sprintf("%s - %s", strings.TrimSpace(task.Author), title)
	}
	return []string{
		strconv.FormatInt(task.ID, 10),
		title,
		status,
		strconv.Itoa(task.Attempt),
		detail,
	}
}
