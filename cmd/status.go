package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the state of a recognition task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}

		task, err := db.GetTask(cmd.Context(), args[0])
		if errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("task %s not found", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		fmt.Printf("Task:    %s\n", task.ID)
		fmt.Printf("Status:  %s\n", task.Status)
		fmt.Printf("Created: %s\n", task.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if task.ResultPath != "" {
			fmt.Printf("Report:  %s\n", task.ResultPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
