package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/store"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent recognition tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		return runList(cmd.Context(), db, os.Stdout)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 20, "Maximum number of tasks to show")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, tasks store.TaskStore, out io.Writer) error {
	list, err := tasks.ListTasks(ctx, listLimit)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No tasks found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tREPORT")
	fmt.Fprintln(w, "--\t------\t-------\t------")

	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.ResultPath)
	}
	return w.Flush()
}
