package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/utils"
)

var (
	resetDatabase bool
	resetResults  bool
	resetUploads  bool
	assumeYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Reports, Uploads)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDatabase && !resetResults && !resetUploads {
			resetDatabase = true
			resetResults = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDatabase {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				db, err := openDB(cmd.Context())
				if err != nil {
					return err
				}
				if err := db.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetResults {
			if confirm(reader, "⚠️  Are you sure you want to delete all recognition reports?") {
				fmt.Println("🗑️  Clearing Reports...")
				removeDir(Cfg.Storage.ResultDir)
			}
		}

		if resetUploads {
			if confirm(reader, "⚠️  Are you sure you want to delete all pending uploads?") {
				fmt.Println("🗑️  Clearing Uploads...")
				removeDir(Cfg.Storage.UploadDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDatabase, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetResults, "results", false, "Clear generated reports")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear uploaded videos and images")
	resetCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if assumeYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" || path == "/" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
