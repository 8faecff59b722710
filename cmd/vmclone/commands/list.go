package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/virtbak/vmclone/internal/config"
	"github.com/virtbak/vmclone/pkg/db"
	"github.com/virtbak/vmclone/pkg/errors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded clone runs and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No clone runs recorded")
		return nil
	}

	fmt.Printf("%-20s %-16s %-30s %-6s %-22s\n", "DOMAIN", "STATUS", "DESTINATION", "DISKS", "STARTED")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Printf("%-20s %-16s %-30s %-6d %-22s\n",
			run.Domain, run.Status, run.DestDir, run.DiskCount, run.StartedAt)
		if run.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", run.ErrorMessage)
		}
	}

	return nil
}
