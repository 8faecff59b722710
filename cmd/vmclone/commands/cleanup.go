package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/virtbak/vmclone/internal/config"
	"github.com/virtbak/vmclone/pkg/db"
	"github.com/virtbak/vmclone/pkg/errors"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale delta files from the workdir",
	Long: `Removes leftover -unmerged.qcow2 delta files and memory.state from
the working directory, and marks interrupted runs as failed in the
catalog. Only use this when no clone is in progress: a delta file
belonging to a live transaction still receives guest writes.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&cleanupDryRun, "dry-run", "n", false, "Only report what would be removed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if cfg.Workdir == "" {
		return fmt.Errorf("no workdir configured, nothing to clean")
	}

	entries, err := os.ReadDir(cfg.Workdir)
	if err != nil {
		return errors.Wrap(err, "failed to read workdir")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isStaleArtifact(entry.Name()) {
			continue
		}

		path := filepath.Join(cfg.Workdir, entry.Name())
		if cleanupDryRun {
			fmt.Printf("would remove %s\n", path)
			continue
		}

		if err := os.Remove(path); err != nil {
			fmt.Printf("failed to remove %s: %v\n", path, err)
			continue
		}
		fmt.Printf("removed %s\n", path)
		removed++
	}

	if cleanupDryRun {
		return nil
	}

	if err := failInterruptedRuns(cfg.SQLitePath); err != nil {
		return err
	}

	fmt.Printf("cleaned %d stale files\n", removed)
	return nil
}

// isStaleArtifact matches the files the snapshot builder stages in the
// workdir: per-disk deltas and the memory state.
func isStaleArtifact(name string) bool {
	return strings.HasSuffix(name, "-unmerged.qcow2") || name == "memory.state"
}

// failInterruptedRuns marks runs still recorded as running, which after
// a crash can no longer be the case, as failed.
func failInterruptedRuns(sqlitePath string) error {
	repo, err := db.NewRepository(sqlitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	stale, err := repo.ListByStatus(db.StatusRunning)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	for _, run := range stale {
		if err := repo.Finish(run.ID, db.StatusFailed, "interrupted, cleaned up"); err != nil {
			return errors.Wrap(err, "failed to mark run")
		}
		fmt.Printf("marked interrupted run %d (%s) as failed\n", run.ID, run.Domain)
	}

	return nil
}
