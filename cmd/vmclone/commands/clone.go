package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/virtbak/vmclone/internal/config"
	"github.com/virtbak/vmclone/pkg/backup"
	"github.com/virtbak/vmclone/pkg/clone"
	"github.com/virtbak/vmclone/pkg/db"
	apperrors "github.com/virtbak/vmclone/pkg/errors"
	"github.com/virtbak/vmclone/pkg/hypervisor"
	"github.com/virtbak/vmclone/pkg/storage"
)

var cloneOverwrite bool

var cloneCmd = &cobra.Command{
	Use:   "clone <domain> <destdir>",
	Short: "Clone a domain's disks into a destination directory",
	Long: `Takes an external snapshot of the domain, copies the frozen base
images into <destdir>, then merges the snapshot deltas back and pivots.
The domain keeps running throughout; only the commit stage competes
with guest I/O.`,
	Args: cobra.ExactArgs(2),
	RunE: runClone,
}

func init() {
	rootCmd.AddCommand(cloneCmd)
	cloneCmd.Flags().BoolVar(&cloneOverwrite, "overwrite", false, "Overwrite existing backup artifacts")
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	domain, destDir := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return apperrors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, destDir, cfg.Workdir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return apperrors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	hv, err := hypervisor.Connect(cfg.LibvirtSocket)
	if err != nil {
		return apperrors.Wrap(err, "libvirt connection failed")
	}
	defer hv.Close()

	slog.Info("clone_start", "domain", domain, "dest_dir", destDir,
		"workdir", cfg.Workdir, "disk_only", cfg.DiskOnly, "quiesce", cfg.Quiesce)

	tx := clone.New(hv, domain,
		clone.WithWorkdir(cfg.Workdir),
		clone.WithDiskOnly(cfg.DiskOnly),
		clone.WithQuiesce(cfg.Quiesce),
		clone.WithPollInterval(cfg.PollInterval),
	)

	run := &db.Run{
		Domain:   domain,
		DestDir:  destDir,
		Workdir:  cfg.Workdir,
		DiskOnly: cfg.DiskOnly,
		Status:   db.StatusRunning,
	}
	if err := repo.Create(run); err != nil {
		return apperrors.Wrap(err, "run record failed")
	}

	if cfg.CommitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CommitTimeout)
		defer cancel()
	}

	var artifacts []string

	cloneErr := clone.Run(ctx, tx, func(tx *clone.Transaction) error {
		disks, err := tx.SnapshotDisks()
		if err != nil {
			return err
		}
		repo.SetDiskCount(run.ID, len(disks))

		copier := &backup.Copier{DestDir: destDir, Overwrite: cfg.Overwrite || cloneOverwrite}
		artifacts, err = copier.CopyAll(ctx, disks)
		return err
	})

	recordRun(repo, run.ID, cloneErr)

	if cloneErr != nil {
		slog.Error("clone_failed", "domain", domain, "stage", tx.Stage().String(), "error", cloneErr)
		return cloneErr
	}

	if cfg.S3Bucket != "" {
		client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return apperrors.Wrap(err, "S3 client failed")
		}
		if _, err := client.UploadAll(ctx, artifacts, domain); err != nil {
			return apperrors.Wrap(err, "artifact upload failed")
		}
	}

	slog.Info("clone_complete", "domain", domain, "artifacts", len(artifacts), "dest_dir", destDir)
	return nil
}

// recordRun maps the clone outcome onto the run catalog. A cleanup
// error means the data committed; everything else failed.
func recordRun(repo *db.Repository, id int64, cloneErr error) {
	status := db.StatusFinished
	message := ""

	if cloneErr != nil {
		message = cloneErr.Error()

		var cleanupErr *clone.CleanupError
		if errors.As(cloneErr, &cleanupErr) {
			status = db.StatusCleanupFailed
		} else {
			status = db.StatusFailed
		}
	}

	if err := repo.Finish(id, status, message); err != nil {
		slog.Error("run_record_failed", "run_id", id, "error", err)
	}
}

func ensureDirectories(sqlitePath, destDir, workdir string) error {
	for _, dir := range []string{parentDir(sqlitePath), destDir, workdir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return apperrors.Wrap(err, "failed to create directory "+dir)
		}
	}
	return nil
}
