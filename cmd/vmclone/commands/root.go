package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "vmclone",
	Short: "Live disk cloning for libvirt domains",
	Long: `Clones the disks of a running libvirt/QEMU domain with minimal
downtime, using an external snapshot to freeze the base images while
they are copied, then merging the deltas back with a live block commit.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbosity >= 1 {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("connect", "c", "", "Path to the libvirt unix socket (empty for system default)")
	rootCmd.PersistentFlags().String("workdir", "", "Working directory for delta and memory-state files")
	rootCmd.PersistentFlags().Bool("disk-only", true, "Save the disk state only, no memory state")
	rootCmd.PersistentFlags().Bool("quiesce", false, "Ask the guest agent to flush filesystems before the snapshot")
	rootCmd.PersistentFlags().Duration("poll-interval", 10*time.Second, "Block job polling interval")
	rootCmd.PersistentFlags().Duration("commit-timeout", 0, "Deadline for the commit stage (0 means unbounded)")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/vmclone.db", "Clone-run catalog path")
	rootCmd.PersistentFlags().String("s3-bucket", "", "Upload artifacts to this S3 bucket after the clone")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")

	viper.BindPFlag("libvirt-socket", rootCmd.PersistentFlags().Lookup("connect"))
	viper.BindPFlag("workdir", rootCmd.PersistentFlags().Lookup("workdir"))
	viper.BindPFlag("disk-only", rootCmd.PersistentFlags().Lookup("disk-only"))
	viper.BindPFlag("quiesce", rootCmd.PersistentFlags().Lookup("quiesce"))
	viper.BindPFlag("poll-interval", rootCmd.PersistentFlags().Lookup("poll-interval"))
	viper.BindPFlag("commit-timeout", rootCmd.PersistentFlags().Lookup("commit-timeout"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
}
