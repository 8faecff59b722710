// Package backup turns the base images frozen under a snapshot into
// backup artifacts, using the same external tools the surrounding
// virtualization stack relies on: qemu-img for block devices and a
// sparse-aware cp for image files.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/virtbak/vmclone/pkg/clone"
	"github.com/virtbak/vmclone/pkg/errors"
)

const (
	qemuImgBin = "/usr/bin/qemu-img"
	cpBin      = "/bin/cp"
)

// Copier copies snapshot base images into a destination directory.
type Copier struct {
	// DestDir receives one artifact per disk.
	DestDir string

	// Overwrite allows clobbering existing artifacts. Off by default:
	// a pre-existing artifact fails the copy.
	Overwrite bool
}

// ArtifactName derives the artifact filename for a snapshot disk:
// <device>.img for block-backed sources, <device> plus the original
// extension for file-backed ones.
func ArtifactName(d clone.SnapshotDisk) string {
	if d.SourceKind == clone.SourceBlock {
		return d.Device + ".img"
	}
	return d.Device + filepath.Ext(d.Source)
}

// Copy produces the artifact for one disk and returns its path.
func (c *Copier) Copy(ctx context.Context, d clone.SnapshotDisk) (string, error) {
	dest := filepath.Join(c.DestDir, ArtifactName(d))

	var err error
	switch d.SourceKind {
	case clone.SourceBlock:
		err = c.convertBlock(ctx, d.Source, dest)
	case clone.SourceFile:
		err = c.copyFile(ctx, d.Source, dest)
	default:
		err = fmt.Errorf("unsupported source kind %q for device %s", d.SourceKind, d.Device)
	}
	if err != nil {
		return "", err
	}
	return dest, nil
}

// CopyAll copies every disk, stopping at the first failure.
func (c *Copier) CopyAll(ctx context.Context, disks []clone.SnapshotDisk) ([]string, error) {
	artifacts := make([]string, 0, len(disks))
	for _, d := range disks {
		path, err := c.Copy(ctx, d)
		if err != nil {
			return artifacts, errors.Wrap(err, "copy failed for device "+d.Device)
		}
		artifacts = append(artifacts, path)
	}
	return artifacts, nil
}

// convertBlock reads a raw block device into a sparse qcow2 artifact.
func (c *Copier) convertBlock(ctx context.Context, source, dest string) error {
	if !c.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("artifact already exists: %s", dest)
		}
	}

	args := []string{"convert", "-f", "raw", "-O", "qcow2", "-S", "4k", source, dest}
	slog.Debug("exec", "bin", qemuImgBin, "args", args)

	cmd := exec.CommandContext(ctx, qemuImgBin, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "qemu-img convert failed")
	}
	return nil
}

// copyFile copies an image file, keeping holes sparse.
func (c *Copier) copyFile(ctx context.Context, source, dest string) error {
	args := []string{"--sparse=auto"}

	if !c.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("artifact already exists: %s", dest)
		}
		args = append(args, "--no-clobber")
	}
	args = append(args, source, dest)

	slog.Debug("exec", "bin", cpBin, "args", args)

	cmd := exec.CommandContext(ctx, cpBin, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "sparse copy failed")
	}
	return nil
}
