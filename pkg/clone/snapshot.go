package clone

import (
	"fmt"
	"path/filepath"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// snapshotName is the transient name given to the external snapshot.
// With SnapshotNoMetadata set the hypervisor never persists it.
const snapshotName = "vmclone"

// memoryStateFile is the file, inside the workdir, that receives the
// guest memory when the clone is not disk-only.
const memoryStateFile = "memory.state"

// buildSnapshot produces the domainsnapshot descriptor and creation
// flags for the selected disks. It is pure: all failure modes are
// configuration errors, no hypervisor call is made.
func buildSnapshot(domainName string, disks []Disk, workdir string, diskOnly, quiesce bool) (*libvirtxml.DomainSnapshot, SnapshotFlags, error) {
	memory, err := buildMemory(workdir, diskOnly)
	if err != nil {
		return nil, 0, err
	}

	deltas := make([]libvirtxml.DomainSnapshotDisk, 0, len(disks))
	for _, d := range disks {
		delta, err := deltaPath(domainName, d, workdir)
		if err != nil {
			return nil, 0, err
		}

		deltas = append(deltas, libvirtxml.DomainSnapshotDisk{
			Name:     d.Device,
			Snapshot: "external",
			Driver: &libvirtxml.DomainDiskDriver{
				Type: "qcow2",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: delta},
			},
		})
	}

	snap := &libvirtxml.DomainSnapshot{
		Name:        snapshotName,
		Description: snapshotName,
		Memory:      memory,
		Disks:       &libvirtxml.DomainSnapshotDisks{Disks: deltas},
	}

	flags := SnapshotNoMetadata | SnapshotAtomic
	if diskOnly {
		flags |= SnapshotDiskOnly
	}
	if quiesce {
		flags |= SnapshotQuiesce
	}

	return snap, flags, nil
}

func buildMemory(workdir string, diskOnly bool) (*libvirtxml.DomainSnapshotMemory, error) {
	if diskOnly {
		return &libvirtxml.DomainSnapshotMemory{Snapshot: "no"}, nil
	}

	if workdir == "" {
		return nil, &ConfigError{Reason: "memory capture requires a workdir"}
	}

	return &libvirtxml.DomainSnapshotMemory{
		Snapshot: "external",
		File:     filepath.Join(workdir, memoryStateFile),
	}, nil
}

// deltaPath resolves where the delta file for a disk lives. With a
// workdir every delta goes there, named after the domain and device.
// Without one the delta sits beside the original image, which requires
// the disk to be file-backed.
func deltaPath(domainName string, d Disk, workdir string) (string, error) {
	if workdir != "" {
		return filepath.Join(workdir, fmt.Sprintf("%s-%s-unmerged.qcow2", domainName, d.Device)), nil
	}

	if d.SourceKind != SourceFile {
		return "", &ConfigError{
			Reason: fmt.Sprintf("no workdir to back up %s-backed disk %s", d.SourceKind, d.Device),
		}
	}

	base := filepath.Base(d.SourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(d.SourcePath), stem+"-unmerged.qcow2"), nil
}
