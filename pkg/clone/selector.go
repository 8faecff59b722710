package clone

import "log/slog"

// DiskSelector decides whether a domain disk is covered by the
// snapshot. Selectors must be pure: they are evaluated once per disk,
// in document order, while preparing the transaction.
type DiskSelector func(d Disk) bool

// DefaultDiskSelector is the policy applied when the caller supplies no
// selector. It accepts plain qemu disks in raw or qcow2 format, backed
// by a file or a block device, and skips anything marked snapshot="no",
// read-only, shareable or transient.
func DefaultDiskSelector(d Disk) bool {
	if d.SnapshotMode == "no" || d.ReadOnly || d.Shareable || d.Transient {
		slog.Debug("disk_rejected", "device", d.Device, "reason", "property")
		return false
	}

	if d.DriverName != "qemu" {
		slog.Debug("disk_rejected", "device", d.Device, "reason", "driver", "driver", d.DriverName)
		return false
	}

	if d.DriverFormat != "raw" && d.DriverFormat != "qcow2" {
		slog.Debug("disk_rejected", "device", d.Device, "reason", "format", "format", d.DriverFormat)
		return false
	}

	if d.DeviceKind == "disk" && (d.SourceKind == SourceFile || d.SourceKind == SourceBlock) {
		slog.Debug("disk_accepted", "device", d.Device)
		return true
	}

	slog.Debug("disk_rejected", "device", d.Device, "reason", "kind", "device_kind", d.DeviceKind, "source_kind", d.SourceKind)
	return false
}
