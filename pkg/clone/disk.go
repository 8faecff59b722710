package clone

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// Source kinds a domain disk can be backed by. Only file and block
// backed disks can be snapshotted by this package.
const (
	SourceFile  = "file"
	SourceBlock = "block"
)

// Disk is the slice of a domain disk definition the selector and the
// snapshot builder care about. Immutable once read from the domain
// configuration.
type Disk struct {
	// Device is the target device name (vda, sdb, ...), unique within
	// the domain.
	Device string

	// DeviceKind is the disk's device attribute: disk, cdrom, floppy
	// or lun.
	DeviceKind string

	// SourcePath is the backing image path, SourceKind how it is
	// backed (file, block, network, volume or dir).
	SourcePath string
	SourceKind string

	// DriverName and DriverFormat come from the driver element
	// (typically qemu/qcow2 or qemu/raw).
	DriverName   string
	DriverFormat string

	ReadOnly  bool
	Shareable bool
	Transient bool

	// SnapshotMode is the disk's snapshot attribute. "no" disables
	// snapshotting for the device.
	SnapshotMode string
}

func (d Disk) String() string {
	return fmt.Sprintf("<%s, %s>", d.Device, d.DeviceKind)
}

// SnapshotDisk identifies one disk covered by the snapshot: its device
// name, the base image the caller should copy, and how the base is
// backed.
type SnapshotDisk struct {
	Device     string
	Source     string
	SourceKind string
}

// domainDisks flattens the domain definition's disks, preserving
// document order.
func domainDisks(def *libvirtxml.Domain) []Disk {
	if def.Devices == nil {
		return nil
	}

	disks := make([]Disk, 0, len(def.Devices.Disks))
	for i := range def.Devices.Disks {
		disks = append(disks, newDisk(&def.Devices.Disks[i]))
	}
	return disks
}

func newDisk(src *libvirtxml.DomainDisk) Disk {
	d := Disk{
		DeviceKind:   src.Device,
		ReadOnly:     src.ReadOnly != nil,
		Shareable:    src.Shareable != nil,
		Transient:    src.Transient != nil,
		SnapshotMode: src.Snapshot,
	}

	if src.Target != nil {
		d.Device = src.Target.Dev
	}
	if src.Driver != nil {
		d.DriverName = src.Driver.Name
		d.DriverFormat = src.Driver.Type
	}
	if src.Source != nil {
		switch {
		case src.Source.File != nil:
			d.SourceKind = SourceFile
			d.SourcePath = src.Source.File.File
		case src.Source.Block != nil:
			d.SourceKind = SourceBlock
			d.SourcePath = src.Source.Block.Dev
		case src.Source.Dir != nil:
			d.SourceKind = "dir"
			d.SourcePath = src.Source.Dir.Dir
		case src.Source.Network != nil:
			d.SourceKind = "network"
			d.SourcePath = src.Source.Network.Name
		case src.Source.Volume != nil:
			d.SourceKind = "volume"
			d.SourcePath = src.Source.Volume.Volume
		}
	}

	return d
}
