package clone

import "context"

// SnapshotFlags select how the hypervisor creates the snapshot.
type SnapshotFlags uint32

const (
	// SnapshotNoMetadata asks the hypervisor not to persist snapshot
	// metadata; the delta files are the only trace left behind.
	SnapshotNoMetadata SnapshotFlags = 1 << iota

	// SnapshotAtomic requires the snapshot to happen for all disks or
	// none.
	SnapshotAtomic

	// SnapshotDiskOnly skips the memory state.
	SnapshotDiskOnly

	// SnapshotQuiesce asks the guest agent to flush filesystems first.
	SnapshotQuiesce
)

// BlockCommitFlags select how a block-commit job is started.
type BlockCommitFlags uint32

const (
	// BlockCommitShallow restricts the commit to the topmost delta.
	BlockCommitShallow BlockCommitFlags = 1 << iota

	// BlockCommitActive is required when committing the active layer of
	// a running domain; the job then ends with an explicit pivot.
	BlockCommitActive
)

// BlockJobInfo is one progress sample of a block-commit job. A job with
// Found == false or End == 0 has ended; Cur == End means the job is
// ready to pivot.
type BlockJobInfo struct {
	Found bool
	Cur   uint64
	End   uint64
}

// Hypervisor is the capability the transaction consumes. It is
// implemented by pkg/hypervisor over a live libvirt connection and by
// fakes in tests; the transaction never cares which.
type Hypervisor interface {
	// DomainXML returns the domain configuration document.
	DomainXML(ctx context.Context, domain string) (string, error)

	// CreateSnapshot creates an external snapshot from the given
	// domainsnapshot document.
	CreateSnapshot(ctx context.Context, domain, xml string, flags SnapshotFlags) error

	// BlockCommit starts merging top (a delta file) back towards base
	// for one device. An empty base means the disk's current base
	// image. bandwidth is in MiB/s, zero meaning unthrottled.
	BlockCommit(ctx context.Context, domain, device, base, top string, bandwidth uint64, flags BlockCommitFlags) error

	// BlockJobInfo samples the progress of the job on device.
	BlockJobInfo(ctx context.Context, domain, device string) (BlockJobInfo, error)

	// BlockJobAbort ends the job on device. With pivot set, a ready
	// job is finalized by switching the disk back to its base image.
	BlockJobAbort(ctx context.Context, domain, device string, pivot bool) error

	// Active reports whether the domain is currently running.
	Active(ctx context.Context, domain string) (bool, error)
}
