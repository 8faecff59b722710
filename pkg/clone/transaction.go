// Package clone implements live, snapshot-based cloning of a domain's
// disks as a strict multi-stage transaction.
//
// A Transaction is single use. The caller drives it through Initialize,
// Prepare and Begin, copies the base images while guest writes land in
// the snapshot's delta files, then calls Commit to merge the deltas
// back and pivot. Every operation asserts the stage it requires; any
// hypervisor failure after Begin moves the transaction to FAILED, which
// is absorbing. There is no retry anywhere: discard a failed
// transaction and construct a new one.
//
// A Transaction is not safe for concurrent use, and nothing prevents
// two transactions from targeting the same domain; that coordination
// belongs to the caller.
package clone

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"libvirt.org/go/libvirtxml"
)

// defaultPollInterval is how long the commit loop sleeps between block
// job progress samples.
const defaultPollInterval = 10 * time.Second

// Transaction sequences domain inspection, snapshot creation, block
// commit and cleanup for one domain.
type Transaction struct {
	hv    Hypervisor
	log   *slog.Logger
	stage Stage

	// Configuration, frozen by Initialize (selector) and construction
	// (the rest).
	domain       string
	workdir      string
	diskOnly     bool
	quiesce      bool
	selector     DiskSelector
	pollInterval time.Duration

	// Populated by Initialize.
	domainName string
	domainXML  string
	domainDef  *libvirtxml.Domain

	// Populated by Prepare, immutable afterwards.
	selected      []Disk
	snapshotDef   *libvirtxml.DomainSnapshot
	snapshotXML   string
	snapshotFlags SnapshotFlags
	snapshotDisks []SnapshotDisk
}

// Option configures a Transaction at construction time.
type Option func(*Transaction)

// WithWorkdir stages delta files (and the memory state, when captured)
// in dir instead of beside the original images.
func WithWorkdir(dir string) Option {
	return func(t *Transaction) { t.workdir = dir }
}

// WithDiskOnly controls whether the snapshot skips the guest memory.
// The default is true.
func WithDiskOnly(diskOnly bool) Option {
	return func(t *Transaction) { t.diskOnly = diskOnly }
}

// WithQuiesce asks the guest agent to flush filesystems before the
// snapshot is taken.
func WithQuiesce(quiesce bool) Option {
	return func(t *Transaction) { t.quiesce = quiesce }
}

// WithDiskSelector replaces the default disk eligibility policy.
func WithDiskSelector(sel DiskSelector) Option {
	return func(t *Transaction) { t.selector = sel }
}

// WithPollInterval overrides the block job polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transaction) { t.pollInterval = d }
}

// WithLogger routes the transaction's logging through log.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transaction) { t.log = log }
}

// New builds a transaction over the named domain. Nothing is done
// against the hypervisor until Initialize.
func New(hv Hypervisor, domain string, opts ...Option) *Transaction {
	t := &Transaction{
		hv:           hv,
		log:          slog.Default(),
		stage:        StageUninitialized,
		domain:       domain,
		diskOnly:     true,
		selector:     DefaultDiskSelector,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stage reports the current transaction stage. Always available,
// including after a failure.
func (t *Transaction) Stage() Stage { return t.stage }

// Domain returns the domain name the transaction was constructed with.
func (t *Transaction) Domain() string { return t.domain }

// Workdir returns the configured working directory, empty if none.
func (t *Transaction) Workdir() string { return t.workdir }

// DiskOnly reports whether the snapshot skips the guest memory.
func (t *Transaction) DiskOnly() bool { return t.diskOnly }

// Quiesce reports whether guest filesystems are flushed first.
func (t *Transaction) Quiesce() bool { return t.quiesce }

// DomainName returns the domain name as recorded in the domain
// configuration. Available from INITIALIZED onward.
func (t *Transaction) DomainName() (string, error) {
	if err := t.requireStageBetween(StageInitialized, StageFinished); err != nil {
		return "", err
	}
	return t.domainName, nil
}

// DomainXML returns the raw domain configuration read by Initialize.
func (t *Transaction) DomainXML() (string, error) {
	if err := t.requireStageBetween(StageInitialized, StageFinished); err != nil {
		return "", err
	}
	return t.domainXML, nil
}

// SnapshotXML returns the snapshot descriptor built by Prepare.
func (t *Transaction) SnapshotXML() (string, error) {
	if err := t.requireStageBetween(StagePrepared, StageFinished); err != nil {
		return "", err
	}
	return t.snapshotXML, nil
}

// SnapshotFlags returns the snapshot creation flags built by Prepare.
func (t *Transaction) SnapshotFlags() (SnapshotFlags, error) {
	if err := t.requireStageBetween(StagePrepared, StageFinished); err != nil {
		return 0, err
	}
	return t.snapshotFlags, nil
}

// SnapshotDisks lists the disks covered by the snapshot, in descriptor
// order. The Source of each entry is the base image, frozen under the
// snapshot, that the caller should copy between Begin and Commit.
func (t *Transaction) SnapshotDisks() ([]SnapshotDisk, error) {
	if err := t.requireStageBetween(StagePrepared, StageFinished); err != nil {
		return nil, err
	}
	disks := make([]SnapshotDisk, len(t.snapshotDisks))
	copy(disks, t.snapshotDisks)
	return disks, nil
}

// SetDiskSelector replaces the disk eligibility policy. Only allowed
// before Prepare; the disk set is frozen from PREPARED onward.
func (t *Transaction) SetDiskSelector(sel DiskSelector) error {
	if err := t.requireStageBetween(StageUninitialized, StageInitialized); err != nil {
		return err
	}
	t.selector = sel
	return nil
}

// Initialize reads the domain configuration from the hypervisor. The
// stage stays UNINITIALIZED if the domain cannot be described.
func (t *Transaction) Initialize(ctx context.Context) error {
	if err := t.requireStage(StageUninitialized); err != nil {
		return err
	}

	raw, err := t.hv.DomainXML(ctx, t.domain)
	if err != nil {
		return &ProviderError{Op: "describe", Err: err}
	}

	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(raw); err != nil {
		return &ProviderError{Op: "describe", Err: err}
	}

	t.domainXML = raw
	t.domainDef = def
	t.domainName = def.Name

	t.setStage(StageInitialized)
	return nil
}

// Prepare selects the disks to snapshot and builds the snapshot
// descriptor. Pure given the domain configuration: no hypervisor call
// is made, and repeated Prepare on fresh transactions over the same
// configuration yields identical descriptors. Configuration violations
// surface as *ConfigError and leave the stage at INITIALIZED.
func (t *Transaction) Prepare() error {
	if err := t.requireStage(StageInitialized); err != nil {
		return err
	}

	var selected []Disk
	for _, d := range domainDisks(t.domainDef) {
		if !t.selector(d) {
			continue
		}
		selected = append(selected, d)
		t.log.Info("disk_selected", "domain", t.domainName, "device", d.Device, "source", d.SourcePath)
	}

	snap, flags, err := buildSnapshot(t.domainName, selected, t.workdir, t.diskOnly, t.quiesce)
	if err != nil {
		return err
	}

	xml, err := snap.Marshal()
	if err != nil {
		return err
	}

	t.selected = selected
	t.snapshotDef = snap
	t.snapshotXML = xml
	t.snapshotFlags = flags

	t.snapshotDisks = make([]SnapshotDisk, 0, len(selected))
	for _, d := range selected {
		t.snapshotDisks = append(t.snapshotDisks, SnapshotDisk{
			Device:     d.Device,
			Source:     d.SourcePath,
			SourceKind: d.SourceKind,
		})
	}

	t.setStage(StagePrepared)
	return nil
}

// Begin creates the external snapshot. From this point guest writes go
// to the delta files and the base images are stable for copying. Begin
// may run at most once; a failure moves the transaction to FAILED and
// the snapshot must be assumed absent.
func (t *Transaction) Begin(ctx context.Context) error {
	if err := t.requireStage(StagePrepared); err != nil {
		return err
	}

	t.log.Debug("snapshot_create", "domain", t.domainName, "xml", t.snapshotXML, "flags", t.snapshotFlags)

	if err := t.hv.CreateSnapshot(ctx, t.domainName, t.snapshotXML, t.snapshotFlags); err != nil {
		t.setStage(StageFailed)
		return &ProviderError{Op: "snapshot-create", Err: err}
	}

	t.setStage(StageBegun)
	return nil
}

// Commit merges every delta back into its base image, pivoting the
// domain's disks off the deltas, then deletes the delta files. Blocks
// until all block jobs have drained; the poll loop has no deadline of
// its own, pass a context with one to bound it.
//
// A hypervisor failure moves the transaction to FAILED and skips the
// deletion pass. Deletion failures alone do not: the stage is then
// FINISHED and the returned error is a *CleanupError.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.requireStage(StageBegun); err != nil {
		return err
	}

	t.setStage(StageCommitting)

	deltas, err := t.commitDisks(ctx)
	if err != nil {
		t.setStage(StageFailed)
		return err
	}

	t.setStage(StageFinished)

	return t.removeDeltas(deltas)
}

// commitDisks runs the per-disk block-commit loop and returns the delta
// files to delete. Liveness is determined once for the whole pass.
func (t *Transaction) commitDisks(ctx context.Context) ([]string, error) {
	active, err := t.hv.Active(ctx, t.domainName)
	if err != nil {
		return nil, &ProviderError{Op: "is-active", Err: err}
	}

	var deltas []string

	for _, disk := range t.snapshotDef.Disks.Disks {
		device := disk.Name
		delta := disk.Source.File.File

		flags := BlockCommitShallow
		if active {
			flags |= BlockCommitActive
		}

		t.log.Info("block_commit_start", "domain", t.domainName, "device", device, "top", delta, "active", active)

		if err := t.hv.BlockCommit(ctx, t.domainName, device, "", delta, 0, flags); err != nil {
			return nil, &ProviderError{Op: "block-commit", Err: err}
		}

		if err := t.waitBlockJob(ctx, device); err != nil {
			return nil, err
		}

		deltas = append(deltas, delta)
	}

	return deltas, nil
}

// waitBlockJob polls one device's job until it disappears or is ready,
// pivoting in the latter case.
func (t *Transaction) waitBlockJob(ctx context.Context, device string) error {
	for {
		info, err := t.hv.BlockJobInfo(ctx, t.domainName, device)
		if err != nil {
			return &ProviderError{Op: "block-job-info", Err: err}
		}

		if !info.Found || info.End == 0 {
			t.log.Info("block_job_gone", "domain", t.domainName, "device", device)
			return nil
		}

		if info.Cur == info.End {
			if err := t.hv.BlockJobAbort(ctx, t.domainName, device, true); err != nil {
				return &ProviderError{Op: "block-job-pivot", Err: err}
			}
			t.log.Info("block_job_pivoted", "domain", t.domainName, "device", device)
			return nil
		}

		t.log.Debug("block_job_progress", "domain", t.domainName, "device", device, "cur", info.Cur, "end", info.End)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}

// removeDeltas deletes the merged delta files, collecting failures
// instead of stopping at the first one.
func (t *Transaction) removeDeltas(deltas []string) error {
	var failed []error

	for _, path := range deltas {
		if err := os.Remove(path); err != nil {
			t.log.Error("delta_delete_failed", "domain", t.domainName, "path", path, "error", err)
			failed = append(failed, err)
			continue
		}
		t.log.Debug("delta_deleted", "domain", t.domainName, "path", path)
	}

	if len(failed) > 0 {
		return &CleanupError{Failed: len(failed), First: failed[0]}
	}
	return nil
}

// Run drives tx to BEGUN, hands control to fn for the external copy,
// and always commits afterwards, including when fn fails. Errors from
// fn and from Commit are joined, fn's first.
func Run(ctx context.Context, tx *Transaction, fn func(tx *Transaction) error) error {
	if err := tx.Initialize(ctx); err != nil {
		return err
	}
	if err := tx.Prepare(); err != nil {
		return err
	}
	if err := tx.Begin(ctx); err != nil {
		return err
	}

	fnErr := fn(tx)
	if fnErr != nil {
		tx.log.Error("clone_body_failed", "domain", tx.domainName, "error", fnErr)
	}

	return errors.Join(fnErr, tx.Commit(ctx))
}
