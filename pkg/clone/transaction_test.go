package clone

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const domainXML = `<domain type='kvm'>
  <name>vm1</name>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/data/vm1.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <driver name='qemu' type='raw'/>
      <source file='/data/boot.iso'/>
      <target dev='sda' bus='sata'/>
      <readonly/>
    </disk>
  </devices>
</domain>`

const domainXMLWithBlock = `<domain type='kvm'>
  <name>vm1</name>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/data/vm1.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='block' device='disk'>
      <driver name='qemu' type='raw'/>
      <source dev='/dev/vg0/vm1'/>
      <target dev='vdb' bus='virtio'/>
    </disk>
  </devices>
</domain>`

// fakeHypervisor scripts hypervisor behavior for transaction tests.
// Block job samples are consumed per device, in order; an exhausted
// script reports the job as gone.
type fakeHypervisor struct {
	xml    string
	active bool

	createErr error
	commitErr error
	jobErr    error

	jobs map[string][]BlockJobInfo

	createCalls int
	createXML   string
	createFlags SnapshotFlags

	commitDevices []string
	commitTops    []string
	commitFlags   []BlockCommitFlags

	pivots []string
	polls  int
}

func (f *fakeHypervisor) DomainXML(ctx context.Context, domain string) (string, error) {
	return f.xml, nil
}

func (f *fakeHypervisor) CreateSnapshot(ctx context.Context, domain, xml string, flags SnapshotFlags) error {
	f.createCalls++
	f.createXML = xml
	f.createFlags = flags
	return f.createErr
}

func (f *fakeHypervisor) BlockCommit(ctx context.Context, domain, device, base, top string, bandwidth uint64, flags BlockCommitFlags) error {
	f.commitDevices = append(f.commitDevices, device)
	f.commitTops = append(f.commitTops, top)
	f.commitFlags = append(f.commitFlags, flags)
	return f.commitErr
}

func (f *fakeHypervisor) BlockJobInfo(ctx context.Context, domain, device string) (BlockJobInfo, error) {
	if f.jobErr != nil {
		return BlockJobInfo{}, f.jobErr
	}

	f.polls++
	queue := f.jobs[device]
	if len(queue) == 0 {
		return BlockJobInfo{}, nil
	}
	f.jobs[device] = queue[1:]
	return queue[0], nil
}

func (f *fakeHypervisor) BlockJobAbort(ctx context.Context, domain, device string, pivot bool) error {
	if pivot {
		f.pivots = append(f.pivots, device)
	}
	return nil
}

func (f *fakeHypervisor) Active(ctx context.Context, domain string) (bool, error) {
	return f.active, nil
}

func newFake(xml string) *fakeHypervisor {
	return &fakeHypervisor{
		xml:    xml,
		active: true,
		jobs:   map[string][]BlockJobInfo{},
	}
}

// beginTx drives a transaction to BEGUN over a workdir and creates the
// delta files the hypervisor would have written.
func beginTx(t *testing.T, fake *fakeHypervisor, opts ...Option) (*Transaction, string) {
	t.Helper()

	workdir := t.TempDir()
	opts = append([]Option{WithWorkdir(workdir), WithPollInterval(time.Millisecond)}, opts...)
	tx := New(fake, "vm1", opts...)

	ctx := context.Background()
	if err := tx.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := tx.Prepare(); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := tx.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	for _, disk := range tx.snapshotDef.Disks.Disks {
		if err := os.WriteFile(disk.Source.File.File, []byte("delta"), 0644); err != nil {
			t.Fatalf("failed to seed delta file: %v", err)
		}
	}

	return tx, workdir
}

func TestStageOrderEnforced(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(tx *Transaction) error
	}{
		{"Prepare before Initialize", func(tx *Transaction) error { return tx.Prepare() }},
		{"Begin before Prepare", func(tx *Transaction) error { return tx.Begin(ctx) }},
		{"Commit before Begin", func(tx *Transaction) error { return tx.Commit(ctx) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := New(newFake(domainXML), "vm1")

			err := tt.call(tx)

			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				t.Fatalf("expected *StageError, got %v", err)
			}
			if tx.Stage() != StageUninitialized {
				t.Errorf("stage changed on rejected call: %s", tx.Stage())
			}
		})
	}
}

func TestInitializeReadsDomain(t *testing.T) {
	tx := New(newFake(domainXML), "vm1")

	if _, err := tx.DomainName(); err == nil {
		t.Error("DomainName available before Initialize")
	}

	if err := tx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	name, err := tx.DomainName()
	if err != nil {
		t.Fatalf("DomainName failed: %v", err)
	}
	if name != "vm1" {
		t.Errorf("domain name = %q, want vm1", name)
	}
	if tx.Stage() != StageInitialized {
		t.Errorf("stage = %s, want INITIALIZED", tx.Stage())
	}
}

func TestPrepareSelectsAndFreezes(t *testing.T) {
	tx := New(newFake(domainXML), "vm1")
	ctx := context.Background()

	if err := tx.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := tx.SnapshotDisks(); err == nil {
		t.Error("SnapshotDisks available before Prepare")
	}

	if err := tx.Prepare(); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	disks, err := tx.SnapshotDisks()
	if err != nil {
		t.Fatalf("SnapshotDisks failed: %v", err)
	}
	if len(disks) != 1 {
		t.Fatalf("expected the cdrom to be filtered, got %d disks", len(disks))
	}
	want := SnapshotDisk{Device: "vda", Source: "/data/vm1.qcow2", SourceKind: SourceFile}
	if disks[0] != want {
		t.Errorf("snapshot disk = %+v, want %+v", disks[0], want)
	}

	if err := tx.SetDiskSelector(func(Disk) bool { return true }); err == nil {
		t.Error("selector mutable after Prepare")
	}
}

func TestPrepareDeterministic(t *testing.T) {
	first := New(newFake(domainXML), "vm1")
	second := New(newFake(domainXML), "vm1")
	ctx := context.Background()

	for _, tx := range []*Transaction{first, second} {
		if err := tx.Initialize(ctx); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := tx.Prepare(); err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
	}

	xml1, _ := first.SnapshotXML()
	xml2, _ := second.SnapshotXML()
	if xml1 != xml2 {
		t.Errorf("snapshot XML not deterministic:\n%s\n%s", xml1, xml2)
	}

	flags1, _ := first.SnapshotFlags()
	flags2, _ := second.SnapshotFlags()
	if flags1 != flags2 {
		t.Errorf("snapshot flags not deterministic: %#x vs %#x", flags1, flags2)
	}
}

func TestPrepareConfigError(t *testing.T) {
	tx := New(newFake(domainXML), "vm1", WithDiskOnly(false))
	ctx := context.Background()

	if err := tx.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	err := tx.Prepare()

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if tx.Stage() != StageInitialized {
		t.Errorf("stage = %s, want INITIALIZED after config error", tx.Stage())
	}
}

func TestCustomSelector(t *testing.T) {
	tx := New(newFake(domainXML), "vm1", WithDiskSelector(func(Disk) bool { return false }))
	ctx := context.Background()

	if err := tx.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := tx.Prepare(); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	disks, _ := tx.SnapshotDisks()
	if len(disks) != 0 {
		t.Errorf("expected no disks with reject-all selector, got %d", len(disks))
	}
}

func TestBeginCreatesSnapshot(t *testing.T) {
	fake := newFake(domainXML)
	tx, _ := beginTx(t, fake)

	if fake.createCalls != 1 {
		t.Fatalf("CreateSnapshot called %d times, want 1", fake.createCalls)
	}
	if fake.createFlags&(SnapshotAtomic|SnapshotNoMetadata|SnapshotDiskOnly) != SnapshotAtomic|SnapshotNoMetadata|SnapshotDiskOnly {
		t.Errorf("unexpected creation flags %#x", fake.createFlags)
	}
	if !strings.Contains(fake.createXML, "vm1-vda-unmerged.qcow2") {
		t.Errorf("snapshot XML missing delta path:\n%s", fake.createXML)
	}
	if tx.Stage() != StageBegun {
		t.Errorf("stage = %s, want BEGUN", tx.Stage())
	}

	// Single use: a second Begin must be rejected.
	if err := tx.Begin(context.Background()); err == nil {
		t.Error("second Begin accepted")
	}
}

func TestBeginFailureIsAbsorbing(t *testing.T) {
	fake := newFake(domainXML)
	fake.createErr = errors.New("no space left on device")

	tx := New(fake, "vm1", WithWorkdir(t.TempDir()))
	ctx := context.Background()

	tx.Initialize(ctx)
	tx.Prepare()

	err := tx.Begin(ctx)

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if tx.Stage() != StageFailed {
		t.Fatalf("stage = %s, want FAILED", tx.Stage())
	}

	// FAILED is absorbing: nothing but inspection may run.
	if err := tx.Commit(ctx); err == nil {
		t.Error("Commit accepted on failed transaction")
	}
	if tx.Stage() != StageFailed {
		t.Errorf("stage left FAILED: %s", tx.Stage())
	}

	// Frozen state stays inspectable.
	if _, err := tx.SnapshotDisks(); err != nil {
		t.Errorf("SnapshotDisks not inspectable after failure: %v", err)
	}
}

func TestCommitPivotsReadyJob(t *testing.T) {
	fake := newFake(domainXML)
	fake.jobs["vda"] = []BlockJobInfo{{Found: true, Cur: 100, End: 100}}

	tx, workdir := beginTx(t, fake)

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if tx.Stage() != StageFinished {
		t.Errorf("stage = %s, want FINISHED", tx.Stage())
	}
	if len(fake.pivots) != 1 || fake.pivots[0] != "vda" {
		t.Errorf("pivots = %v, want exactly one for vda", fake.pivots)
	}

	delta := filepath.Join(workdir, "vm1-vda-unmerged.qcow2")
	if _, err := os.Stat(delta); !os.IsNotExist(err) {
		t.Errorf("delta file not deleted: %s", delta)
	}
}

func TestCommitJobAlreadyGone(t *testing.T) {
	fake := newFake(domainXML)
	// No scripted samples: the job is reported gone on the first poll.

	tx, workdir := beginTx(t, fake)

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if len(fake.pivots) != 0 {
		t.Errorf("unexpected pivot calls: %v", fake.pivots)
	}

	delta := filepath.Join(workdir, "vm1-vda-unmerged.qcow2")
	if _, err := os.Stat(delta); !os.IsNotExist(err) {
		t.Errorf("delta file not deleted despite missing job: %s", delta)
	}
}

func TestCommitPollsUntilReady(t *testing.T) {
	fake := newFake(domainXML)
	fake.jobs["vda"] = []BlockJobInfo{
		{Found: true, Cur: 10, End: 100},
		{Found: true, Cur: 60, End: 100},
		{Found: true, Cur: 100, End: 100},
	}

	tx, _ := beginTx(t, fake)

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if fake.polls < 3 {
		t.Errorf("expected at least 3 polls, got %d", fake.polls)
	}
	if len(fake.pivots) != 1 {
		t.Errorf("pivots = %v, want exactly one", fake.pivots)
	}
}

func TestCommitFlagsFollowLiveness(t *testing.T) {
	tests := []struct {
		name       string
		active     bool
		wantActive bool
	}{
		{"running domain", true, true},
		{"shut-off domain", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake(domainXML)
			fake.active = tt.active

			tx, _ := beginTx(t, fake)
			if err := tx.Commit(context.Background()); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}

			if len(fake.commitFlags) != 1 {
				t.Fatalf("expected 1 block commit, got %d", len(fake.commitFlags))
			}

			flags := fake.commitFlags[0]
			if flags&BlockCommitShallow == 0 {
				t.Error("shallow flag missing")
			}
			if got := flags&BlockCommitActive != 0; got != tt.wantActive {
				t.Errorf("active flag = %v, want %v", got, tt.wantActive)
			}
		})
	}
}

func TestCommitProviderFailure(t *testing.T) {
	fake := newFake(domainXML)
	fake.commitErr = errors.New("block copy still active")

	tx, workdir := beginTx(t, fake)

	err := tx.Commit(context.Background())

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if tx.Stage() != StageFailed {
		t.Errorf("stage = %s, want FAILED", tx.Stage())
	}

	// The deletion pass is skipped on failure.
	delta := filepath.Join(workdir, "vm1-vda-unmerged.qcow2")
	if _, err := os.Stat(delta); err != nil {
		t.Errorf("delta file deleted despite failed commit: %v", err)
	}
}

func TestCommitCleanupFailure(t *testing.T) {
	fake := newFake(domainXML)

	tx, workdir := beginTx(t, fake)

	// Make the deletion pass fail.
	delta := filepath.Join(workdir, "vm1-vda-unmerged.qcow2")
	if err := os.Remove(delta); err != nil {
		t.Fatalf("failed to remove seeded delta: %v", err)
	}

	err := tx.Commit(context.Background())

	var cleanupErr *CleanupError
	if !errors.As(err, &cleanupErr) {
		t.Fatalf("expected *CleanupError, got %v", err)
	}
	if cleanupErr.Failed != 1 {
		t.Errorf("failed count = %d, want 1", cleanupErr.Failed)
	}
	if cleanupErr.First == nil {
		t.Error("first cause missing")
	}

	// Functionally the commit succeeded.
	if tx.Stage() != StageFinished {
		t.Errorf("stage = %s, want FINISHED despite cleanup error", tx.Stage())
	}
}

func TestCommitDeadline(t *testing.T) {
	fake := newFake(domainXML)
	// A job that never becomes ready.
	fake.jobs["vda"] = []BlockJobInfo{
		{Found: true, Cur: 0, End: 100},
		{Found: true, Cur: 0, End: 100},
		{Found: true, Cur: 0, End: 100},
	}

	tx, _ := beginTx(t, fake, WithPollInterval(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := tx.Commit(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if tx.Stage() != StageFailed {
		t.Errorf("stage = %s, want FAILED after deadline", tx.Stage())
	}
}

func TestBlockDiskSnapshot(t *testing.T) {
	fake := newFake(domainXMLWithBlock)

	tx, _ := beginTx(t, fake)

	disks, err := tx.SnapshotDisks()
	if err != nil {
		t.Fatalf("SnapshotDisks failed: %v", err)
	}
	if len(disks) != 2 {
		t.Fatalf("expected 2 disks, got %d", len(disks))
	}

	want := SnapshotDisk{Device: "vdb", Source: "/dev/vg0/vm1", SourceKind: SourceBlock}
	if disks[1] != want {
		t.Errorf("block disk = %+v, want %+v", disks[1], want)
	}

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(fake.commitDevices) != 2 || fake.commitDevices[0] != "vda" || fake.commitDevices[1] != "vdb" {
		t.Errorf("commit order = %v, want [vda vdb]", fake.commitDevices)
	}
}

func TestRunCommitsOnBodyFailure(t *testing.T) {
	fake := newFake(domainXML)
	workdir := t.TempDir()

	tx := New(fake, "vm1", WithWorkdir(workdir), WithPollInterval(time.Millisecond))
	bodyErr := errors.New("copy interrupted")

	err := Run(context.Background(), tx, func(tx *Transaction) error {
		if tx.Stage() != StageBegun {
			t.Errorf("body ran at stage %s, want BEGUN", tx.Stage())
		}
		// Seed the delta files the hypervisor would have written.
		for _, disk := range tx.snapshotDef.Disks.Disks {
			os.WriteFile(disk.Source.File.File, []byte("delta"), 0644)
		}
		return bodyErr
	})

	if !errors.Is(err, bodyErr) {
		t.Fatalf("body error lost: %v", err)
	}
	if tx.Stage() != StageFinished {
		t.Errorf("stage = %s, want FINISHED (commit must run despite body failure)", tx.Stage())
	}
}

func TestRunHappyPath(t *testing.T) {
	fake := newFake(domainXML)
	fake.jobs["vda"] = []BlockJobInfo{{Found: true, Cur: 100, End: 100}}
	workdir := t.TempDir()

	tx := New(fake, "vm1", WithWorkdir(workdir), WithPollInterval(time.Millisecond))

	var seen []SnapshotDisk
	err := Run(context.Background(), tx, func(tx *Transaction) error {
		disks, err := tx.SnapshotDisks()
		if err != nil {
			return err
		}
		seen = disks
		for _, disk := range tx.snapshotDef.Disks.Disks {
			os.WriteFile(disk.Source.File.File, []byte("delta"), 0644)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(seen) != 1 || seen[0].Device != "vda" {
		t.Errorf("body saw disks %v", seen)
	}
	if tx.Stage() != StageFinished {
		t.Errorf("stage = %s, want FINISHED", tx.Stage())
	}
}
