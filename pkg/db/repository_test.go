package db

import (
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestRepository_CreateAndList(t *testing.T) {
	repo := newTestRepo(t)

	run := &Run{
		Domain:   "vm1",
		DestDir:  "/backups/vm1",
		Workdir:  "/var/tmp/vmclone",
		DiskOnly: true,
		Status:   StatusRunning,
	}

	if err := repo.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("run ID not assigned")
	}

	runs, err := repo.List()
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	got := runs[0]
	if got.Domain != run.Domain || got.DestDir != run.DestDir || got.Status != StatusRunning {
		t.Errorf("retrieved run mismatch: got %+v, want %+v", got, run)
	}
	if !got.DiskOnly {
		t.Error("disk_only not persisted")
	}
}

func TestRepository_Finish(t *testing.T) {
	repo := newTestRepo(t)

	run := &Run{Domain: "vm1", DestDir: "/backups/vm1", Status: StatusRunning}
	if err := repo.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := repo.Finish(run.ID, StatusCleanupFailed, "failed deleting 1 delta files"); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	runs, _ := repo.List()
	if runs[0].Status != StatusCleanupFailed {
		t.Errorf("status not updated: got %s, want %s", runs[0].Status, StatusCleanupFailed)
	}
	if runs[0].ErrorMessage == "" {
		t.Error("error message not persisted")
	}
	if runs[0].FinishedAt == "" {
		t.Error("finished_at not stamped")
	}
}

func TestRepository_FinishUnknownRun(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.Finish(42, StatusFinished, ""); err == nil {
		t.Fatal("expected error finishing unknown run")
	}
}

func TestRepository_ListByStatus(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Run{Domain: "vm1", DestDir: "/b/vm1", Status: StatusRunning})
	run2 := &Run{Domain: "vm2", DestDir: "/b/vm2", Status: StatusRunning}
	repo.Create(run2)
	repo.Finish(run2.ID, StatusFailed, "snapshot creation failed")

	stale, err := repo.ListByStatus(StatusRunning)
	if err != nil {
		t.Fatalf("failed to list by status: %v", err)
	}
	if len(stale) != 1 || stale[0].Domain != "vm1" {
		t.Errorf("unexpected running runs: %+v", stale)
	}
}
