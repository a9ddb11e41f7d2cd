package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSeedThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.csv")

	out, err := run(t, "seed", "--out", path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !strings.Contains(out, "wrote 8 rows") {
		t.Errorf("seed output = %q", out)
	}

	out, err = run(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"rows:       6", "unique:     5", "duplicates: 1", "skipped:    2", "missing title"} {
		if !strings.Contains(out, want) {
			t.Errorf("validate output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_DryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.csv")
	if _, err := run(t, "seed", "-o", path); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := run(t, "validate", "--dry-run", path)
	if err != nil {
		t.Fatalf("validate --dry-run: %v", err)
	}
	for _, want := range []string{"batch RUNNING, total tasks 5", "MANIFEST_INGEST", "SCRAPE"} {
		if !strings.Contains(out, want) {
			t.Errorf("dry-run output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_MissingFile(t *testing.T) {
	if _, err := run(t, "validate", filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &domain.Batch{
		ID:             "b1",
		ManifestPath:   "/m.csv",
		Status:         domain.BatchRunning,
		TotalTasks:     10,
		ProcessedTasks: 4,
		SucceededTasks: 3,
		FailedTasks:    1,
		CreatedAt:      time.Now(),
	}, []*domain.Job{{JobType: domain.JobScrape, Status: domain.JobRunning}})

	out := buf.String()
	for _, want := range []string{"4/10 processed", "failed 1", "SCRAPE"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}
