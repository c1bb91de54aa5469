package cluster

import (
	"testing"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/database"
)

func sample(hpc string, ts time.Time, cpu float64, running int) database.ClusterHealthArchive {
	return database.ClusterHealthArchive{HPC: hpc, Timestamp: ts, CPUPercent: cpu, RunningJobs: running}
}

func TestDownsampleHourlyMedian(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	in := []database.ClusterHealthArchive{
		sample("gemini", base.Add(5*time.Minute), 10, 1),
		sample("gemini", base.Add(25*time.Minute), 50, 5),
		sample("gemini", base.Add(45*time.Minute), 30, 3),
	}

	out := DownsampleHourly(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(out))
	}
	e := out[0]
	if e.CPUPercent != 30 {
		t.Errorf("median cpu = %v, want 30", e.CPUPercent)
	}
	if e.RunningJobs != 3 {
		t.Errorf("median running = %d, want 3", e.RunningJobs)
	}
	if !e.Timestamp.Equal(base.Add(25 * time.Minute)) {
		t.Errorf("middle timestamp = %v", e.Timestamp)
	}
	if e.SampleCount != 3 {
		t.Errorf("sample count = %d, want 3", e.SampleCount)
	}
	if e.Date != "2026-03-14" {
		t.Errorf("date = %q", e.Date)
	}
}

func TestDownsampleHourlySeparatesBucketsAndClusters(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	in := []database.ClusterHealthArchive{
		sample("gemini", base, 10, 1),
		sample("gemini", base.Add(time.Hour), 20, 2),
		sample("apollo", base, 30, 3),
	}
	out := DownsampleHourly(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(out))
	}
	if out[0].HPC != "apollo" {
		t.Errorf("sort order: %+v", out)
	}
}

func TestDownsampleHourlyIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a100 := 42.5
	in := []database.ClusterHealthArchive{
		{HPC: "gemini", Timestamp: base.Add(10 * time.Minute), CPUPercent: 10, A100CPUPercent: &a100, SampleCount: 2},
		{HPC: "gemini", Timestamp: base.Add(40 * time.Minute), CPUPercent: 20, SampleCount: 3},
	}

	once := DownsampleHourly(in)
	twice := DownsampleHourly(once)

	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("bucket counts: %d, %d", len(once), len(twice))
	}
	if once[0].CPUPercent != twice[0].CPUPercent ||
		!once[0].Timestamp.Equal(twice[0].Timestamp) ||
		once[0].SampleCount != twice[0].SampleCount {
		t.Errorf("not idempotent: %+v vs %+v", once[0], twice[0])
	}
	if once[0].SampleCount != 5 {
		t.Errorf("sample counts should accumulate: %d", once[0].SampleCount)
	}
	if once[0].A100CPUPercent == nil || *once[0].A100CPUPercent != 42.5 {
		t.Errorf("sparse metric median: %v", once[0].A100CPUPercent)
	}
}

func TestDownsampleEvenCountAveragesMiddles(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	in := []database.ClusterHealthArchive{
		sample("gemini", base, 10, 0),
		sample("gemini", base.Add(30*time.Minute), 20, 0),
	}
	out := DownsampleHourly(in)
	if out[0].CPUPercent != 15 {
		t.Errorf("even median = %v, want 15", out[0].CPUPercent)
	}
}
