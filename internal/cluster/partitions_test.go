package cluster

import (
	"context"
	"testing"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

func intPtr(v int) *int { return &v }

func TestPartitionStoreCRUD(t *testing.T) {
	db := setupTestDB(t)
	s := NewPartitionStore(db)

	s.Upsert("gemini", slurm.PartitionInfo{Name: "batch", IsDefault: true, MaxCPUs: intPtr(44), MaxTime: "14-00:00:00"})
	s.Upsert("gemini", slurm.PartitionInfo{Name: "gpu", GPUType: "a100", GPUCount: 4})
	s.Upsert("apollo", slurm.PartitionInfo{Name: "batch"})

	row, err := s.Get("gemini", "batch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !row.IsDefault || row.MaxCPUs == nil || *row.MaxCPUs != 44 {
		t.Errorf("row mangled: %+v", row)
	}

	if _, err := s.Get("gemini", "missing"); apperror.KindOf(err) != apperror.NotFound {
		t.Errorf("missing partition should be NotFound, got %v", err)
	}

	if got := s.ListForCluster("gemini"); len(got) != 2 || got[0].Name != "batch" {
		t.Errorf("ListForCluster = %+v", got)
	}
	if got := s.ListAll(); len(got) != 3 || got[0].HPC != "apollo" {
		t.Errorf("ListAll = %+v", got)
	}

	def, err := s.Default("gemini")
	if err != nil || def.Name != "batch" {
		t.Errorf("Default = (%+v, %v)", def, err)
	}
	if _, err := s.Default("apollo"); err == nil {
		t.Error("apollo has no default partition")
	}

	if s.LastUpdated("gemini").IsZero() {
		t.Error("LastUpdated should be set after upsert")
	}
	if !s.LastUpdated("nowhere").IsZero() {
		t.Error("unknown cluster should report zero time")
	}
}

func TestPartitionStoreDeleteStale(t *testing.T) {
	db := setupTestDB(t)
	s := NewPartitionStore(db)

	s.Upsert("gemini", slurm.PartitionInfo{Name: "batch"})
	s.Upsert("gemini", slurm.PartitionInfo{Name: "old"})

	s.DeleteStale("gemini", map[string]bool{"batch": true})

	if _, err := s.Get("gemini", "old"); err == nil {
		t.Error("stale partition should be gone")
	}
	if _, err := s.Get("gemini", "batch"); err != nil {
		t.Errorf("kept partition lost: %v", err)
	}

	// The deletion reaches the database too.
	s2 := NewPartitionStore(db)
	s2.Load()
	if _, err := s2.Get("gemini", "old"); err == nil {
		t.Error("stale partition survived in the database")
	}
}

func TestPartitionStoreLoad(t *testing.T) {
	db := setupTestDB(t)

	s := NewPartitionStore(db)
	s.Upsert("gemini", slurm.PartitionInfo{Name: "batch", MaxMemMB: intPtr(64000)})

	s2 := NewPartitionStore(db)
	s2.Load()
	row, err := s2.Get("gemini", "batch")
	if err != nil {
		t.Fatalf("reloaded get: %v", err)
	}
	if row.MaxMemMB == nil || *row.MaxMemMB != 64000 {
		t.Errorf("reloaded row mangled: %+v", row)
	}
}

func TestRefresher(t *testing.T) {
	s := NewPartitionStore(nil)
	s.Upsert("gemini", slurm.PartitionInfo{Name: "removed"})

	calls := []string{}
	exec := func(ctx context.Context, cluster, command string) (string, error) {
		calls = append(calls, command)
		switch command {
		case slurm.PartitionCommand():
			return "PartitionName=batch Default=YES MaxCPUsPerNode=44 MaxTime=7-00:00:00 TotalCPUs=440 TotalNodes=10 TRES=cpu=440,mem=640000M,node=10 AllowAccounts=ALL\n" +
				"PartitionName=gpu MaxCPUsPerNode=UNLIMITED MaxTime=UNLIMITED TotalCPUs=128 TotalNodes=4 TRES=cpu=128,mem=512000M,node=4 AllowAccounts=ALL\n", nil
		case slurm.GresCommand():
			return "batch (null)\ngpu gpu:a100:4\n", nil
		}
		t.Fatalf("unexpected command %q", command)
		return "", nil
	}

	r := NewRefresher(exec, s, func() []string { return []string{"gemini"} })
	r.RefreshAll(context.Background())

	if len(calls) != 2 {
		t.Fatalf("expected partition + gres commands, got %v", calls)
	}

	gpu, err := s.Get("gemini", "gpu")
	if err != nil {
		t.Fatalf("gpu partition missing: %v", err)
	}
	if gpu.GPUType != "a100" || gpu.GPUCount != 4 {
		t.Errorf("gres not attached: %+v", gpu)
	}
	if gpu.MaxCPUs == nil || *gpu.MaxCPUs != 32 {
		t.Errorf("UNLIMITED should derive per-node cpus: %+v", gpu.MaxCPUs)
	}
	if gpu.MaxTime != "14-00:00:00" {
		t.Errorf("UNLIMITED MaxTime should cap at 14 days: %q", gpu.MaxTime)
	}

	if _, err := s.Get("gemini", "removed"); err == nil {
		t.Error("partition absent from refresh should be deleted")
	}
}

func TestRefresherFailureKeepsRows(t *testing.T) {
	s := NewPartitionStore(nil)
	s.Upsert("gemini", slurm.PartitionInfo{Name: "batch"})

	exec := func(ctx context.Context, cluster, command string) (string, error) {
		return "", apperror.New(apperror.Ssh, "login host unreachable")
	}
	r := NewRefresher(exec, s, func() []string { return []string{"gemini"} })
	r.RefreshAll(context.Background())

	if _, err := s.Get("gemini", "batch"); err != nil {
		t.Errorf("rows should survive a failed refresh: %v", err)
	}
}
