package slurm

import (
	"reflect"
	"testing"
)

func TestParsePartitionLineDerivedLimits(t *testing.T) {
	line := "PartitionName=compute Default=YES MaxTime=UNLIMITED MaxCPUsPerNode=UNLIMITED MaxMemPerNode=UNLIMITED TotalCPUs=440 TotalNodes=10 TRES=cpu=440,mem=640000M,node=10 AllowAccounts=ALL"

	p, ok := ParsePartitionLine(line)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if !p.IsDefault {
		t.Error("IsDefault should be true")
	}
	if p.MaxTime != "14-00:00:00" {
		t.Errorf("MaxTime = %q, want 14-00:00:00", p.MaxTime)
	}
	if p.MaxCPUs == nil || *p.MaxCPUs != 44 {
		t.Errorf("MaxCPUs = %v, want 44", p.MaxCPUs)
	}
	if p.MaxMemMB == nil || *p.MaxMemMB != 64000 {
		t.Errorf("MaxMemMB = %v, want 64000", p.MaxMemMB)
	}
	if p.Restricted {
		t.Error("AllowAccounts=ALL must not restrict")
	}
}

func TestParsePartitionLineZeroNodes(t *testing.T) {
	line := "PartitionName=empty MaxCPUsPerNode=UNLIMITED MaxMemPerNode=UNLIMITED TotalCPUs=0 TotalNodes=0"
	p, ok := ParsePartitionLine(line)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if p.MaxCPUs != nil {
		t.Errorf("MaxCPUs = %v, want nil for zero nodes", *p.MaxCPUs)
	}
	if p.MaxMemMB != nil {
		t.Errorf("MaxMemMB = %v, want nil for zero nodes", *p.MaxMemMB)
	}
}

func TestParsePartitionLineRestrictions(t *testing.T) {
	p, ok := ParsePartitionLine("PartitionName=priv AllowAccounts=labx,laby MaxTime=08:00:00")
	if !ok || !p.Restricted {
		t.Fatalf("expected restricted partition, got %+v", p)
	}
	if p.RestrictionReason != "restricted to accounts: labx,laby" {
		t.Errorf("reason = %q", p.RestrictionReason)
	}

	p, _ = ParsePartitionLine("PartitionName=open AllowAccounts=ALL DenyAccounts=guests")
	if !p.Restricted || p.RestrictionReason != "denied to accounts: guests" {
		t.Errorf("deny restriction not applied: %+v", p)
	}
}

func TestParsePartitionLineRejectsNoise(t *testing.T) {
	for _, line := range []string{"", "   ", "NodeName=cn-01 State=IDLE"} {
		if _, ok := ParsePartitionLine(line); ok {
			t.Errorf("line %q should not parse as a partition", line)
		}
	}
}

func TestPartitionParseSerializeIdempotent(t *testing.T) {
	lines := []string{
		"PartitionName=compute Default=YES MaxTime=UNLIMITED MaxCPUsPerNode=UNLIMITED MaxMemPerNode=UNLIMITED TotalCPUs=440 TotalNodes=10 TRES=cpu=440,mem=640000M,node=10 AllowAccounts=ALL",
		"PartitionName=gpua100 MaxTime=2-00:00:00 DefaultTime=01:00:00 MaxCPUsPerNode=64 MaxMemPerNode=512000 TotalCPUs=256 TotalNodes=4 TRES=cpu=256,mem=2048000M,node=4 AllowAccounts=labx",
		"PartitionName=shared DenyAccounts=guests TotalCPUs=100 TotalNodes=5 TRES=cpu=100,mem=500G,node=5",
	}
	for _, line := range lines {
		first, ok := ParsePartitionLine(line)
		if !ok {
			t.Fatalf("parse %q failed", line)
		}
		second, ok := ParsePartitionLine(first.Serialize())
		if !ok {
			t.Fatalf("reparse of %q failed", first.Serialize())
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("parse/serialise not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
		}
	}
}

func TestParseGres(t *testing.T) {
	out := `
compute*            (null)
gpua100             gpu:a100:4
gpuv100             gpu:v100:2(S:0-1)
largemem            craynetwork:1
`
	gres := ParseGres(out)
	if len(gres) != 2 {
		t.Fatalf("expected 2 GPU partitions, got %v", gres)
	}
	if g := gres["gpua100"]; g.Type != "a100" || g.Count != 4 {
		t.Errorf("gpua100 = %+v", g)
	}
	if g := gres["gpuv100"]; g.Type != "v100" || g.Count != 2 {
		t.Errorf("gpuv100 = %+v", g)
	}
}
