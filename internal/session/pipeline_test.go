package session

import (
	"context"
	"strings"
	"testing"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/cluster"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

func testPipeline(t *testing.T, exec ExecFunc) (*Pipeline, *int) {
	t.Helper()
	setupConfig(t)
	fastPolls := 0
	state := NewManager(NewStore(nil), exec, nil)
	p := NewPipeline(state, cluster.NewPartitionStore(nil), exec, func() { fastPolls++ })
	return p, &fastPolls
}

func TestLaunchHappyPath(t *testing.T) {
	var submitted string
	exec := func(ctx context.Context, clusterName, command string) (string, error) {
		if strings.HasPrefix(command, "sacctmgr") {
			return "proj-alpha\n", nil
		}
		if strings.HasPrefix(command, "sbatch") {
			submitted = command
			return "12345\n", nil
		}
		t.Fatalf("unexpected command %q", command)
		return "", nil
	}
	p, fastPolls := testPipeline(t, exec)

	sess, err := p.Launch(context.Background(), LaunchRequest{User: "alice", Cluster: "gemini", IDE: "vscode"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if sess.Status != StatusPending || sess.JobID != "12345" {
		t.Errorf("session after launch: %+v", sess)
	}
	if sess.Token == "" {
		t.Error("vscode session needs a token")
	}
	if sess.Account != "proj-alpha" {
		t.Errorf("account = %q", sess.Account)
	}
	if sess.SubmittedAt == nil || sess.StartedAt != nil {
		t.Error("submittedAt set, startedAt clear")
	}
	if *fastPolls != 1 {
		t.Errorf("fast poll requested %d times", *fastPolls)
	}

	// defaults flowed into the batch script
	if !strings.Contains(submitted, "--job-name=hpc-vscode") ||
		!strings.Contains(submitted, "--cpus-per-task=4") ||
		!strings.Contains(submitted, "--partition=batch") {
		t.Errorf("batch script missing directives:\n%s", submitted)
	}

	ptr := p.State.ActivePointer()
	if ptr == nil || ptr.User != "alice" {
		t.Errorf("active pointer = %+v", ptr)
	}
}

func TestLaunchGPUPlacement(t *testing.T) {
	var submitted string
	exec := func(ctx context.Context, clusterName, command string) (string, error) {
		if strings.HasPrefix(command, "sbatch") {
			submitted = command
			return "7\n", nil
		}
		return "proj-alpha\n", nil
	}
	p, _ := testPipeline(t, exec)

	if _, err := p.Launch(context.Background(), LaunchRequest{User: "alice", Cluster: "gemini", IDE: "jupyter", GPU: "a100"}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !strings.Contains(submitted, "--partition=gpu") || !strings.Contains(submitted, "--gres=gpu:a100:1") {
		t.Errorf("gpu placement missing:\n%s", submitted)
	}
}

func TestLaunchValidation(t *testing.T) {
	p, _ := testPipeline(t, noExec)

	cases := []LaunchRequest{
		{User: "alice", Cluster: "gemini", IDE: "emacs"},
		{User: "alice", Cluster: "nowhere", IDE: "vscode"},
		{User: "alice", Cluster: "gemini", IDE: "vscode", CPUs: -1},
		{User: "alice", Cluster: "gemini", IDE: "vscode", Memory: "lots"},
		{User: "alice", Cluster: "gemini", IDE: "vscode", Walltime: "soon"},
		{User: "alice", Cluster: "gemini", IDE: "vscode", GPU: "h100"},
		{Cluster: "gemini", IDE: "vscode"},
	}
	for _, req := range cases {
		if _, err := p.Launch(context.Background(), req); apperror.KindOf(err) != apperror.Validation {
			t.Errorf("request %+v should fail validation, got %v", req, err)
		}
	}
}

func TestLaunchPartitionLimits(t *testing.T) {
	exec := func(ctx context.Context, clusterName, command string) (string, error) {
		return "proj-alpha\n", nil
	}
	setupConfig(t)
	parts := cluster.NewPartitionStore(nil)
	maxCPUs := 8
	parts.Upsert("gemini", slurm.PartitionInfo{Name: "batch", MaxCPUs: &maxCPUs})
	state := NewManager(NewStore(nil), exec, nil)
	p := NewPipeline(state, parts, exec, nil)

	_, err := p.Launch(context.Background(), LaunchRequest{User: "alice", Cluster: "gemini", IDE: "vscode", CPUs: 16})
	if apperror.KindOf(err) != apperror.Validation {
		t.Fatalf("over-limit cpus should fail validation, got %v", err)
	}
}

func TestLaunchSubmitFailureLeavesIdle(t *testing.T) {
	exec := func(ctx context.Context, clusterName, command string) (string, error) {
		if strings.HasPrefix(command, "sbatch") {
			return "", apperror.New(apperror.Ssh, "sbatch: error: invalid account")
		}
		return "proj-alpha\n", nil
	}
	p, fastPolls := testPipeline(t, exec)

	_, err := p.Launch(context.Background(), LaunchRequest{User: "alice", Cluster: "gemini", IDE: "vscode"})
	if apperror.KindOf(err) != apperror.Job {
		t.Fatalf("submit failure should be a job error, got %v", err)
	}

	sess, getErr := p.State.Store.Get("alice-gemini-vscode")
	if getErr != nil {
		t.Fatalf("session should remain: %v", getErr)
	}
	if sess.Status != StatusIdle || sess.Error == "" || sess.JobID != "" {
		t.Errorf("failed launch should leave idle with error: %+v", sess)
	}
	if *fastPolls != 0 {
		t.Error("no fast poll after a failed submit")
	}
}

func TestLaunchRejectsActiveSession(t *testing.T) {
	p, _ := testPipeline(t, noExec)
	p.State.Store.Create(aliceKey, Session{Status: StatusRunning, JobID: "1"})

	_, err := p.Launch(context.Background(), LaunchRequest{User: "alice", Cluster: "gemini", IDE: "vscode"})
	if apperror.KindOf(err) != apperror.Validation {
		t.Fatalf("active session should reject a second launch, got %v", err)
	}
}

func TestLaunchLockConflict(t *testing.T) {
	p, _ := testPipeline(t, noExec)
	p.State.Acquire("launch:alice-gemini-vscode")

	_, err := p.Launch(context.Background(), LaunchRequest{User: "alice", Cluster: "gemini", IDE: "vscode"})
	if apperror.KindOf(err) != apperror.Lock {
		t.Fatalf("held lock should surface as Lock, got %v", err)
	}
}

func TestStopCancelsAndArchives(t *testing.T) {
	var cancelled string
	exec := func(ctx context.Context, clusterName, command string) (string, error) {
		cancelled = command
		return "", nil
	}
	p, _ := testPipeline(t, exec)
	p.State.Store.Create(aliceKey, Session{Status: StatusRunning, JobID: "12345"})

	var cleared []string
	p.State.SetOnSessionCleared(func(key string) { cleared = append(cleared, key) })

	if err := p.Stop(context.Background(), aliceKey.String()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cancelled != "scancel 12345" {
		t.Errorf("cancel command = %q", cancelled)
	}
	if _, err := p.State.Store.Get(aliceKey.String()); err == nil {
		t.Error("session should be cleared")
	}
	if len(cleared) != 1 {
		t.Errorf("cleared listeners = %v", cleared)
	}
}

func TestStopToleratesScancelFailure(t *testing.T) {
	p, _ := testPipeline(t, noExec)
	p.State.Store.Create(aliceKey, Session{Status: StatusRunning, JobID: "12345"})

	if err := p.Stop(context.Background(), aliceKey.String()); err != nil {
		t.Fatalf("stop should clear even when scancel fails: %v", err)
	}
	if _, err := p.State.Store.Get(aliceKey.String()); err == nil {
		t.Error("session should be cleared despite scancel failure")
	}
}

func TestStopMissingSession(t *testing.T) {
	p, _ := testPipeline(t, noExec)
	if err := p.Stop(context.Background(), "ghost-gemini-vscode"); apperror.KindOf(err) != apperror.NotFound {
		t.Fatalf("missing session should be NotFound, got %v", err)
	}
}
