// Package slurm builds the SLURM commands the broker runs over SSH and
// parses their output. It never talks to a cluster itself; callers pass the
// command strings through the per-cluster SSH queue and hand the stdout back
// to the parsers here.
package slurm

import (
	"fmt"
	"strings"
)

// JobState is a SLURM job state as reported by squeue/scontrol.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
	StateTimeout   JobState = "TIMEOUT"
)

// Terminal reports whether the state means the job is done.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// EndReason maps a terminal state to the archival end reason.
func (s JobState) EndReason() string {
	switch s {
	case StateCancelled:
		return "cancelled"
	case StateTimeout:
		return "timeout"
	case StateFailed:
		return "error"
	default:
		return "completed"
	}
}

// jobNamePrefix tags the broker's jobs so batched squeue output can be
// attributed to sessions. Outward format: hpc-vscode, hpc-rstudio, hpc-jupyter.
const jobNamePrefix = "hpc-"

// JobName returns the SLURM job name for an IDE.
func JobName(ide string) string {
	return jobNamePrefix + ide
}

// IDEFromJobName extracts the IDE tag from a broker job name.
func IDEFromJobName(name string) (string, bool) {
	if !strings.HasPrefix(name, jobNamePrefix) {
		return "", false
	}
	ide := strings.TrimPrefix(name, jobNamePrefix)
	if ide == "" {
		return "", false
	}
	return ide, true
}

// CancelCommand cancels a single job.
func CancelCommand(jobID string) string {
	return "scancel " + jobID
}

// UserAccountCommand asks sacctmgr for a user's default scheduler account.
func UserAccountCommand(user string) string {
	return fmt.Sprintf("sacctmgr show user %s format=DefaultAccount --noheader --parsable2", user)
}

// ParseUserAccount extracts the default account from sacctmgr output.
func ParseUserAccount(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line, true
		}
	}
	return "", false
}
