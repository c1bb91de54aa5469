package slurm

import (
	"fmt"
	"strings"
)

// QueuedJob is one row of batched squeue output for this service's jobs.
type QueuedJob struct {
	ID              string
	Name            string
	IDE             string
	State           JobState
	Node            string
	TimeLeftSeconds int
}

// ListJobsCommand returns the batched squeue listing for all of the broker's
// queued-or-running jobs for one user. One call per cluster per poll cycle;
// individual job lookups are never issued.
func ListJobsCommand(user string) string {
	return fmt.Sprintf("squeue -u %s -h -t R,PD -o '%%A|%%j|%%T|%%N|%%L'", user)
}

// InspectJobCommand returns the single-job inspector, used only by
// reconciliation when a session's job id is already known.
func InspectJobCommand(jobID string) string {
	return fmt.Sprintf("squeue -j %s -h -o '%%A|%%j|%%T|%%N|%%L'", jobID)
}

// ParseQueue parses squeue pipe-delimited output, keeping only jobs whose
// name carries the broker's IDE tag. Unparseable lines are skipped.
func ParseQueue(out string) []QueuedJob {
	var jobs []QueuedJob
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 5 {
			continue
		}
		ide, ok := IDEFromJobName(fields[1])
		if !ok {
			continue
		}
		job := QueuedJob{
			ID:    fields[0],
			Name:  fields[1],
			IDE:   ide,
			State: JobState(strings.ToUpper(fields[2])),
			Node:  fields[3],
		}
		// %N is "(null)" or empty while pending
		if job.Node == "(null)" {
			job.Node = ""
		}
		if secs, ok := ParseTimeToSeconds(fields[4]); ok {
			job.TimeLeftSeconds = secs
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// ParseSubmitOutput extracts the job id from `sbatch --parsable` output,
// which is "jobid" or "jobid;cluster".
func ParseSubmitOutput(out string) (string, error) {
	line := strings.TrimSpace(out)
	if idx := strings.LastIndex(line, "\n"); idx >= 0 {
		line = strings.TrimSpace(line[idx+1:])
	}
	if idx := strings.Index(line, ";"); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		return "", fmt.Errorf("sbatch returned no job id: %q", out)
	}
	for _, r := range line {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("sbatch returned unexpected output: %q", out)
		}
	}
	return line, nil
}
