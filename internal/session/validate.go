package session

import (
	"strconv"
	"strings"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/database"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

// GPU flavours a request may ask for.
const (
	GPUNone = "none"
	GPUA100 = "a100"
	GPUV100 = "v100"
)

func validGPU(gpu string) bool {
	switch gpu {
	case GPUNone, GPUA100, GPUV100:
		return true
	}
	return false
}

// memoryToMB parses a request memory string such as "40G", "4096M" or a
// bare megabyte count.
func memoryToMB(mem string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(mem))
	mult := 1
	switch {
	case strings.HasSuffix(s, "G"):
		mult, s = 1024, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "T"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "T")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, apperror.Newf(apperror.Validation, "invalid memory %q", mem)
	}
	return n * mult, nil
}

// validateRequest checks the request shape before any cluster is touched.
func validateRequest(req LaunchRequest) error {
	if !ValidIDE(req.IDE) {
		return apperror.Newf(apperror.Validation, "unknown ide %q", req.IDE)
	}
	if req.User == "" {
		return apperror.New(apperror.Validation, "user is required")
	}
	if _, ok := config.GetCluster(req.Cluster); !ok {
		return apperror.Newf(apperror.Validation, "unknown cluster %q", req.Cluster)
	}
	if req.CPUs < 1 {
		return apperror.Newf(apperror.Validation, "invalid cpus %d", req.CPUs)
	}
	if _, err := memoryToMB(req.Memory); err != nil {
		return err
	}
	if _, ok := slurm.ParseTimeToSeconds(req.Walltime); !ok {
		return apperror.Newf(apperror.Validation, "invalid walltime %q", req.Walltime)
	}
	if !validGPU(req.GPU) {
		return apperror.Newf(apperror.Validation, "unknown gpu %q", req.GPU)
	}
	return nil
}

// validateAgainstPartition enforces the partition's parsed limits. A missing
// partition row skips the check: limits are advisory until the first refresh.
func validateAgainstPartition(req LaunchRequest, limits database.PartitionLimit) error {
	if limits.Restricted && (req.Account == "" || !strings.Contains(limits.RestrictionReason, req.Account)) {
		return apperror.Newf(apperror.Validation, "partition %s is %s", limits.Name, limits.RestrictionReason)
	}
	if limits.MaxCPUs != nil && req.CPUs > *limits.MaxCPUs {
		return apperror.Newf(apperror.Validation, "cpus %d exceeds partition %s limit of %d", req.CPUs, limits.Name, *limits.MaxCPUs)
	}
	if limits.MaxMemMB != nil {
		memMB, err := memoryToMB(req.Memory)
		if err != nil {
			return err
		}
		if memMB > *limits.MaxMemMB {
			return apperror.Newf(apperror.Validation, "memory %s exceeds partition %s limit of %dMB", req.Memory, limits.Name, *limits.MaxMemMB)
		}
	}
	if limits.MaxTime != "" {
		reqSecs, _ := slurm.ParseTimeToSeconds(req.Walltime)
		if maxSecs, ok := slurm.ParseTimeToSeconds(limits.MaxTime); ok && reqSecs > maxSecs {
			return apperror.Newf(apperror.Validation, "walltime %s exceeds partition %s limit of %s", req.Walltime, limits.Name, limits.MaxTime)
		}
	}
	return nil
}
