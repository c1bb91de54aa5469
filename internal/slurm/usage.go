package slurm

import (
	"fmt"
	"strconv"
	"strings"
)

// Resource is a used/total pair with a derived percentage.
type Resource struct {
	Used    int     `json:"used"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// NodeStates breaks the node count down by scheduling state.
type NodeStates struct {
	Idle    int     `json:"idle"`
	Busy    int     `json:"busy"`
	Down    int     `json:"down"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Utilization is one cluster-wide sample of load, assembled from the node
// listing, the queue state counts and the fairshare query.
type Utilization struct {
	CPUs          Resource            `json:"cpus"`
	MemoryMB      Resource            `json:"memory"`
	GPUs          Resource            `json:"gpus"`
	Nodes         NodeStates          `json:"nodes"`
	PartitionCPUs map[string]Resource `json:"partitions,omitempty"`
	RunningJobs   int                 `json:"runningJobs"`
	PendingJobs   int                 `json:"pendingJobs"`
	Fairshare     float64             `json:"fairshare"`
}

// NodesCommand lists every node once per partition with its CPU, memory and
// gres state. One call covers CPU, memory, node and GPU utilisation.
func NodesCommand() string {
	return "sinfo -h -N -O 'NodeHost:40,Partition:30,StateCompact:15,CPUsState:20,Memory:15,AllocMem:15,Gres:40,GresUsed:60'"
}

// JobCountsCommand returns the state of every queued job on the cluster.
func JobCountsCommand() string {
	return "squeue -h -o '%T'"
}

// FairshareCommand queries the fairshare factor for a scheduler account.
func FairshareCommand(account string) string {
	return fmt.Sprintf("sshare -A %s -n -P -o FairShare", account)
}

// ParseNodes aggregates the node listing into a Utilization sample. Nodes
// appearing in several partitions are counted once in the cluster totals;
// the per-partition CPU map accumulates every appearance.
func ParseNodes(out string) Utilization {
	u := Utilization{PartitionCPUs: make(map[string]Resource)}
	seen := make(map[string]bool)

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		host, partition, state := fields[0], strings.TrimSuffix(fields[1], "*"), fields[2]
		allocCPUs, totalCPUs := parseCPUsState(fields[3])
		memMB, _ := strconv.Atoi(fields[4])
		allocMemMB, _ := strconv.Atoi(fields[5])
		gpuTotal := gresGPUCount(fields[6])
		gpuUsed := gresGPUCount(fields[7])

		pc := u.PartitionCPUs[partition]
		pc.Used += allocCPUs
		pc.Total += totalCPUs
		u.PartitionCPUs[partition] = pc

		if seen[host] {
			continue
		}
		seen[host] = true

		u.CPUs.Used += allocCPUs
		u.CPUs.Total += totalCPUs
		u.MemoryMB.Used += allocMemMB
		u.MemoryMB.Total += memMB
		u.GPUs.Used += gpuUsed
		u.GPUs.Total += gpuTotal

		u.Nodes.Total++
		switch nodeStateClass(state) {
		case "idle":
			u.Nodes.Idle++
		case "down":
			u.Nodes.Down++
		default:
			u.Nodes.Busy++
		}
	}

	u.CPUs.Percent = percent(u.CPUs.Used, u.CPUs.Total)
	u.MemoryMB.Percent = percent(u.MemoryMB.Used, u.MemoryMB.Total)
	u.GPUs.Percent = percent(u.GPUs.Used, u.GPUs.Total)
	u.Nodes.Percent = percent(u.Nodes.Busy, u.Nodes.Total)
	for name, pc := range u.PartitionCPUs {
		pc.Percent = percent(pc.Used, pc.Total)
		u.PartitionCPUs[name] = pc
	}
	return u
}

// ParseJobCounts counts running and pending jobs from JobCountsCommand output.
func ParseJobCounts(out string) (running, pending int) {
	for _, line := range strings.Split(out, "\n") {
		switch JobState(strings.TrimSpace(line)) {
		case StateRunning:
			running++
		case StatePending:
			pending++
		}
	}
	return running, pending
}

// ParseFairshare extracts the fairshare factor from sshare output. The first
// parseable value wins; missing output yields zero.
func ParseFairshare(out string) float64 {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if f, err := strconv.ParseFloat(line, 64); err == nil {
			return f
		}
	}
	return 0
}

// parseCPUsState parses sinfo's A/I/O/T CPU field.
func parseCPUsState(s string) (alloc, total int) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return 0, 0
	}
	alloc, _ = strconv.Atoi(parts[0])
	total, _ = strconv.Atoi(parts[3])
	return alloc, total
}

// gresGPUCount sums GPU counts in a gres string such as "gpu:a100:4" or
// "gpu:a100:2(IDX:0-1)". Non-GPU gres and "(null)" contribute zero.
func gresGPUCount(gres string) int {
	total := 0
	for _, part := range strings.Split(gres, ",") {
		if !strings.HasPrefix(part, "gpu") {
			continue
		}
		segs := strings.Split(part, ":")
		countStr := segs[len(segs)-1]
		if idx := strings.Index(countStr, "("); idx >= 0 {
			countStr = countStr[:idx]
		}
		n, err := strconv.Atoi(countStr)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// nodeStateClass folds sinfo state strings into idle/busy/down buckets.
func nodeStateClass(state string) string {
	s := strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(state, "*"), "~"))
	switch {
	case strings.HasPrefix(s, "idle"):
		return "idle"
	case strings.HasPrefix(s, "down"), strings.HasPrefix(s, "drain"),
		strings.HasPrefix(s, "fail"), strings.HasPrefix(s, "maint"),
		strings.HasPrefix(s, "unk"):
		return "down"
	default:
		return "busy"
	}
}

func percent(used, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(int(float64(used)/float64(total)*1000+0.5)) / 10
}
