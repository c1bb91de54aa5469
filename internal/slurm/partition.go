package slurm

import (
	"fmt"
	"strconv"
	"strings"
)

// unlimitedMaxTime caps partitions that report MaxTime=UNLIMITED.
const unlimitedMaxTime = "14-00:00:00"

// PartitionInfo is one parsed line of `scontrol show partition -o`.
// MaxCPUs and MaxMemMB are nil when the cluster reports UNLIMITED and no
// per-node value can be derived (TotalNodes of zero).
type PartitionInfo struct {
	Name              string
	IsDefault         bool
	MaxCPUs           *int
	MaxMemMB          *int
	MaxTime           string
	DefaultTime       string
	TotalCPUs         int
	TotalNodes        int
	TotalMemMB        int
	GPUCount          int
	GPUType           string
	Restricted        bool
	RestrictionReason string
}

// PartitionCommand is the partition inspector run per cluster on refresh.
func PartitionCommand() string {
	return "scontrol show partition -o"
}

// GresCommand lists per-partition generic resources (GPU types and counts).
func GresCommand() string {
	return "sinfo -O 'partition,gres' -h"
}

// ParsePartitions parses the full multi-line output of PartitionCommand.
func ParsePartitions(out string) []PartitionInfo {
	var parts []PartitionInfo
	for _, line := range strings.Split(out, "\n") {
		if p, ok := ParsePartitionLine(line); ok {
			parts = append(parts, p)
		}
	}
	return parts
}

// ParsePartitionLine parses one key=value line of partition output.
func ParsePartitionLine(line string) (PartitionInfo, bool) {
	fields := splitKeyValues(line)
	name, ok := fields["PartitionName"]
	if !ok || name == "" {
		return PartitionInfo{}, false
	}

	p := PartitionInfo{
		Name:      name,
		IsDefault: fields["Default"] == "YES",
	}

	p.TotalCPUs, _ = strconv.Atoi(fields["TotalCPUs"])
	p.TotalNodes, _ = strconv.Atoi(fields["TotalNodes"])
	p.TotalMemMB = tresMemMB(fields["TRES"])

	p.MaxCPUs = perNodeValue(fields["MaxCPUsPerNode"], p.TotalCPUs, p.TotalNodes)
	p.MaxMemMB = perNodeValue(fields["MaxMemPerNode"], p.TotalMemMB, p.TotalNodes)

	p.MaxTime = fields["MaxTime"]
	if p.MaxTime == "UNLIMITED" {
		p.MaxTime = unlimitedMaxTime
	}
	p.DefaultTime = fields["DefaultTime"]
	if p.DefaultTime == "NONE" {
		p.DefaultTime = ""
	}

	if allow := fields["AllowAccounts"]; allow != "" && allow != "ALL" {
		p.Restricted = true
		p.RestrictionReason = "restricted to accounts: " + allow
	}
	if deny := fields["DenyAccounts"]; deny != "" {
		p.Restricted = true
		if p.RestrictionReason != "" {
			p.RestrictionReason += "; "
		}
		p.RestrictionReason += "denied to accounts: " + deny
	}

	return p, true
}

// perNodeValue resolves MaxCPUsPerNode / MaxMemPerNode. An explicit number
// is taken as-is; UNLIMITED derives floor(total/nodes); zero nodes means the
// value cannot be derived and nil is returned.
func perNodeValue(raw string, total, nodes int) *int {
	if raw == "" {
		return nil
	}
	if raw == "UNLIMITED" {
		if nodes <= 0 || total <= 0 {
			return nil
		}
		v := total / nodes
		return &v
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// tresMemMB extracts the memory total in MB from a TRES string such as
// "cpu=440,mem=640000M,node=10".
func tresMemMB(tres string) int {
	for _, part := range strings.Split(tres, ",") {
		if !strings.HasPrefix(part, "mem=") {
			continue
		}
		val := strings.TrimPrefix(part, "mem=")
		mult := 1.0
		switch {
		case strings.HasSuffix(val, "T"):
			mult, val = 1024*1024, strings.TrimSuffix(val, "T")
		case strings.HasSuffix(val, "G"):
			mult, val = 1024, strings.TrimSuffix(val, "G")
		case strings.HasSuffix(val, "M"):
			val = strings.TrimSuffix(val, "M")
		}
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return int(n * mult)
	}
	return 0
}

// splitKeyValues tokenises a scontrol -o line into its key=value fields.
func splitKeyValues(line string) map[string]string {
	fields := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		if idx := strings.Index(tok, "="); idx > 0 {
			fields[tok[:idx]] = tok[idx+1:]
		}
	}
	return fields
}

// Serialize re-emits the partition as a scontrol-style line. Parsing the
// result yields the same PartitionInfo (parse/serialise idempotency).
func (p PartitionInfo) Serialize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PartitionName=%s", p.Name)
	if p.IsDefault {
		b.WriteString(" Default=YES")
	}
	if p.MaxCPUs != nil {
		fmt.Fprintf(&b, " MaxCPUsPerNode=%d", *p.MaxCPUs)
	}
	if p.MaxMemMB != nil {
		fmt.Fprintf(&b, " MaxMemPerNode=%d", *p.MaxMemMB)
	}
	if p.MaxTime != "" {
		fmt.Fprintf(&b, " MaxTime=%s", p.MaxTime)
	}
	if p.DefaultTime != "" {
		fmt.Fprintf(&b, " DefaultTime=%s", p.DefaultTime)
	}
	fmt.Fprintf(&b, " TotalCPUs=%d TotalNodes=%d TRES=cpu=%d,mem=%dM,node=%d",
		p.TotalCPUs, p.TotalNodes, p.TotalCPUs, p.TotalMemMB, p.TotalNodes)
	if p.Restricted {
		reason := p.RestrictionReason
		if after, ok := strings.CutPrefix(reason, "restricted to accounts: "); ok {
			if idx := strings.Index(after, ";"); idx >= 0 {
				after = after[:idx]
			}
			fmt.Fprintf(&b, " AllowAccounts=%s", strings.TrimSpace(after))
		}
		if idx := strings.Index(reason, "denied to accounts: "); idx >= 0 {
			fmt.Fprintf(&b, " DenyAccounts=%s", strings.TrimSpace(reason[idx+len("denied to accounts: "):]))
		}
	} else {
		b.WriteString(" AllowAccounts=ALL")
	}
	return b.String()
}

// GresInfo is the GPU type and count for one partition.
type GresInfo struct {
	Type  string
	Count int
}

// ParseGres parses `sinfo -O 'partition,gres' -h` output into a map keyed by
// partition name. A trailing "*" (default partition marker) is stripped.
// Gres values look like "gpu:a100:4" or "gpu:4"; "(null)" means none.
func ParseGres(out string) map[string]GresInfo {
	result := make(map[string]GresInfo)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[0], "*")
		gres := fields[1]
		if !strings.HasPrefix(gres, "gpu") {
			continue
		}
		parts := strings.Split(gres, ":")
		info := GresInfo{}
		switch len(parts) {
		case 2:
			info.Count, _ = strconv.Atoi(parts[1])
		case 3:
			info.Type = parts[1]
			// count may carry a suffix like "4(S:0-1)"
			countStr := parts[2]
			if idx := strings.IndexAny(countStr, "( "); idx >= 0 {
				countStr = countStr[:idx]
			}
			info.Count, _ = strconv.Atoi(countStr)
		default:
			continue
		}
		if info.Count > 0 {
			result[name] = info
		}
	}
	return result
}
