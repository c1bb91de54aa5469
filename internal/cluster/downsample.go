package cluster

import (
	"sort"

	"github.com/hpcdesk/hpcdesk/internal/database"
)

// DownsampleHourly reduces health samples to one entry per hour. Entries are
// bucketed on the UTC hour; each output carries the median of every metric,
// the middle entry's timestamp and the summed sample count. Applying it to
// its own output is a no-op, so re-downsampling a merged archive is safe.
func DownsampleHourly(entries []database.ClusterHealthArchive) []database.ClusterHealthArchive {
	buckets := make(map[string][]database.ClusterHealthArchive)
	var order []string
	for _, e := range entries {
		key := e.HPC + "|" + e.Timestamp.UTC().Format("2006-01-02T15")
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], e)
	}

	out := make([]database.ClusterHealthArchive, 0, len(order))
	for _, key := range order {
		group := buckets[key]
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })

		mid := group[len(group)/2]
		samples := 0
		for _, e := range group {
			if e.SampleCount > 0 {
				samples += e.SampleCount
			} else {
				samples++
			}
		}

		out = append(out, database.ClusterHealthArchive{
			HPC:            mid.HPC,
			Date:           mid.Timestamp.UTC().Format("2006-01-02"),
			Timestamp:      mid.Timestamp,
			CPUPercent:     median(group, func(e database.ClusterHealthArchive) float64 { return e.CPUPercent }),
			MemoryPercent:  median(group, func(e database.ClusterHealthArchive) float64 { return e.MemoryPercent }),
			NodePercent:    median(group, func(e database.ClusterHealthArchive) float64 { return e.NodePercent }),
			GPUPercent:     median(group, func(e database.ClusterHealthArchive) float64 { return e.GPUPercent }),
			RunningJobs:    int(median(group, func(e database.ClusterHealthArchive) float64 { return float64(e.RunningJobs) })),
			PendingJobs:    int(median(group, func(e database.ClusterHealthArchive) float64 { return float64(e.PendingJobs) })),
			A100CPUPercent: medianPtr(group, func(e database.ClusterHealthArchive) *float64 { return e.A100CPUPercent }),
			V100CPUPercent: medianPtr(group, func(e database.ClusterHealthArchive) *float64 { return e.V100CPUPercent }),
			SampleCount:    samples,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].HPC != out[j].HPC {
			return out[i].HPC < out[j].HPC
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func median(group []database.ClusterHealthArchive, metric func(database.ClusterHealthArchive) float64) float64 {
	vals := make([]float64, len(group))
	for i, e := range group {
		vals[i] = metric(e)
	}
	return medianOf(vals)
}

// medianPtr computes the median over entries that have the metric; nil when
// none do.
func medianPtr(group []database.ClusterHealthArchive, metric func(database.ClusterHealthArchive) *float64) *float64 {
	var vals []float64
	for _, e := range group {
		if v := metric(e); v != nil {
			vals = append(vals, *v)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	m := medianOf(vals)
	return &m
}

func medianOf(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
