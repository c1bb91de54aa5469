package cluster

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

// ExecFunc runs one command on one cluster through the SSH queue.
type ExecFunc func(ctx context.Context, cluster, command string) (string, error)

// Refresher re-reads partition limits from the clusters. It runs at start-up
// and on demand; a failed refresh leaves the existing rows in place.
type Refresher struct {
	exec     ExecFunc
	store    *PartitionStore
	clusters func() []string
}

func NewRefresher(exec ExecFunc, store *PartitionStore, clusters func() []string) *Refresher {
	return &Refresher{exec: exec, store: store, clusters: clusters}
}

// RefreshAll refreshes every configured cluster in parallel.
func (r *Refresher) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range r.clusters() {
		wg.Add(1)
		go func(cluster string) {
			defer wg.Done()
			if err := r.RefreshCluster(ctx, cluster); err != nil {
				log.Printf("Partition refresh for %s failed, keeping previous limits: %v", cluster, err)
			}
		}(name)
	}
	wg.Wait()
}

// RefreshCluster refreshes one cluster: inspect partitions, attach GPU gres
// for partitions that carry GPUs, upsert everything and drop partitions that
// disappeared.
func (r *Refresher) RefreshCluster(ctx context.Context, cluster string) error {
	out, err := r.exec(ctx, cluster, slurm.PartitionCommand())
	if err != nil {
		return err
	}
	parts := slurm.ParsePartitions(out)
	if len(parts) == 0 {
		log.Printf("Partition refresh for %s returned nothing, keeping previous limits", cluster)
		return nil
	}

	var gres map[string]slurm.GresInfo
	for _, p := range parts {
		if strings.Contains(strings.ToLower(p.Name), "gpu") {
			gresOut, err := r.exec(ctx, cluster, slurm.GresCommand())
			if err != nil {
				log.Printf("Gres inspection for %s failed: %v", cluster, err)
			} else {
				gres = slurm.ParseGres(gresOut)
			}
			break
		}
	}

	keep := make(map[string]bool, len(parts))
	for _, p := range parts {
		if info, ok := gres[p.Name]; ok {
			p.GPUType = info.Type
			p.GPUCount = info.Count
		}
		r.store.Upsert(cluster, p)
		keep[p.Name] = true
	}
	r.store.DeleteStale(cluster, keep)

	log.Printf("Partition limits refreshed for %s (%d partitions)", cluster, len(parts))
	return nil
}
