package session

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/cluster"
	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

// LaunchRequest is one job submission as received from the API layer.
type LaunchRequest struct {
	User           string `json:"user"`
	Cluster        string `json:"hpc"`
	IDE            string `json:"ide"`
	CPUs           int    `json:"cpus"`
	Memory         string `json:"memory"`
	Walltime       string `json:"walltime"`
	GPU            string `json:"gpu"`
	Account        string `json:"account"`
	ReleaseVersion string `json:"release_version"`
}

// Pipeline runs the launch and stop flows. Each flow takes the operation
// lock for its session key, so a launch and a stop for the same session
// never interleave.
type Pipeline struct {
	State      *Manager
	Partitions *cluster.PartitionStore
	exec       ExecFunc
	fastPoll   func()
}

// NewPipeline wires the pipeline. fastPoll re-arms the job poller after a
// submission; pass a no-op when no poller is running.
func NewPipeline(state *Manager, partitions *cluster.PartitionStore, exec ExecFunc, fastPoll func()) *Pipeline {
	if fastPoll == nil {
		fastPoll = func() {}
	}
	return &Pipeline{State: state, Partitions: partitions, exec: exec, fastPoll: fastPoll}
}

// Launch validates the request, submits the batch job and moves the session
// to pending. On submit failure the session stays idle with the error
// recorded.
func (p *Pipeline) Launch(ctx context.Context, req LaunchRequest) (Session, error) {
	applyDefaults(&req)
	if err := validateRequest(req); err != nil {
		return Session{}, err
	}
	key := Key{User: req.User, Cluster: req.Cluster, IDE: req.IDE}

	lock := "launch:" + key.String()
	if err := p.State.Acquire(lock); err != nil {
		return Session{}, err
	}
	defer p.State.Release(lock)

	sess := p.State.Store.GetOrCreate(key, Session{})
	if sess.Active() {
		return sess, apperror.Newf(apperror.Validation, "session %s already has job %s", sess.SessionKey, sess.JobID)
	}

	if req.Account == "" {
		acct, err := p.State.FetchUserAccount(ctx, req.User)
		if err != nil {
			log.Printf("Launch %s: no scheduler account resolved: %v", key, err)
		} else {
			req.Account = acct
		}
	}

	clusterCfg, _ := config.GetCluster(req.Cluster)
	partition, gres := placement(clusterCfg, req.GPU)
	if limits, err := p.Partitions.Get(req.Cluster, partition); err == nil {
		if err := validateAgainstPartition(req, limits); err != nil {
			return sess, err
		}
	}

	token := ""
	if req.IDE != IDERStudio {
		token = uuid.NewString()
	}

	script := slurm.BuildBatchScript(slurm.SubmitSpec{
		IDE:       req.IDE,
		CPUs:      req.CPUs,
		Memory:    req.Memory,
		Walltime:  req.Walltime,
		Partition: partition,
		Account:   req.Account,
		Gres:      gres,
		Token:     token,
		Image:     clusterCfg.ImagePath,
		BindPaths: clusterCfg.BindPaths,
		LibPaths:  clusterCfg.LibPaths,
		Release:   req.ReleaseVersion,
	})

	out, err := p.exec(ctx, req.Cluster, slurm.SubmitCommand(script))
	if err != nil {
		p.recordSubmitFailure(key, err)
		return sess, apperror.Wrap(apperror.Job, "job submission failed", err)
	}
	jobID, err := slurm.ParseSubmitOutput(out)
	if err != nil {
		p.recordSubmitFailure(key, err)
		return sess, apperror.Wrap(apperror.Job, "job submission returned no job id", err)
	}

	now := time.Now()
	sess, err = p.State.Store.Update(key.String(), func(s *Session) {
		s.CPUs = req.CPUs
		s.Memory = req.Memory
		s.Walltime = req.Walltime
		s.GPU = req.GPU
		s.Account = req.Account
		s.ReleaseVersion = req.ReleaseVersion
		s.Status = StatusPending
		s.JobID = jobID
		s.Node = ""
		s.Token = token
		s.SubmittedAt = &now
		s.StartedAt = nil
		s.Error = ""
	})
	if err != nil {
		return sess, err
	}

	p.State.SetActivePointer(&ActivePointer{User: req.User, HPC: req.Cluster, IDE: req.IDE})
	p.fastPoll()
	log.Printf("Launched %s as job %s on %s", key, jobID, req.Cluster)
	return sess, nil
}

// Stop cancels the session's job, if any, and archives the session.
func (p *Pipeline) Stop(ctx context.Context, sessionKey string) error {
	lock := "stop:" + sessionKey
	if err := p.State.Acquire(lock); err != nil {
		return err
	}
	defer p.State.Release(lock)

	sess, err := p.State.Store.Get(sessionKey)
	if err != nil {
		return err
	}

	if sess.JobID != "" {
		if _, err := p.exec(ctx, sess.HPC, slurm.CancelCommand(sess.JobID)); err != nil {
			// the job may already be gone; clearing proceeds either way
			log.Printf("Stop %s: scancel %s failed: %v", sessionKey, sess.JobID, err)
		}
	}
	return p.State.ClearSession(sessionKey, ClearOptions{EndReason: "cancelled"})
}

func (p *Pipeline) recordSubmitFailure(key Key, cause error) {
	if _, err := p.State.Store.Update(key.String(), func(s *Session) {
		s.Status = StatusIdle
		s.JobID = ""
		s.Error = cause.Error()
	}); err != nil {
		log.Printf("Launch %s: cannot record failure: %v", key, err)
	}
}

func applyDefaults(req *LaunchRequest) {
	if req.Cluster == "" {
		req.Cluster = config.Cfg.DefaultHPC
	}
	if req.IDE == "" {
		req.IDE = config.Cfg.DefaultIDE
	}
	if req.CPUs == 0 {
		req.CPUs = config.Cfg.DefaultCPUs
	}
	if req.Memory == "" {
		req.Memory = config.Cfg.DefaultMem
	}
	if req.Walltime == "" {
		req.Walltime = config.Cfg.DefaultTime
	}
	if req.GPU == "" {
		req.GPU = GPUNone
	}
}

// placement picks the partition and gres for a request: the cluster's GPU
// block for GPU jobs, the configured CPU partition otherwise.
func placement(clusterCfg config.Cluster, gpu string) (partition, gres string) {
	if gpu != GPUNone {
		if block, ok := clusterCfg.GPUs[gpu]; ok {
			return block.Partition, block.Gres
		}
		return clusterCfg.Partition, "gpu:" + gpu + ":1"
	}
	return clusterCfg.Partition, ""
}
