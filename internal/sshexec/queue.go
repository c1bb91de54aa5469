package sshexec

import (
	"context"
	"sync"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
)

// Op is one queued SSH operation.
type Op func(ctx context.Context) (string, error)

// Queue serialises SSH operations per cluster. Each cluster has a tail;
// enqueueing chains the new operation after the current tail and stores the
// new tail regardless of the operation's outcome, so a failing operation
// surfaces to its caller but never poisons the queue. Different clusters
// run in parallel; within one cluster order is strictly FIFO.
type Queue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewQueue() *Queue {
	return &Queue{tails: make(map[string]chan struct{})}
}

// Do runs op after every previously-enqueued operation for the cluster has
// finished. If ctx is cancelled while waiting, the chain stays intact and
// the caller gets a cancellation error.
func (q *Queue) Do(ctx context.Context, cluster string, op Op) (string, error) {
	q.mu.Lock()
	prev := q.tails[cluster]
	done := make(chan struct{})
	q.tails[cluster] = done
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep the chain intact: release our slot only once the
			// predecessor finishes, otherwise a successor could overlap it.
			go func() {
				<-prev
				close(done)
			}()
			return "", apperror.Wrap(apperror.Ssh, "queued operation cancelled", ctx.Err())
		}
	}
	defer close(done)

	return op(ctx)
}

// Executor binds a Queue to a Manager, yielding the single sshExec function
// injected into pollers and refreshers: run one command on one cluster,
// serialised against everything else touching that cluster.
type Executor struct {
	Manager *Manager
	Queue   *Queue
}

func NewExecutor(mgr *Manager) *Executor {
	return &Executor{Manager: mgr, Queue: NewQueue()}
}

// Run executes command on cluster through the queue.
func (e *Executor) Run(ctx context.Context, cluster, command string) (string, error) {
	return e.Queue.Do(ctx, cluster, func(ctx context.Context) (string, error) {
		return e.Manager.Exec(ctx, cluster, command)
	})
}
