package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/empower1/fabric/internal/cluster"
)

const cancelAttemptTimeout = 5 * time.Second

// Worker is a placement target for tasks: a name, the IPs it listens on
// (for locality hints), and the ability to run one task attempt at the
// scheduler's request.
type Worker interface {
	Name() string
	IPAddresses() map[string]struct{}

	runTask(ctx context.Context, method, attemptID string, args [][]byte) *future
	cancelAttempt(attemptID string)
}

// ClusterWorkers wraps every currently connected worker-type peer of n as
// a Worker the scheduler can dispatch to.
func ClusterWorkers(n *cluster.Node) []Worker {
	peers := n.PeersByType("worker")
	out := make([]Worker, len(peers))
	for i, p := range peers {
		out[i] = &peerWorker{peer: p}
	}
	return out
}

// peerWorker runs task attempts on a remote node through the cluster
// transport's "tasks" service. Task arguments and results ride as raw
// attachments so pre-serialized payloads aren't re-encoded.
type peerWorker struct {
	peer *cluster.Peer
}

func (w *peerWorker) Name() string { return w.peer.Name() }

func (w *peerWorker) IPAddresses() map[string]struct{} { return w.peer.IPs() }

func (w *peerWorker) runTask(ctx context.Context, method, attemptID string, args [][]byte) *future {
	callCtx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	go func() {
		payload, err := encode(runTaskRequest{Method: method, AttemptID: attemptID})
		if err != nil {
			f.complete(taskResult{err: err})
			return
		}
		respPayload, buffers, err := w.peer.Call(callCtx, "tasks", "run_task", payload, args...)
		if err != nil {
			if callCtx.Err() != nil {
				f.complete(taskResult{err: ErrTaskCancelled})
				return
			}
			f.complete(taskResult{err: fmt.Errorf("%w: invoking %s on %s: %v", ErrTaskFailed, method, w.peer.Name(), err)})
			return
		}
		var resp runTaskResponse
		if err := decode(respPayload, &resp); err != nil {
			f.complete(taskResult{err: fmt.Errorf("%w: %v", ErrTaskFailed, err)})
			return
		}
		switch {
		case resp.Cancelled:
			f.complete(taskResult{err: ErrTaskCancelled})
		case resp.ErrMsg != "":
			f.complete(taskResult{err: fmt.Errorf("%w: %s on %s: %s", ErrTaskFailed, method, w.peer.Name(), resp.ErrMsg)})
		default:
			var value []byte
			if resp.HasResult && len(buffers) > 0 {
				value = buffers[0]
			}
			f.complete(taskResult{value: value, accums: resp.Accums})
		}
	}()
	return f
}

func (w *peerWorker) cancelAttempt(attemptID string) {
	go func() {
		payload, err := encode(cancelTaskRequest{AttemptID: attemptID})
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cancelAttemptTimeout)
		defer cancel()
		_, _, _ = w.peer.Call(ctx, "tasks", "cancel_task", payload)
	}()
}

// LocalWorker runs task attempts in-process against a Registry, so a job can
// run without a cluster; the scheduler tests use it that way. The fabricd
// driver does not use one: it dispatches only to ClusterWorkers.
type LocalWorker struct {
	name string
	ips  map[string]struct{}
	reg  *Registry

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewLocalWorker returns an in-process Worker named name serving reg's
// methods.
func NewLocalWorker(name string, reg *Registry) *LocalWorker {
	return &LocalWorker{
		name:    name,
		ips:     map[string]struct{}{"127.0.0.1": {}},
		reg:     reg,
		running: make(map[string]context.CancelFunc),
	}
}

// Name implements Worker.
func (w *LocalWorker) Name() string { return w.name }

// IPAddresses implements Worker.
func (w *LocalWorker) IPAddresses() map[string]struct{} { return w.ips }

func (w *LocalWorker) runTask(ctx context.Context, method, attemptID string, args [][]byte) *future {
	runCtx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	w.mu.Lock()
	w.running[attemptID] = cancel
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.running, attemptID)
			w.mu.Unlock()
		}()

		fn, ok := w.reg.lookup(method)
		if !ok {
			f.complete(taskResult{err: fmt.Errorf("%w: %q", ErrUnknownMethod, method)})
			return
		}
		tc := &TaskContext{Context: runCtx}
		value, err := fn(tc, args)
		switch {
		case runCtx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
			f.complete(taskResult{err: ErrTaskCancelled})
		case err != nil:
			f.complete(taskResult{err: fmt.Errorf("%w: %s on %s: %v", ErrTaskFailed, method, w.name, err)})
		default:
			f.complete(taskResult{value: value, accums: tc.snapshot()})
		}
	}()
	return f
}

func (w *LocalWorker) cancelAttempt(attemptID string) {
	w.mu.Lock()
	if cancel, ok := w.running[attemptID]; ok {
		cancel()
	}
	w.mu.Unlock()
}
