package scheduler

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/empower1/fabric/internal/cluster"
)

// TaskContext is handed to every TaskFunc. It carries the attempt's
// cancellation context plus the accumulator sidecar the attempt may
// increment; the sidecar travels back with the result and is merged into
// the job only if the attempt succeeds.
type TaskContext struct {
	context.Context

	mu     sync.Mutex
	accums Accumulators
}

// Add increments the named accumulator by delta.
func (tc *TaskContext) Add(name string, delta int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.accums == nil {
		tc.accums = make(Accumulators)
	}
	tc.accums[name] += delta
}

func (tc *TaskContext) snapshot() Accumulators {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.accums) == 0 {
		return nil
	}
	out := make(Accumulators, len(tc.accums))
	for k, v := range tc.accums {
		out[k] = v
	}
	return out
}

// TaskFunc is a task body. Arguments arrive as the raw attachment buffers
// the driver supplied; the returned bytes travel back to the driver the
// same way, without re-encoding.
type TaskFunc func(tc *TaskContext, args [][]byte) ([]byte, error)

// Registry maps method identifiers to task bodies. Driver and workers must
// agree on it out of band; tasks carry only the method name over the wire.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]TaskFunc
}

// NewRegistry returns an empty method registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]TaskFunc)}
}

// Register installs fn under method, replacing any previous registration.
func (r *Registry) Register(method string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[method] = fn
}

func (r *Registry) lookup(method string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[method]
	return fn, ok
}

type runTaskRequest struct {
	Method    string
	AttemptID string
}

// runTaskResponse is the control part of a run_task reply; the result
// bytes themselves ride as an attachment when HasResult is set.
type runTaskResponse struct {
	Accums    Accumulators
	ErrMsg    string
	Cancelled bool
	HasResult bool
}

type cancelTaskRequest struct {
	AttemptID string
}

// Executor is the "tasks" cluster.Service: the worker-side half of the
// scheduler's run_task contract. It executes registered task bodies and
// supports cooperative per-attempt cancellation.
type Executor struct {
	reg *Registry
	log *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor registers an Executor serving reg's methods on node.
func NewExecutor(node *cluster.Node, reg *Registry, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Executor{
		reg:     reg,
		log:     log,
		running: make(map[string]context.CancelFunc),
	}
	node.RegisterService(e)
	return e
}

// Name implements cluster.Service.
func (e *Executor) Name() string { return "tasks" }

// Handle implements cluster.Service.
func (e *Executor) Handle(ctx context.Context, from *cluster.Peer, method string, payload []byte, buffers [][]byte) ([]byte, [][]byte, error) {
	switch method {
	case "run_task":
		var req runTaskRequest
		if err := decode(payload, &req); err != nil {
			return nil, nil, err
		}
		return e.runTask(ctx, req, buffers)

	case "cancel_task":
		var req cancelTaskRequest
		if err := decode(payload, &req); err != nil {
			return nil, nil, err
		}
		e.mu.Lock()
		if cancel, ok := e.running[req.AttemptID]; ok {
			cancel()
		}
		e.mu.Unlock()
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

func (e *Executor) runTask(ctx context.Context, req runTaskRequest, args [][]byte) ([]byte, [][]byte, error) {
	fn, ok := e.reg.lookup(req.Method)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.running[req.AttemptID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, req.AttemptID)
		e.mu.Unlock()
	}()

	tc := &TaskContext{Context: runCtx}
	value, err := fn(tc, args)

	resp := runTaskResponse{Accums: tc.snapshot()}
	var outBuffers [][]byte
	switch {
	case runCtx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		resp.Cancelled = true
	case err != nil:
		e.log.Debugw("task body failed", "method", req.Method, "attempt", req.AttemptID, "err", err)
		resp.ErrMsg = err.Error()
	default:
		resp.HasResult = true
		outBuffers = [][]byte{value}
	}

	payload, encErr := encode(resp)
	if encErr != nil {
		return nil, nil, encErr
	}
	return payload, outBuffers, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("scheduler: encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("scheduler: decoding %T: %w", v, err)
	}
	return nil
}
