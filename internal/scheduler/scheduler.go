// Package scheduler executes jobs as ordered lists of stages. Within a
// stage, tasks are placed on workers honoring preferred/allowed hints with
// per-worker concurrency bounded by a counting semaphore, results are
// yielded strictly in task order regardless of completion order, failed
// attempts are retried up to a configured cap, and cancellation cascades
// Job -> Stage -> Task -> pending attempt.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var jobIDs atomic.Int64

// TaskResult pairs one task's outcome with its index within its stage.
// Within a stage results arrive in task-index order; Err is set at most
// once per job, on the result that terminally failed it. Results delivered
// before a failure remain valid.
type TaskResult struct {
	TaskID int
	Value  []byte
	Err    error
}

// Job is an ordered list of stages submitted by the driver.
type Job struct {
	lifecycle

	ID   int64
	Name string

	attempts int
	log      *zap.SugaredLogger

	stages []*Stage

	accMu  sync.Mutex
	accums Accumulators
}

// NewJob creates an empty job. attempts is the per-task attempt cap
// (1 = no retry).
func NewJob(name string, attempts int, log *zap.SugaredLogger) *Job {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Job{
		ID:       jobIDs.Add(1),
		Name:     name,
		attempts: attempts,
		log:      log,
		accums:   make(Accumulators),
	}
}

// AddStage appends a new empty stage and returns it.
func (j *Job) AddStage() *Stage {
	s := &Stage{ID: len(j.stages), job: j}
	j.stages = append(j.stages, s)
	return s
}

// Stages returns the job's stages in execution order.
func (j *Job) Stages() []*Stage { return j.stages }

// Accumulators returns a snapshot of the counters merged from successful
// task attempts so far.
func (j *Job) Accumulators() Accumulators {
	j.accMu.Lock()
	defer j.accMu.Unlock()
	out := make(Accumulators, len(j.accums))
	for k, v := range j.accums {
		out[k] = v
	}
	return out
}

func (j *Job) mergeAccums(a Accumulators) {
	if len(a) == 0 {
		return
	}
	j.accMu.Lock()
	j.accums.Merge(a)
	j.accMu.Unlock()
}

// Execute runs the job's stages in order against workers, delivering every
// task's result on the returned channel in task order. A stage must drain
// completely before the next stage dispatches. The last stage runs
// one-by-one unless eager is set; every other stage is always eager. On a
// terminal failure the failing TaskResult carries Err and the channel
// closes; earlier results remain valid.
func (j *Job) Execute(ctx context.Context, workers []Worker, eager bool) <-chan TaskResult {
	out := make(chan TaskResult)
	go func() {
		defer close(out)
		j.signalStart()
		j.log.Infow("executing job", "job", j.ID, "name", j.Name, "stages", len(j.stages))

		defer func() {
			for _, s := range j.stages {
				if !s.terminal() {
					s.Cancel()
				}
			}
			j.signalStop()
		}()

		for i, s := range j.stages {
			if j.State() != StateRunning {
				break
			}
			stageEager := eager || i != len(j.stages)-1
			j.log.Infow("executing stage", "job", j.ID, "stage", s.ID, "tasks", len(s.tasks), "eager", stageEager)
			if err := s.execute(ctx, workers, stageEager, out); err != nil {
				break
			}
		}
	}()
	return out
}

// Cancel cancels the job and every stage under it.
func (j *Job) Cancel() {
	if !j.markCancelled() {
		return
	}
	for _, s := range j.stages {
		s.Cancel()
	}
}

// Stage is a contiguous set of tasks with no intra-set dependency.
type Stage struct {
	lifecycle

	ID    int
	job   *Job
	tasks []*Task
}

// Job returns the owning job.
func (s *Stage) Job() *Job { return s.job }

// Tasks returns the stage's tasks in index order.
func (s *Stage) Tasks() []*Task { return s.tasks }

// AddTask appends a task invoking method with args on one of the hinted
// workers. preferred is a locality hint; allowed, when non-empty, is a
// hard constraint on placement.
func (s *Stage) AddTask(method string, args [][]byte, preferred, allowed []string) *Task {
	t := &Task{
		ID:        len(s.tasks),
		stage:     s,
		Method:    method,
		args:      args,
		preferred: preferred,
		allowed:   allowed,
	}
	s.tasks = append(s.tasks, t)
	return t
}

// Cancel cancels the stage and every task under it.
func (s *Stage) Cancel() {
	if !s.markCancelled() {
		return
	}
	for _, t := range s.tasks {
		t.Cancel()
	}
}

func (s *Stage) execute(ctx context.Context, workers []Worker, eager bool, out chan<- TaskResult) error {
	s.signalStart()
	defer func() {
		for _, t := range s.tasks {
			if !t.terminal() {
				t.Cancel()
			}
		}
		s.signalStop()
	}()

	if len(s.tasks) == 0 {
		return nil
	}
	if len(workers) == 0 {
		out <- TaskResult{TaskID: 0, Err: ErrNoWorkers}
		return ErrNoWorkers
	}
	if eager {
		return s.executeEagerly(ctx, workers, out)
	}
	return s.executeOneByOne(ctx, workers, out)
}

// executeEagerly dispatches every task as soon as a permit and an eligible
// worker are free, while yielding results in task order: when there is
// still work to dispatch the head of the yield queue is checked without
// blocking, otherwise the loop just blocks on it.
func (s *Stage) executeEagerly(ctx context.Context, workers []Worker, out chan<- TaskResult) error {
	byName := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byName[w.Name()] = w
	}

	occupied := make(map[string]struct{}, len(workers))
	sem := semaphore.NewWeighted(int64(len(workers)))
	completions := make(chan string, len(s.tasks)*s.job.attempts+len(workers))

	// toSchedule is popped from the tail, so reversed task order puts task
	// 0 on top; toYield drains from the front in task order.
	toSchedule := make([]*Task, len(s.tasks))
	for i, t := range s.tasks {
		toSchedule[len(s.tasks)-1-i] = t
	}
	toYield := append([]*Task(nil), s.tasks...)

	reap := func() {
		for {
			select {
			case name := <-completions:
				delete(occupied, name)
			default:
				return
			}
		}
	}
	start := func(w Worker, t *Task) {
		occupied[w.Name()] = struct{}{}
		fut := t.execute(ctx, w)
		go func(name string) {
			<-fut.doneCh()
			sem.Release(1)
			completions <- name
		}(w.Name())
	}
	fail := func(t *Task, err error) error {
		out <- TaskResult{TaskID: t.ID, Err: err}
		return err
	}

	for len(toYield) > 0 {
		reap()

		if len(toSchedule) > 0 {
			if err := sem.Acquire(ctx, 1); err != nil {
				return fail(toYield[0], err)
			}
			reap()
			t := toSchedule[len(toSchedule)-1]
			toSchedule = toSchedule[:len(toSchedule)-1]
			if w := pickWorker(t, workers, byName, occupied); w != nil {
				start(w, t)
			} else {
				sem.Release(1)
				if len(t.candidates(workers, byName)) == 0 {
					return fail(t, ErrNoWorkers)
				}
				// every candidate is busy; park the task at the bottom of
				// the stack and wait for some task to finish
				toSchedule = append([]*Task{t}, toSchedule...)
				if len(occupied) == 0 {
					continue
				}
				select {
				case name := <-completions:
					delete(occupied, name)
				case <-ctx.Done():
					return fail(toYield[0], ctx.Err())
				}
				continue
			}
		}

		head := toYield[0]
		if !head.started() {
			continue
		}
		if len(toSchedule) > 0 {
			if !head.fut.isDone() {
				continue
			}
		} else {
			select {
			case <-head.fut.doneCh():
			case <-ctx.Done():
				return fail(head, ctx.Err())
			}
		}

		retry, err := s.settle(head, out)
		if err != nil {
			return err
		}
		if retry {
			toSchedule = append(toSchedule, head)
		} else {
			toYield = toYield[1:]
		}
	}
	return nil
}

// executeOneByOne dispatches each task in order and waits for its result
// before the next starts.
func (s *Stage) executeOneByOne(ctx context.Context, workers []Worker, out chan<- TaskResult) error {
	byName := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byName[w.Name()] = w
	}

	for _, t := range s.tasks {
		for {
			w := pickWorker(t, workers, byName, nil)
			if w == nil {
				out <- TaskResult{TaskID: t.ID, Err: ErrNoWorkers}
				return ErrNoWorkers
			}
			fut := t.execute(ctx, w)
			select {
			case <-fut.doneCh():
			case <-ctx.Done():
				out <- TaskResult{TaskID: t.ID, Err: ctx.Err()}
				return ctx.Err()
			}
			retry, err := s.settle(t, out)
			if err != nil {
				return err
			}
			if !retry {
				break
			}
		}
	}
	return nil
}

// settle inspects t's resolved attempt: deliver the result, schedule a
// retry, or fail the stage. Returns retry=true when the task should be
// dispatched again; err is the stage's terminal failure, already
// delivered downstream.
func (s *Stage) settle(t *Task, out chan<- TaskResult) (retry bool, err error) {
	res := t.fut.result()
	if res.err == nil {
		s.job.mergeAccums(res.accums)
		t.releaseArgs()
		t.signalStop()
		out <- TaskResult{TaskID: t.ID, Value: res.value}
		return false, nil
	}
	if !errors.Is(res.err, ErrTaskCancelled) && t.attempt < s.job.attempts && s.State() == StateRunning {
		s.job.log.Warnw("task failed, retrying",
			"job", s.job.ID, "stage", s.ID, "task", t.ID, "attempt", t.attempt, "err", res.err)
		return true, nil
	}
	t.signalStop()
	out <- TaskResult{TaskID: t.ID, Err: res.err}
	return false, res.err
}

// pickWorker scans t's preferred workers then its allowed workers (or the
// full worker set when unconstrained) for one that isn't occupied,
// avoiding the worker the previous attempt failed on when any alternative
// exists.
func pickWorker(t *Task, workers []Worker, byName map[string]Worker, occupied map[string]struct{}) Worker {
	var fallback Worker
	for _, w := range t.candidates(workers, byName) {
		if _, busy := occupied[w.Name()]; busy {
			continue
		}
		if t.attempt > 0 && w.Name() == t.lastWorker {
			if fallback == nil {
				fallback = w
			}
			continue
		}
		return w
	}
	return fallback
}

// Task is one unit of work: a method identifier, pre-serialized argument
// buffers, and placement hints. Arguments are released after a successful
// attempt to free memory.
type Task struct {
	lifecycle

	ID     int
	stage  *Stage
	Method string

	args      [][]byte
	preferred []string
	allowed   []string

	mu         sync.Mutex
	attempt    int
	attemptID  string
	lastWorker string
	worker     Worker
	fut        *future
}

// Stage returns the owning stage.
func (t *Task) Stage() *Stage { return t.stage }

// Attempts returns how many times this task has been dispatched.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// candidates returns the placement scan order: preferred hints first, then
// the allowed set, or every worker when the task is unconstrained. Hint
// names with no matching worker are skipped.
func (t *Task) candidates(workers []Worker, byName map[string]Worker) []Worker {
	var out []Worker
	for _, name := range t.preferred {
		if w, ok := byName[name]; ok {
			out = append(out, w)
		}
	}
	if len(t.allowed) > 0 {
		for _, name := range t.allowed {
			if w, ok := byName[name]; ok {
				out = append(out, w)
			}
		}
	} else {
		out = append(out, workers...)
	}
	return out
}

// execute starts one attempt of t on w. Each attempt gets a fresh future
// and attempt id. A task cancelled before dispatch never reaches its
// worker; its attempt resolves as cancelled immediately.
func (t *Task) execute(ctx context.Context, w Worker) *future {
	t.signalStart()
	t.mu.Lock()
	if t.State() == StateCancelled {
		fut := newFuture(nil)
		fut.abort()
		t.fut = fut
		t.mu.Unlock()
		return fut
	}
	t.attempt++
	t.attemptID = uuid.NewString()
	t.lastWorker = w.Name()
	t.worker = w
	fut := w.runTask(ctx, t.Method, t.attemptID, t.args)
	t.fut = fut
	t.mu.Unlock()
	return fut
}

func (t *Task) started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fut != nil
}

func (t *Task) releaseArgs() {
	t.mu.Lock()
	t.args = nil
	t.mu.Unlock()
}

// Cancel cancels the task's pending attempt, if any, both locally (the
// attempt's future resolves as cancelled) and on the worker running it.
func (t *Task) Cancel() {
	if !t.markCancelled() {
		return
	}
	t.mu.Lock()
	fut, w, attemptID := t.fut, t.worker, t.attemptID
	t.mu.Unlock()
	if fut != nil {
		fut.abort()
		if w != nil {
			w.cancelAttempt(attemptID)
		}
	}
}
