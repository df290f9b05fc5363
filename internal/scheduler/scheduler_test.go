package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intArg(n int) [][]byte {
	return [][]byte{[]byte(strconv.Itoa(n))}
}

func parseInt(t *testing.T, b []byte) int {
	t.Helper()
	n, err := strconv.Atoi(string(b))
	require.NoError(t, err)
	return n
}

// identity returns its single decimal argument, optionally after a delay
// proportional to it, so completion order can be made to differ from task
// order.
func identityRegistry(delayPerUnit time.Duration) *Registry {
	reg := NewRegistry()
	reg.Register("identity", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		n, err := strconv.Atoi(string(args[0]))
		if err != nil {
			return nil, err
		}
		if delayPerUnit > 0 {
			select {
			case <-time.After(time.Duration(n) * delayPerUnit):
			case <-tc.Done():
				return nil, tc.Err()
			}
		}
		return args[0], nil
	})
	return reg
}

func localWorkers(reg *Registry, names ...string) []Worker {
	out := make([]Worker, len(names))
	for i, name := range names {
		out[i] = NewLocalWorker(name, reg)
	}
	return out
}

func collect(t *testing.T, results <-chan TaskResult) ([]TaskResult, error) {
	t.Helper()
	var out []TaskResult
	for res := range results {
		if res.Err != nil {
			return out, res.Err
		}
		out = append(out, res)
	}
	return out, nil
}

func TestEagerYieldsInTaskOrder(t *testing.T) {
	// later tasks finish first: task 0 sleeps longest
	reg := identityRegistry(3 * time.Millisecond)
	workers := localWorkers(reg, "w0", "w1", "w2", "w3")

	job := NewJob("order", 1, nil)
	stage := job.AddStage()
	for _, n := range []int{40, 30, 20, 10} {
		stage.AddTask("identity", intArg(n), nil, nil)
	}

	results, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, want := range []int{40, 30, 20, 10} {
		assert.Equal(t, i, results[i].TaskID)
		assert.Equal(t, want, parseInt(t, results[i].Value))
	}
	assert.Equal(t, StateStopped, job.State())
	assert.Equal(t, StateStopped, stage.State())
}

func TestRangeCount(t *testing.T) {
	reg := NewRegistry()
	reg.Register("partition_len", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		start, _ := strconv.Atoi(string(args[0]))
		end, _ := strconv.Atoi(string(args[1]))
		return []byte(strconv.Itoa(end - start)), nil
	})
	workers := localWorkers(reg, "w0", "w1", "w2", "w3")

	job := NewJob("range-count", 1, nil)
	stage := job.AddStage()
	for i := 0; i < 4; i++ {
		stage.AddTask("partition_len", [][]byte{
			[]byte(strconv.Itoa(i * 250)),
			[]byte(strconv.Itoa((i + 1) * 250)),
		}, nil, nil)
	}

	results, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)
	require.Len(t, results, 4)
	sum := 0
	for _, res := range results {
		assert.Equal(t, 250, parseInt(t, res.Value))
		sum += parseInt(t, res.Value)
	}
	assert.Equal(t, 1000, sum)
}

func TestOneByOneDispatchesSequentially(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxInFlight int

	reg := NewRegistry()
	reg.Register("track", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return args[0], nil
	})
	workers := localWorkers(reg, "w0", "w1", "w2")

	job := NewJob("serial", 1, nil)
	stage := job.AddStage()
	for i := 0; i < 5; i++ {
		stage.AddTask("track", intArg(i), nil, nil)
	}

	results, err := collect(t, job.Execute(context.Background(), workers, false))
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, i, parseInt(t, res.Value))
	}
	assert.Equal(t, 1, maxInFlight, "one-by-one must never overlap tasks")
}

func TestRetryOnFailure(t *testing.T) {
	// the first attempt of any task that lands on w0 fails; its retry
	// (wherever it lands) succeeds
	var mu sync.Mutex
	failed := 0
	seen := map[string]bool{}

	reg := NewRegistry()
	reg.Register("flaky", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		return args[0], nil
	})
	flakyReg := NewRegistry()
	flakyReg.Register("flaky", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		mu.Lock()
		first := !seen[string(args[0])]
		seen[string(args[0])] = true
		if first {
			failed++
		}
		mu.Unlock()
		if first {
			return nil, fmt.Errorf("w0 first attempt fails")
		}
		return args[0], nil
	})

	workers := []Worker{
		NewLocalWorker("w0", flakyReg),
		NewLocalWorker("w1", reg),
		NewLocalWorker("w2", reg),
	}

	job := NewJob("retry", 2, nil)
	stage := job.AddStage()
	const tasks = 10
	for i := 0; i < tasks; i++ {
		stage.AddTask("flaky", intArg(i), nil, nil)
	}

	results, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)
	require.Len(t, results, tasks)
	for i, res := range results {
		assert.Equal(t, i, parseInt(t, res.Value))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, failed, 0, "w0 must have been tried at least once")
}

func TestAttemptsExhaustedFailsJob(t *testing.T) {
	reg := NewRegistry()
	reg.Register("doomed", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		return nil, fmt.Errorf("always broken")
	})
	workers := localWorkers(reg, "w0", "w1")

	job := NewJob("doomed", 2, nil)
	job.AddStage().AddTask("doomed", nil, nil, nil)

	_, err := collect(t, job.Execute(context.Background(), workers, true))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Equal(t, StateStopped, job.State())
}

func TestPreferredAndAllowedPlacement(t *testing.T) {
	var mu sync.Mutex
	ranOn := map[string]int{}

	reg := NewRegistry()
	reg.Register("where", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		mu.Lock()
		ranOn[string(args[0])]++
		mu.Unlock()
		return args[0], nil
	})

	// the registry is shared, so the task body cannot tell which worker ran
	// it; placement is checked through the worker each task recorded for its
	// attempt
	w0 := NewLocalWorker("w0", reg)
	w1 := NewLocalWorker("w1", reg)
	workers := []Worker{w0, w1}

	job := NewJob("placement", 1, nil)
	stage := job.AddStage()
	stage.AddTask("where", [][]byte{[]byte("only-w1")}, nil, []string{"w1"})
	stage.AddTask("where", [][]byte{[]byte("prefer-w0")}, []string{"w0"}, nil)

	results, err := collect(t, job.Execute(context.Background(), workers, false))
	require.NoError(t, err)
	require.Len(t, results, 2)

	// one-by-one picks preferred[0] / allowed[0] / workers[0] directly
	tasks := stage.Tasks()
	assert.Equal(t, 1, tasks[0].Attempts())
	assert.Equal(t, 1, tasks[1].Attempts())
	assert.Equal(t, "w1", tasks[0].worker.Name())
	assert.Equal(t, "w0", tasks[1].worker.Name())
}

func TestZeroStagesStopsImmediately(t *testing.T) {
	job := NewJob("empty", 1, nil)
	results, err := collect(t, job.Execute(context.Background(), nil, true))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, StateStopped, job.State())
}

func TestZeroTaskStageAdvances(t *testing.T) {
	reg := identityRegistry(0)
	workers := localWorkers(reg, "w0")

	job := NewJob("hollow", 1, nil)
	empty := job.AddStage()
	full := job.AddStage()
	full.AddTask("identity", intArg(7), nil, nil)

	results, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 7, parseInt(t, results[0].Value))
	assert.Equal(t, StateStopped, empty.State())
	assert.Equal(t, StateStopped, full.State())
}

func TestCancelBeforeDispatch(t *testing.T) {
	var mu sync.Mutex
	invocations := 0

	reg := NewRegistry()
	reg.Register("never", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		return nil, nil
	})
	workers := localWorkers(reg, "w0")

	job := NewJob("cancelled", 1, nil)
	job.AddStage().AddTask("never", nil, nil, nil)
	job.Cancel()

	results, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, StateCancelled, job.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, invocations)
}

func TestCancelMidStage(t *testing.T) {
	started := make(chan struct{}, 16)
	reg := NewRegistry()
	reg.Register("block", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		started <- struct{}{}
		<-tc.Done()
		return nil, tc.Err()
	})
	workers := localWorkers(reg, "w0", "w1")

	job := NewJob("interrupted", 3, nil)
	stage := job.AddStage()
	for i := 0; i < 4; i++ {
		stage.AddTask("block", intArg(i), nil, nil)
	}

	out := job.Execute(context.Background(), workers, true)
	<-started
	job.Cancel()

	_, err := collect(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskCancelled)
	assert.Equal(t, StateCancelled, job.State())
	assert.Equal(t, StateCancelled, stage.State())
}

func TestAccumulatorsMergeOncePerTask(t *testing.T) {
	// first attempt of every task fails after incrementing; only the
	// successful retry's increments may count
	var mu sync.Mutex
	attempts := map[string]int{}

	reg := NewRegistry()
	reg.Register("acc", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		n, _ := strconv.Atoi(string(args[0]))
		tc.Add("sum", int64(n))
		mu.Lock()
		attempts[string(args[0])]++
		first := attempts[string(args[0])] == 1
		mu.Unlock()
		if first {
			return nil, fmt.Errorf("transient")
		}
		return args[0], nil
	})
	workers := localWorkers(reg, "w0", "w1")

	job := NewJob("accumulate", 3, nil)
	stage := job.AddStage()
	for i := 0; i < 10; i++ {
		stage.AddTask("acc", intArg(i), nil, nil)
	}

	_, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)
	assert.Equal(t, int64(45), job.Accumulators()["sum"])
}

func TestStageFailsWithoutWorkers(t *testing.T) {
	job := NewJob("stranded", 1, nil)
	job.AddStage().AddTask("anything", nil, nil, nil)

	_, err := collect(t, job.Execute(context.Background(), nil, true))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestJobIDsAreMonotonic(t *testing.T) {
	a := NewJob("a", 1, nil)
	b := NewJob("b", 1, nil)
	assert.Greater(t, b.ID, a.ID)
}

func TestLifecycleSignals(t *testing.T) {
	reg := identityRegistry(0)
	workers := localWorkers(reg, "w0")

	job := NewJob("signals", 1, nil)
	stage := job.AddStage()
	stage.AddTask("identity", intArg(1), nil, nil)

	var mu sync.Mutex
	var jobStates, stageStates []State
	job.OnStateChange(func(s State) {
		mu.Lock()
		jobStates = append(jobStates, s)
		mu.Unlock()
	})
	stage.OnStateChange(func(s State) {
		mu.Lock()
		stageStates = append(stageStates, s)
		mu.Unlock()
	})

	_, err := collect(t, job.Execute(context.Background(), workers, true))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateStopped}, jobStates)
	assert.Equal(t, []State{StateRunning, StateStopped}, stageStates)
}
