package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/empower1/fabric/internal/cluster"
)

func startClusterNode(t *testing.T, name, nodeType string, reg *Registry, seeds ...string) *cluster.Node {
	t.Helper()
	n, err := cluster.NewNode(name, nodeType, []string{"tcp://127.0.0.1:0"}, cluster.Options{
		Seeds:  seeds,
		Logger: zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	if reg != nil {
		NewExecutor(n, reg, zap.NewNop().Sugar())
	}
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n
}

func awaitClusterWorkers(t *testing.T, n *cluster.Node, count int) []Worker {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if workers := ClusterWorkers(n); len(workers) == count {
			return workers
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("driver %s: wanted %d workers, have %d", n.Name(), count, len(ClusterWorkers(n)))
	return nil
}

func remoteRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("double", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		n, err := strconv.Atoi(string(args[0]))
		if err != nil {
			return nil, err
		}
		tc.Add("doubled", 1)
		return []byte(strconv.Itoa(2 * n)), nil
	})
	reg.Register("boom", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		return nil, fmt.Errorf("kaboom")
	})
	reg.Register("hang", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		<-tc.Done()
		return nil, tc.Err()
	})
	return reg
}

func TestRemoteJobExecution(t *testing.T) {
	reg := remoteRegistry()
	w1 := startClusterNode(t, "w1", "worker", reg)
	w2 := startClusterNode(t, "w2", "worker", reg, w1.Addresses()...)
	_ = w2
	driver := startClusterNode(t, "driver", "driver", nil, w1.Addresses()...)

	workers := awaitClusterWorkers(t, driver, 2)

	job := NewJob("double-up", 1, nil)
	stage := job.AddStage()
	const tasks = 6
	for i := 0; i < tasks; i++ {
		stage.AddTask("double", [][]byte{[]byte(strconv.Itoa(i))}, nil, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	i := 0
	for res := range job.Execute(ctx, workers, true) {
		require.NoError(t, res.Err)
		assert.Equal(t, i, res.TaskID)
		assert.Equal(t, strconv.Itoa(2*i), string(res.Value))
		i++
	}
	assert.Equal(t, tasks, i)
	assert.Equal(t, int64(tasks), job.Accumulators()["doubled"])
	assert.Equal(t, StateStopped, job.State())
}

func TestRemoteTaskFailureSurfacesCause(t *testing.T) {
	reg := remoteRegistry()
	w1 := startClusterNode(t, "w1", "worker", reg)
	driver := startClusterNode(t, "driver", "driver", nil, w1.Addresses()...)
	workers := awaitClusterWorkers(t, driver, 1)

	job := NewJob("explode", 1, nil)
	job.AddStage().AddTask("boom", nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	for res := range job.Execute(ctx, workers, true) {
		lastErr = res.Err
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, ErrTaskFailed)
	assert.Contains(t, lastErr.Error(), "kaboom")
}

func TestRemoteUnknownMethodFails(t *testing.T) {
	reg := remoteRegistry()
	w1 := startClusterNode(t, "w1", "worker", reg)
	driver := startClusterNode(t, "driver", "driver", nil, w1.Addresses()...)
	workers := awaitClusterWorkers(t, driver, 1)

	job := NewJob("missing", 1, nil)
	job.AddStage().AddTask("no_such_method", nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	for res := range job.Execute(ctx, workers, true) {
		lastErr = res.Err
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "unknown task method")
}

func TestRemoteCancellationReachesWorker(t *testing.T) {
	reg := remoteRegistry()
	// the worker-side body closes observed once its context is cancelled
	observed := make(chan struct{})
	reg.Register("hang", func(tc *TaskContext, args [][]byte) ([]byte, error) {
		<-tc.Done()
		close(observed)
		return nil, tc.Err()
	})
	w1 := startClusterNode(t, "w1", "worker", reg)
	driver := startClusterNode(t, "driver", "driver", nil, w1.Addresses()...)
	workers := awaitClusterWorkers(t, driver, 1)

	job := NewJob("stuck", 1, nil)
	job.AddStage().AddTask("hang", nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := job.Execute(ctx, workers, true)
	go func() {
		time.Sleep(200 * time.Millisecond)
		job.Cancel()
	}()

	var lastErr error
	for res := range out {
		lastErr = res.Err
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, ErrTaskCancelled)

	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation never reached the worker's task body")
	}
}

func TestWorkerDisappearanceIsTaskFailure(t *testing.T) {
	reg := remoteRegistry()
	w1 := startClusterNode(t, "w1", "worker", reg)
	driver := startClusterNode(t, "driver", "driver", nil, w1.Addresses()...)
	workers := awaitClusterWorkers(t, driver, 1)

	job := NewJob("orphaned", 1, nil)
	job.AddStage().AddTask("hang", nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := job.Execute(ctx, workers, true)
	go func() {
		time.Sleep(200 * time.Millisecond)
		w1.Close()
	}()

	var lastErr error
	for res := range out {
		lastErr = res.Err
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, ErrTaskFailed)
}
