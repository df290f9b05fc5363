package cli

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/empower1/fabric/internal/scheduler"
)

// builtinRegistry holds the demo task bodies every fabricd worker serves.
// Real deployments register their own methods; these exist so a cluster
// can be exercised end-to-end with nothing but the daemon itself.
func builtinRegistry() *scheduler.Registry {
	reg := scheduler.NewRegistry()

	// fabric.range_len counts the half-open integer range its two decimal
	// arguments bound, incrementing the tasks_run accumulator.
	reg.Register("fabric.range_len", func(tc *scheduler.TaskContext, args [][]byte) ([]byte, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("range_len wants 2 args, got %d", len(args))
		}
		start, err := strconv.Atoi(string(args[0]))
		if err != nil {
			return nil, err
		}
		end, err := strconv.Atoi(string(args[1]))
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("range_len: end %d before start %d", end, start)
		}
		tc.Add("fabric.tasks_run", 1)
		return []byte(strconv.Itoa(end - start)), nil
	})

	// fabric.echo concatenates its argument buffers.
	reg.Register("fabric.echo", func(tc *scheduler.TaskContext, args [][]byte) ([]byte, error) {
		return bytes.Join(args, nil), nil
	})

	return reg
}

func rangeArgs(start, end int) [][]byte {
	return [][]byte{
		[]byte(strconv.Itoa(start)),
		[]byte(strconv.Itoa(end)),
	}
}
