// Package cli is the cobra command tree for fabricd: `run` starts a node
// (driver or worker), `submit` runs a small demonstration job against the
// cluster's workers.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/empower1/fabric/internal/blockmgr"
	"github.com/empower1/fabric/internal/cluster"
	"github.com/empower1/fabric/internal/config"
	"github.com/empower1/fabric/internal/scheduler"
)

type options struct {
	configPath string
	name       string
	nodeType   string
	listen     []string
	seeds      []string
}

// New builds the fabricd command tree.
func New() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "fabricd",
		Short:         "fabricd is a node of the fabric distributed compute cluster.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file")
	rootCmd.PersistentFlags().StringVar(&opts.name, "name", "", "node name (defaults to hostname.pid)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.listen, "listen", nil, "listen addresses (tcp://host:port or unix:///path)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.seeds, "seed", nil, "seed addresses to bootstrap from")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and serve tasks and blocks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	runCmd.Flags().StringVar(&opts.nodeType, "type", "worker", "node type: worker or driver")

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a demonstration job to the cluster's workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(opts)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	return rootCmd
}

func setup(opts *options, nodeType string) (*config.Config, *cluster.Node, *zap.SugaredLogger, error) {
	cfg, err := config.New(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.Sugar()

	name := opts.name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		name = fmt.Sprintf("%s.%d", hostname, os.Getpid())
	}

	listen := opts.listen
	if len(listen) == 0 {
		listen = cfg.ListenAddresses()
	}
	seeds := opts.seeds
	if len(seeds) == 0 {
		seeds = cfg.Seeds()
	}

	node, err := cluster.NewNode(name, nodeType, listen, cluster.Options{
		Seeds:            seeds,
		HelloTimeout:     cfg.HelloTimeout(),
		WatchdogInterval: cfg.WatchdogInterval(),
		WatchdogMisses:   cfg.WatchdogMisses(),
		SeedBackoffMin:   cfg.SeedBackoffMin(),
		SeedBackoffMax:   cfg.SeedBackoffMax(),
		PortProbeRange:   cfg.PortProbeRange(),
		Logger:           log,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, node, log, nil
}

func run(opts *options) error {
	cfg, node, log, err := setup(opts, opts.nodeType)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockmgr.New(node, cfg.AvailabilityTimeout(), log)
	scheduler.NewExecutor(node, builtinRegistry(), log)

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Close()

	if limit := cfg.MemoryLimit(); limit > 0 {
		log.Infow("advisory memory limit", "bytes", limit)
	}
	log.Infow("node running", "name", node.Name(), "type", node.NodeType(), "addresses", node.Addresses())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infow("shutting down")
	return nil
}

func submit(opts *options) error {
	cfg, node, log, err := setup(opts, "driver")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockmgr.New(node, cfg.AvailabilityTimeout(), log)
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Close()

	workers, err := awaitWorkers(ctx, node, cfg.WorkerCount())
	if err != nil {
		return err
	}
	log.Infow("workers connected", "count", len(workers))

	// One task per worker, each counting its slice of [0, total).
	const total = 1000
	job := scheduler.NewJob("range-count", cfg.Attempts(), log)
	stage := job.AddStage()
	step := total / len(workers)
	for i := 0; i < len(workers); i++ {
		start, end := i*step, (i+1)*step
		if i == len(workers)-1 {
			end = total
		}
		stage.AddTask("fabric.range_len", rangeArgs(start, end), nil, nil)
	}

	var sum int
	for res := range job.Execute(ctx, workers, true) {
		if res.Err != nil {
			return res.Err
		}
		n, err := strconv.Atoi(string(res.Value))
		if err != nil {
			return fmt.Errorf("malformed task result %q: %w", res.Value, err)
		}
		fmt.Printf("task %d counted %d\n", res.TaskID, n)
		sum += n
	}
	fmt.Printf("total %d, accumulators %v\n", sum, job.Accumulators())
	return nil
}

// awaitWorkers polls the peer table until at least want workers (or one,
// when the configured worker count is zero) are connected.
func awaitWorkers(ctx context.Context, node *cluster.Node, want int) ([]scheduler.Worker, error) {
	if want < 1 {
		want = 1
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		workers := scheduler.ClusterWorkers(node)
		if len(workers) >= want {
			return workers, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %d workers, have %d", want, len(workers))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
