package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snl-pebbl/pebbl/examples/knapsack"
	"github.com/snl-pebbl/pebbl/pkg/checkpoint"
	"github.com/snl-pebbl/pebbl/pkg/engine"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
	"github.com/snl-pebbl/pebbl/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes.
const (
	exitOK              = 0
	exitUserAbort        = 1
	exitFatalProtocol    = 2
	exitCheckpointIO     = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUserAbort)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pebbl",
	Short: "pebbl - a cooperatively scheduled parallel branch-and-bound engine",
	Long: `pebbl runs a branch-and-bound search as a cluster of hubs and
workers cooperating inside a fixed pool of pseudo-threads, rather than
a thread pool managed by the OS scheduler.

Built to scale from a single worker ramping up alone to a multi-cluster
run coordinated by a load balancer.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pebbl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	plog.Init(plog.Config{
		Level:      plog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine against the built-in knapsack reference application",
	Long: `run assembles --num-clusters processes, each a hub and its worker
cluster, around the examples/knapsack reference application and drives
them to completion; --cluster-size sets how many workers each hub has.`,
	Run: runEngine,
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML option file (defaults to pconfig.Default())")
	runCmd.Flags().Int("cluster-size", 0, "Override clusterSize from the config (0 keeps the config's value)")
	runCmd.Flags().Bool("ramp-up-only", false, "Never fan out past the single ramp-up worker")
	runCmd.Flags().Bool("force-parallel", false, "Skip ramp-up and fan out to the full cluster immediately")
	runCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables the server)")
	runCmd.Flags().String("checkpoint-dir", "", "Override checkpointDir from the config")
	runCmd.Flags().Float64("checkpoint-minutes", -1, "Override checkpointMinutes from the config (-1 keeps the config's value)")
	runCmd.Flags().Duration("timeout", 0, "Abort the run after this long (0 disables the timeout)")
	runCmd.Flags().Int("num-clusters", 0, "Override numClusters from the config (0 keeps the config's value)")
	runCmd.Flags().Bool("restart", false, "Resume from this process's own last checkpoint instead of seeding a fresh root")
	runCmd.Flags().Bool("reconfigure", false, "Resume from every process's last checkpoint, merged and redistributed across the current topology; implies --restart")
	runCmd.Flags().Int("checkpoint-sequence", -1, "Checkpoint sequence number to restart/reconfigure from (-1 finds the latest written under checkpoint-dir)")
}

func runEngine(cmd *cobra.Command, args []string) {
	opts, err := loadOptionsFromFlags(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pebbl: %v\n", err)
		os.Exit(exitUserAbort)
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pebbl: %v\n", err)
		os.Exit(exitUserAbort)
	}

	app := knapsack.ScenarioOne()
	p := engine.NewCluster(opts, app)

	sequence, _ := cmd.Flags().GetInt("checkpoint-sequence")

	switch {
	case opts.Reconfigure:
		if err := p.RestoreReconfigured(opts.CheckpointDir, sequence); err != nil {
			fmt.Fprintf(os.Stderr, "pebbl: reconfigure: %v\n", err)
			os.Exit(exitCheckpointIO)
		}
	case opts.Restart:
		if err := p.RestorePlain(opts.CheckpointDir, sequence); err != nil {
			fmt.Fprintf(os.Stderr, "pebbl: restart: %v\n", err)
			os.Exit(exitCheckpointIO)
		}
	default:
		p.Seed()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		plog.Logger.Warn().Msg("received interrupt, stopping the run")
		cancel()
	}()

	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, timeout)
		defer timeoutCancel()
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		serveMetrics(addr)
	}

	collector := pmetrics.NewCollector(p, time.Second)
	collector.Start()
	defer collector.Stop()

	runErr := p.Run(ctx)

	solution, value, known := p.Solution()
	if !known {
		fmt.Println("pebbl: no feasible solution found")
	} else {
		fmt.Printf("pebbl: best solution found, value=%.4g\n", value)
		fmt.Printf("pebbl: %+v\n", solution)
	}

	switch {
	case runErr == nil:
		os.Exit(exitOK)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		fmt.Fprintln(os.Stderr, "pebbl: run aborted")
		os.Exit(exitUserAbort)
	default:
		var ee *types.EngineError
		if errors.As(runErr, &ee) {
			switch ee.Kind {
			case types.ErrKindCheckpointIO:
				fmt.Fprintf(os.Stderr, "pebbl: checkpoint failure: %v\n", ee)
				os.Exit(exitCheckpointIO)
			default:
				fmt.Fprintf(os.Stderr, "pebbl: fatal protocol error: %v\n", ee)
				os.Exit(exitFatalProtocol)
			}
		}
		fmt.Fprintf(os.Stderr, "pebbl: %v\n", runErr)
		os.Exit(exitFatalProtocol)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", pmetrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			plog.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("pebbl: serving metrics on http://%s/metrics\n", addr)
}

func loadOptionsFromFlags(cmd *cobra.Command) (pconfig.Options, error) {
	var opts pconfig.Options
	var err error

	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		opts, err = pconfig.Load(configPath)
		if err != nil {
			return opts, err
		}
	} else {
		opts = pconfig.Default()
	}

	if n, _ := cmd.Flags().GetInt("cluster-size"); n > 0 {
		opts.ClusterSize = n
	}
	if rampUpOnly, _ := cmd.Flags().GetBool("ramp-up-only"); rampUpOnly {
		opts.RampUpOnly = true
	}
	if forceParallel, _ := cmd.Flags().GetBool("force-parallel"); forceParallel {
		opts.ForceParallel = true
	}
	if dir, _ := cmd.Flags().GetString("checkpoint-dir"); dir != "" {
		opts.CheckpointDir = dir
	}
	if minutes, _ := cmd.Flags().GetFloat64("checkpoint-minutes"); minutes >= 0 {
		opts.CheckpointMinutes = minutes
	}
	if n, _ := cmd.Flags().GetInt("num-clusters"); n > 0 {
		opts.NumClusters = n
	}
	if reconfigure, _ := cmd.Flags().GetBool("reconfigure"); reconfigure {
		opts.Reconfigure = true
		opts.Restart = true
	}
	if restart, _ := cmd.Flags().GetBool("restart"); restart {
		opts.Restart = true
	}
	return opts, nil
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect checkpoint files written by a run",
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect <dir> <sequence>",
	Short: "Print every process's header and subproblem/token counts for a checkpoint sequence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		var sequence int
		if _, err := fmt.Sscanf(args[1], "%d", &sequence); err != nil {
			return fmt.Errorf("invalid sequence %q: %w", args[1], err)
		}

		headers, snaps, err := checkpoint.ReadAll(dir, sequence)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pebbl: %v\n", err)
			os.Exit(exitCheckpointIO)
		}
		if len(headers) == 0 {
			return fmt.Errorf("no checkpoint files found for sequence %d in %s", sequence, dir)
		}

		for i, h := range headers {
			snap := snaps[i]
			fmt.Printf("process %d  run=%s  topology=%q  subproblems=%d  tokens=%d  incumbent=%v\n",
				h.ProcessID, h.RunID, h.Topology, len(snap.Subproblems), len(snap.Tokens), snap.Incumbent)
		}
		return nil
	},
}

var checkpointDumpCmd = &cobra.Command{
	Use:   "dump <dir> <sequence> <processID>",
	Short: "Print one process's full checkpoint snapshot as JSON",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		var sequence int
		var processID int32
		if _, err := fmt.Sscanf(args[1], "%d", &sequence); err != nil {
			return fmt.Errorf("invalid sequence %q: %w", args[1], err)
		}
		if _, err := fmt.Sscanf(args[2], "%d", &processID); err != nil {
			return fmt.Errorf("invalid processID %q: %w", args[2], err)
		}

		mgr := checkpoint.New(dir, processID, "")
		header, snap, err := mgr.Read(sequence)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pebbl: %v\n", err)
			os.Exit(exitCheckpointIO)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Header   checkpoint.Header   `json:"header"`
			Snapshot checkpoint.Snapshot `json:"snapshot"`
		}{header, snap}); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointInspectCmd)
	checkpointCmd.AddCommand(checkpointDumpCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with pconfig option files",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load a YAML option file and report whether it is valid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := pconfig.Load(args[0])
		if err != nil {
			return err
		}
		if err := opts.Validate(); err != nil {
			return err
		}
		fmt.Printf("pebbl: %s is valid (clusterSize=%d, numClusters=%d)\n", args[0], opts.ClusterSize, opts.NumClusters)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
