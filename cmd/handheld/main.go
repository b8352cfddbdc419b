// Handheld: boot code console
//
// This is the main entry point for handheld. Given a boot program it reports
// the accumulator when the program first loops (part one) and the accumulator
// after the single nop/jmp flip that lets it terminate (part two). With -serve
// it runs the node and answers JSON-RPC and gRPC requests until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortiblox/handheld/internal/logging"
	"github.com/fortiblox/handheld/pkg/asm"
	"github.com/fortiblox/handheld/pkg/node"
	"github.com/fortiblox/handheld/pkg/store"
	"github.com/fortiblox/handheld/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

const defaultInput = "./input.txt"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the parsed command line.
type options struct {
	configPath string
	trace      bool
	serve      bool
	version    bool
	input      string

	// set records the flags given explicitly.
	set map[string]bool

	workers  int
	pathOnly bool
	backend  string
	dataDir  string
	rpcAddr  string
	grpcAddr string
	logLevel string
	logFile  string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	defaults := node.DefaultConfig()
	opts := &options{set: make(map[string]bool)}

	fs := flag.NewFlagSet("handheld", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: handheld [flags] [input]\n\nInput defaults to %s.\n\nFlags:\n", defaultInput)
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "config", "", "Path to a TOML node configuration")
	fs.IntVar(&opts.workers, "workers", defaults.RepairWorkers, "Concurrent repair trials (0 = one per CPU)")
	fs.BoolVar(&opts.pathOnly, "path-only", defaults.RepairPathOnly, "Only try flips on instructions the looping run executed")
	fs.BoolVar(&opts.trace, "trace", false, "Trace every step of the direct run to stderr")
	fs.StringVar(&opts.backend, "store", defaults.StoreBackend, "Result store: bolt, badger, memory")
	fs.StringVar(&opts.dataDir, "data-dir", defaults.DataDir, "Data directory for the result store")
	fs.StringVar(&opts.rpcAddr, "rpc-addr", defaults.RPCAddr, "JSON-RPC server listen address")
	fs.StringVar(&opts.grpcAddr, "grpc-addr", defaults.GRPCAddr, "gRPC server listen address")
	fs.BoolVar(&opts.serve, "serve", false, "Run the JSON-RPC and gRPC servers until interrupted")
	fs.StringVar(&opts.logLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this file")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return nil, fmt.Errorf("expected at most one input file, got %d", fs.NArg())
	}

	opts.input = defaultInput
	if fs.NArg() == 1 {
		opts.input = fs.Arg(0)
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	return opts, nil
}

// nodeConfig layers explicitly set flags over the config file, or over the
// defaults when there is none.
func (o *options) nodeConfig() (node.Config, error) {
	cfg := node.DefaultConfig()
	if o.configPath != "" {
		loaded, err := node.LoadConfig(o.configPath)
		if err != nil {
			return node.Config{}, err
		}
		cfg = loaded
	} else if !o.serve && !o.set["store"] && !o.set["data-dir"] {
		// A one-shot run keeps nothing on disk unless asked to.
		cfg.StoreBackend = store.BackendMemory
	}

	if o.set["workers"] {
		cfg.RepairWorkers = o.workers
	}
	if o.set["path-only"] {
		cfg.RepairPathOnly = o.pathOnly
	}
	if o.set["store"] {
		cfg.StoreBackend = o.backend
	}
	if o.set["data-dir"] {
		cfg.DataDir = o.dataDir
	}
	if o.set["rpc-addr"] {
		cfg.RPCAddr = o.rpcAddr
	}
	if o.set["grpc-addr"] {
		cfg.GRPCAddr = o.grpcAddr
	}
	if o.set["log-level"] {
		cfg.LogLevel = o.logLevel
	}
	if o.set["log-file"] {
		cfg.LogFile = o.logFile
	}

	if o.serve {
		cfg.RPCEnabled = true
		cfg.GRPCEnabled = true
	} else {
		cfg.RPCEnabled = false
		cfg.GRPCEnabled = false
	}

	return cfg, cfg.Validate()
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.version {
		fmt.Fprintf(stdout, "handheld %s (%s)\n", Version, GitCommit)
		return 0
	}

	cfg, err := opts.nodeConfig()
	if err != nil {
		fmt.Fprintf(stderr, "handheld: %v\n", err)
		return 2
	}

	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "handheld: %v\n", err)
		return 1
	}
	defer closeLog()
	cfg.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	// A server failing after Start ends -serve instead of leaving it idle.
	cfg.OnError = func(error) { cancel() }

	n, err := node.New(&cfg)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		return 1
	}
	if err := n.Start(ctx); err != nil {
		logger.Error("failed to start node", "error", err)
		return 1
	}
	defer func() {
		if err := n.Stop(); err != nil {
			logger.Warn("node stop", "error", err)
		}
	}()

	if opts.serve {
		logger.Info("handheld serving", "version", Version, "rpc", cfg.RPCAddr, "grpc", cfg.GRPCAddr)
		<-ctx.Done()
		if err := n.Status().LastError; err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}

	if err := solve(ctx, n, opts, stdout, stderr); err != nil {
		logger.Error("analysis failed", "input", opts.input, "error", err)
		return 1
	}
	return 0
}

// solve prints both answers for the input program and the time each stage took.
func solve(ctx context.Context, n *node.Node, opts *options, stdout, stderr io.Writer) error {
	start := time.Now()

	f, err := os.Open(opts.input)
	if err != nil {
		return err
	}
	program, err := asm.Parse(f)
	f.Close()
	if err != nil {
		return err
	}

	setup := time.Now()
	if opts.trace {
		traceRun(program, stderr)
	}
	analyzer := n.Analyzer()
	p1, err := analyzer.Diagnose(program)
	if err != nil {
		return err
	}

	part1 := time.Now()
	report, err := analyzer.Analyze(ctx, program)
	if err != nil {
		return err
	}
	p2 := report.Fix.Result.Acc
	part2 := time.Now()

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "The solution for part one is: %d\n", p1)
	fmt.Fprintf(stdout, "The solution for part two is: %d\n", p2)
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "Time breakdowns:")
	fmt.Fprintf(stdout, "Setup: %v\n", setup.Sub(start))
	fmt.Fprintf(stdout, "Part 1: %v\n", part1.Sub(setup))
	fmt.Fprintf(stdout, "Part 2: %v\n", part2.Sub(part1))
	fmt.Fprintf(stdout, "Total: %v\n", part2.Sub(start))
	return nil
}

func traceRun(program vm.Program, w io.Writer) {
	res := vm.New(program, vm.Opts{
		Trace: func(pc int64, ins vm.Instruction, acc int64) {
			fmt.Fprintf(w, "%5d  %-8s acc=%d\n", pc, ins, acc)
		},
	}).Run()
	fmt.Fprintf(w, "%5d  %s acc=%d steps=%d\n", res.PC, res.Status, res.Acc, res.Steps)
}

// newLogger builds the process logger. The returned func closes the log file.
func newLogger(cfg node.Config, stderr io.Writer) (*slog.Logger, func(), error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Console = stderr

	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		lc.File = f
		closeFn = func() { f.Close() }
	}

	logger, err := logging.New(lc)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return logger, closeFn, nil
}
