// Package node provides the long-running handheld service.
//
// The Node ties together:
// - the result store (bolt, badger or memory)
// - the analyzer that runs and repairs programs
// - the JSON-RPC server
// - the gRPC Console server
//
// The node manages the lifecycle of these components and reports status.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/handheld/internal/logging"
	"github.com/fortiblox/handheld/pkg/analysis"
	"github.com/fortiblox/handheld/pkg/remote"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/rpc"
	"github.com/fortiblox/handheld/pkg/store"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for on-disk stores.
	DataDir string `toml:"data_dir"`

	// StoreBackend is one of bolt, badger, memory.
	StoreBackend string `toml:"store"`

	// StoreNoSync trades durability for write speed.
	StoreNoSync bool `toml:"store_no_sync"`

	// GCInterval is how often the badger value log is collected.
	GCInterval Duration `toml:"gc_interval"`

	// RepairWorkers is the number of concurrent repair trials. Zero means one
	// per CPU.
	RepairWorkers int `toml:"repair_workers"`

	// RepairPathOnly restricts repair candidates to executed positions.
	RepairPathOnly bool `toml:"repair_path_only"`

	// RPC server configuration.
	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool `toml:"rpc_enabled"`

	// RPCAddr is the listen address for the RPC server (default ":8899").
	RPCAddr string `toml:"rpc_addr"`

	// RPCLogRequests enables logging of RPC requests.
	RPCLogRequests bool `toml:"rpc_log_requests"`

	// GRPCEnabled enables the gRPC Console server.
	GRPCEnabled bool `toml:"grpc_enabled"`

	// GRPCAddr is the listen address for the gRPC server (default ":8900").
	GRPCAddr string `toml:"grpc_addr"`

	// GRPCToken, when set, is required from gRPC clients as x-token.
	// Supports environment variable expansion with ${VAR_NAME}.
	GRPCToken string `toml:"grpc_token"`

	// LogLevel and LogFile configure the logger built by the CLI.
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	// Logger receives node and component logs.
	Logger *slog.Logger `toml:"-"`

	// OnError is called for errors from background components.
	OnError func(err error) `toml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		StoreBackend:   store.BackendBolt,
		GCInterval:     Duration(10 * time.Minute),
		RepairWorkers:  1,
		RepairPathOnly: false,
		RPCEnabled:     false,
		RPCAddr:        ":8899",
		RPCLogRequests: false,
		GRPCEnabled:    false,
		GRPCAddr:       ":8900",
		LogLevel:       "info",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case store.BackendBolt, store.BackendBadger:
		if c.DataDir == "" {
			return fmt.Errorf("%w: data directory is required for the %s store", ErrConfigInvalid, c.StoreBackend)
		}
	case store.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrConfigInvalid, c.StoreBackend)
	}
	if c.RepairWorkers < 0 {
		return fmt.Errorf("%w: repair workers must not be negative", ErrConfigInvalid)
	}
	if c.RPCEnabled && c.RPCAddr == "" {
		return fmt.Errorf("%w: rpc address is required", ErrConfigInvalid)
	}
	if c.GRPCEnabled && c.GRPCAddr == "" {
		return fmt.Errorf("%w: grpc address is required", ErrConfigInvalid)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// Node is a running handheld service.
type Node struct {
	config Config
	logger *slog.Logger

	// Core components
	store      store.Store
	analyzer   *analysis.Analyzer
	rpcServer  *rpc.Server
	grpcServer *remote.Server

	// Bound by initialize so that address errors fail Start.
	rpcListener  net.Listener
	grpcListener net.Listener

	// State management
	mu          sync.Mutex
	running     atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new node with the given configuration.
// The node is not started until Start() is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		config = &Config{}
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StoreBackend == "" {
		config.StoreBackend = defaults.StoreBackend
	}
	if config.DataDir == "" && config.StoreBackend != store.BackendMemory {
		config.DataDir = defaults.DataDir
	}
	if config.GCInterval == 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.RPCAddr == "" {
		config.RPCAddr = defaults.RPCAddr
	}
	if config.GRPCAddr == "" {
		config.GRPCAddr = defaults.GRPCAddr
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{
		config: *config,
		logger: logging.OrDiscard(config.Logger),
	}, nil
}

// Start opens the store and starts the enabled servers. It returns once
// everything is running; servers stop when ctx is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running.Load() {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	n.running.Store(true)

	if n.rpcServer != nil {
		n.runBackground("rpc", func() error { return n.rpcServer.Serve(n.ctx, n.rpcListener) })
	}
	if n.grpcServer != nil {
		n.runBackground("grpc", func() error { return n.grpcServer.Serve(n.ctx, n.grpcListener) })
	}
	if gc, ok := n.store.(*store.BadgerStore); ok {
		n.wg.Add(1)
		go n.gcLoop(gc)
	}

	n.logger.Info("node started",
		"store", n.config.StoreBackend,
		"data_dir", n.config.DataDir,
		"rpc", n.config.RPCEnabled,
		"grpc", n.config.GRPCEnabled)
	return nil
}

// initialize opens the store, builds the analyzer and servers, and binds the
// server addresses. On error nothing is left open.
func (n *Node) initialize() (err error) {
	n.rpcServer, n.grpcServer = nil, nil
	n.rpcListener, n.grpcListener = nil, nil

	if n.config.StoreBackend != store.BackendMemory {
		if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	s, err := store.Open(store.Config{
		Backend: n.config.StoreBackend,
		Path:    n.config.DataDir,
		NoSync:  n.config.StoreNoSync,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	n.store = s
	defer func() {
		if err != nil {
			n.closeListeners()
			s.Close()
			n.store = nil
		}
	}()

	n.analyzer = analysis.New(analysis.Config{
		Repair: n.config.repairOptions(),
		Store:  s,
		Logger: n.logger.With("component", "analysis"),
	})

	if n.config.RPCEnabled {
		n.rpcListener, err = net.Listen("tcp", n.config.RPCAddr)
		if err != nil {
			return fmt.Errorf("rpc listen %s: %w", n.config.RPCAddr, err)
		}

		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.RPCLogRequests
		rpcConfig.Logger = n.logger

		n.rpcServer = rpc.New(rpcConfig, n.analyzer)
	}

	if n.config.GRPCEnabled {
		n.grpcListener, err = net.Listen("tcp", n.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", n.config.GRPCAddr, err)
		}

		grpcConfig := remote.DefaultConfig()
		grpcConfig.Addr = n.config.GRPCAddr
		grpcConfig.Token = n.config.GRPCToken
		grpcConfig.LogRequests = n.config.RPCLogRequests
		grpcConfig.Logger = n.logger

		n.grpcServer = remote.New(grpcConfig, n.analyzer)
	}

	return nil
}

// closeListeners releases addresses bound by initialize.
func (n *Node) closeListeners() {
	if n.rpcListener != nil {
		n.rpcListener.Close()
	}
	if n.grpcListener != nil {
		n.grpcListener.Close()
	}
}

// repairOptions converts the repair settings. Zero workers means one per CPU.
func (c *Config) repairOptions() repair.Options {
	workers := c.RepairWorkers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return repair.Options{
		Workers:  workers,
		PathOnly: c.RepairPathOnly,
	}
}

// runBackground runs a blocking server function until it returns.
func (n *Node) runBackground(name string, fn func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := fn(); err != nil {
			err = fmt.Errorf("%s server: %w", name, err)
			n.setLastError(err)
			n.logger.Error("server stopped", "server", name, "error", err)
			if n.config.OnError != nil {
				n.config.OnError(err)
			}
		}
	}()
}

// gcLoop periodically collects the badger value log.
func (n *Node) gcLoop(s *store.BadgerStore) {
	defer n.wg.Done()

	ticker := time.NewTicker(time.Duration(n.config.GCInterval))
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunGC(); err != nil && !errors.Is(err, store.ErrClosed) {
				n.setLastError(fmt.Errorf("value log gc: %w", err))
				n.logger.Warn("value log gc failed", "error", err)
			}
		}
	}
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running.Load() {
		return ErrNotRunning
	}

	// Cancel context to stop all goroutines
	n.cancel()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop()
	}

	n.wg.Wait()

	var err error
	if n.store != nil {
		err = n.store.Close()
	}

	n.running.Store(false)
	n.logger.Info("node stopped", "uptime", time.Since(n.startTime).Round(time.Millisecond))
	return err
}

// Analyzer returns the node's analyzer, or nil before Start.
func (n *Node) Analyzer() *analysis.Analyzer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.analyzer
}

// Status contains the current node status.
type Status struct {
	// IsRunning indicates if the node is running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// Stats are the analyzer counters.
	Stats analysis.Stats

	// Records is the number of stored reports.
	Records int

	// RPCAddr and GRPCAddr are the bound server addresses if enabled.
	RPCAddr  string
	GRPCAddr string

	// LastError is the most recent error encountered.
	LastError error
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := &Status{
		IsRunning: n.running.Load(),
		LastError: n.getLastError(),
	}
	if !st.IsRunning {
		return st
	}

	st.Uptime = time.Since(n.startTime)
	st.Stats = n.analyzer.Stats()
	st.Records, _ = n.store.Count()
	if n.rpcListener != nil {
		st.RPCAddr = n.rpcListener.Addr().String()
	}
	if n.grpcListener != nil {
		st.GRPCAddr = n.grpcListener.Addr().String()
	}
	return st
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
