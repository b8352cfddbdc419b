// Package remote serves the analyzer over gRPC as the handheld.Console
// service and provides a client for it.
//
// Messages are JSON-encoded through a codec forced on both ends. Requests may
// carry an x-token metadata entry; when the server is configured with a token
// every call must present it.
package remote

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/handheld/internal/logging"
	"github.com/fortiblox/handheld/pkg/analysis"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/rpc"
	"github.com/fortiblox/handheld/pkg/vm"
)

// tokenHeader is the metadata key carrying the auth token.
const tokenHeader = "x-token"

// Config holds gRPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// Token, when set, is required on every call. ${VAR} references are
	// expanded from the environment.
	Token string

	// MaxMessageSize is the maximum message size in bytes.
	MaxMessageSize int

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// LogRequests enables per-call logging.
	LogRequests bool

	Logger *slog.Logger
}

// DefaultConfig returns a default gRPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8900",
		MaxMessageSize:   16 * 1024 * 1024,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Server serves handheld.Console.
type Server struct {
	config   Config
	logger   *slog.Logger
	analyzer *analysis.Analyzer
	token    string

	grpc *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server. Nothing is bound until Start or Serve.
func New(config Config, analyzer *analysis.Analyzer) *Server {
	defaults := DefaultConfig()
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.KeepaliveTime == 0 {
		config.KeepaliveTime = defaults.KeepaliveTime
	}
	if config.KeepaliveTimeout == 0 {
		config.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	s := &Server{
		config:   config,
		logger:   logging.OrDiscard(config.Logger).With("component", "grpc"),
		analyzer: analyzer,
		token:    expandToken(config.Token),
	}

	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.logInterceptor, s.authInterceptor),
	)
	RegisterConsoleServer(s.grpc, &console{analyzer: analyzer})

	return s
}

// Start listens on the configured address and serves until ctx is cancelled
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("grpc server listening", "addr", ln.Addr().String(), "auth", s.token != "")

	err := s.grpc.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// authInterceptor rejects calls without the configured token.
func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.token == "" {
		return handler(ctx, req)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	for _, got := range md.Get(tokenHeader) {
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1 {
			return handler(ctx, req)
		}
	}
	return nil, status.Error(codes.Unauthenticated, "missing or invalid x-token")
}

// logInterceptor logs each call when LogRequests is set.
func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !s.config.LogRequests {
		return handler(ctx, req)
	}

	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("grpc request",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"took", time.Since(start))
	return resp, err
}

// console implements ConsoleServer on top of an Analyzer.
type console struct {
	analyzer *analysis.Analyzer
}

func (c *console) Run(ctx context.Context, req *ProgramRequest) (*rpc.RunResult, error) {
	program, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	res := rpc.NewRunResult(program.Hash(), c.analyzer.Run(program))
	return &res, nil
}

func (c *console) Repair(ctx context.Context, req *ProgramRequest) (*rpc.RepairResult, error) {
	program, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}

	fix, err := c.analyzer.Repair(ctx, program)
	if err != nil {
		return nil, toStatus(err)
	}

	res := rpc.NewRepairResult(fix)
	res.Hash = program.Hash().String()
	return res, nil
}

func (c *console) Analyze(ctx context.Context, req *ProgramRequest) (*rpc.AnalysisResult, error) {
	program, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}

	report, err := c.analyzer.Analyze(ctx, program)
	if err != nil && !errors.Is(err, repair.ErrNoRepair) {
		return nil, toStatus(err)
	}

	res := rpc.NewAnalysisResult(report)
	return &res, nil
}

func decodeRequest(req *ProgramRequest) (vm.Program, error) {
	encoding, ok := rpc.ParseEncoding(string(req.Encoding))
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported encoding %q", req.Encoding)
	}

	program, err := rpc.DecodeProgram(req.Program, encoding)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return program, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, repair.ErrNoRepair):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
