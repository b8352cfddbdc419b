// Package rpc implements the JSON-RPC 2.0 server for handheld.
//
// Programs are sent as assembly text by default, or as the canonical binary
// encoding in base58, base64 or base64+zstd. Hashes are base58.
//
// Supported methods:
//   - Programs: run, repair, analyze
//   - Records: getRecord
//   - Node: getHealth, getVersion, getStats
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fortiblox/handheld/internal/logging"
	"github.com/fortiblox/handheld/pkg/analysis"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool

	Logger *slog.Logger
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 1 << 20,
		EnableCORS:     true,
		LogRequests:    false,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config
	logger *slog.Logger

	analyzer *analysis.Analyzer

	healthy  bool
	healthMu sync.RWMutex

	// HTTP server
	server   *http.Server
	listener net.Listener

	// Method handlers
	handlers map[string]handlerFunc

	// Lifecycle
	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server.
func New(config Config, analyzer *analysis.Analyzer) *Server {
	s := &Server{
		config:   config,
		logger:   logging.OrDiscard(config.Logger).With("component", "rpc"),
		analyzer: analyzer,
		healthy:  true,
		handlers: make(map[string]handlerFunc),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Program methods
	s.handlers["run"] = s.run
	s.handlers["repair"] = s.repair
	s.handlers["analyze"] = s.analyze

	// Record methods
	s.handlers["getRecord"] = s.getRecord

	// Node methods
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["getStats"] = s.getStats
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

// Serve serves JSON-RPC on ln until ctx is cancelled or Stop is called. The
// listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.running = true
	server := s.server
	s.mu.Unlock()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// SetHealthy sets the server health status.
func (s *Server) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if req.JSONRPC != JSONRPCVersion {
		s.writeError(w, req.ID, ErrInvalidRequest)
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(requests) == 0 {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		if req.JSONRPC != JSONRPCVersion {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Error:   ErrInvalidRequest,
			}
			continue
		}

		result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
		if rpcErr != nil {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Error:   rpcErr,
			}
		} else {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Result:  result,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	start := time.Now()
	result, rpcErr := handler(ctx, params)
	if s.config.LogRequests {
		attrs := []any{"method", method, "took", time.Since(start)}
		if rpcErr != nil {
			attrs = append(attrs, "code", rpcErr.Code)
		}
		s.logger.Info("rpc request", attrs...)
	}
	return result, rpcErr
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, err *RPCError) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
