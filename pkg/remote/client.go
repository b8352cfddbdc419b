package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/handheld/pkg/rpc"
	"github.com/fortiblox/handheld/pkg/vm"
)

// ClientConfig configures a Console client.
type ClientConfig struct {
	// Endpoint is the server address (host:port). Required.
	Endpoint string

	// Token is sent as x-token on every call. ${VAR} references are expanded
	// from the environment.
	Token string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// Encoding is the wire form used for programs. Empty means base64.
	Encoding rpc.Encoding

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize is the maximum message size in bytes.
	MaxMessageSize int

	// DialOptions are appended to the client's own options.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns a client configuration for endpoint.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:         endpoint,
		Encoding:         rpc.EncodingBase64,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		MaxMessageSize:   16 * 1024 * 1024,
	}
}

// Client calls handheld.Console.
type Client struct {
	config ClientConfig
	conn   *grpc.ClientConn
}

// Dial connects to a Console server.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	defaults := DefaultClientConfig(config.Endpoint)
	if config.Encoding == "" {
		config.Encoding = defaults.Encoding
	}
	if config.KeepaliveTime == 0 {
		config.KeepaliveTime = defaults.KeepaliveTime
	}
	if config.KeepaliveTimeout == 0 {
		config.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	kacp := keepalive.ClientParameters{
		Time:                config.KeepaliveTime,
		Timeout:             config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(jsonCodec{}),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      expandToken(config.Token),
			requireTLS: config.UseTLS,
		}))
	}

	opts = append(opts, config.DialOptions...)

	//nolint:staticcheck // DialContext is the connection API of the pinned grpc version
	conn, err := grpc.DialContext(ctx, config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}

	return &Client{config: config, conn: conn}, nil
}

// Run executes program on the server.
func (c *Client) Run(ctx context.Context, program vm.Program) (*rpc.RunResult, error) {
	req, err := c.request(program)
	if err != nil {
		return nil, err
	}
	out := new(rpc.RunResult)
	if err := c.conn.Invoke(ctx, MethodRun, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Repair asks the server for the single-flip repair of program. A program
// with no repair yields a status error with code NotFound.
func (c *Client) Repair(ctx context.Context, program vm.Program) (*rpc.RepairResult, error) {
	req, err := c.request(program)
	if err != nil {
		return nil, err
	}
	out := new(rpc.RepairResult)
	if err := c.conn.Invoke(ctx, MethodRepair, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Analyze runs and, if needed, repairs program on the server.
func (c *Client) Analyze(ctx context.Context, program vm.Program) (*rpc.AnalysisResult, error) {
	req, err := c.request(program)
	if err != nil {
		return nil, err
	}
	out := new(rpc.AnalysisResult)
	if err := c.conn.Invoke(ctx, MethodAnalyze, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) request(program vm.Program) (*ProgramRequest, error) {
	encoded, err := rpc.EncodeProgram(program, c.config.Encoding)
	if err != nil {
		return nil, err
	}
	return &ProgramRequest{Program: encoded, Encoding: c.config.Encoding}, nil
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		tokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// expandToken expands ${VAR} and $VAR references in a token.
func expandToken(token string) string {
	return os.ExpandEnv(token)
}
