package remote

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/handheld/pkg/analysis"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/rpc"
	"github.com/fortiblox/handheld/pkg/store"
	"github.com/fortiblox/handheld/pkg/vm"
)

func exampleProgram() vm.Program {
	return vm.Program{
		vm.Nop(0), vm.Acc(1), vm.Jmp(4), vm.Acc(3), vm.Jmp(-3),
		vm.Acc(-99), vm.Acc(1), vm.Jmp(-4), vm.Acc(6),
	}
}

// startServer serves a Console over an in-process listener.
func startServer(t *testing.T, token string) *bufconn.Listener {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	analyzer := analysis.New(analysis.Config{
		Repair: repair.DefaultOptions(),
		Store:  s,
	})

	cfg := DefaultConfig()
	cfg.Token = token
	srv := New(cfg, analyzer)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(context.Background(), lis)
	t.Cleanup(srv.Stop)

	return lis
}

func dialServer(t *testing.T, lis *bufconn.Listener, cfg ClientConfig) *Client {
	t.Helper()

	cfg.Endpoint = "bufnet"
	cfg.DialOptions = append(cfg.DialOptions, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))

	client, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRun(t *testing.T) {
	lis := startServer(t, "")
	client := dialServer(t, lis, DefaultClientConfig(""))

	res, err := client.Run(testContext(t), exampleProgram())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != "infinite_loop" || res.Acc != 5 {
		t.Errorf("Run() = (%s, %d), want (infinite_loop, 5)", res.Status, res.Acc)
	}
	if res.Hash != exampleProgram().Hash().String() {
		t.Errorf("Hash = %s, want %s", res.Hash, exampleProgram().Hash())
	}
}

func TestRunEncodings(t *testing.T) {
	lis := startServer(t, "")

	for _, enc := range []rpc.Encoding{rpc.EncodingAsm, rpc.EncodingBase58, rpc.EncodingBase64, rpc.EncodingBase64Zstd} {
		t.Run(string(enc), func(t *testing.T) {
			cfg := DefaultClientConfig("")
			cfg.Encoding = enc
			client := dialServer(t, lis, cfg)

			res, err := client.Run(testContext(t), vm.Program{vm.Acc(1)})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.Status != "success" || res.Acc != 1 {
				t.Errorf("Run() = (%s, %d), want (success, 1)", res.Status, res.Acc)
			}
		})
	}
}

func TestRepair(t *testing.T) {
	lis := startServer(t, "")
	client := dialServer(t, lis, DefaultClientConfig(""))

	res, err := client.Repair(testContext(t), exampleProgram())
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if res.PC != 7 || res.Acc != 8 {
		t.Errorf("Repair() = pc %d acc %d, want pc 7 acc 8", res.PC, res.Acc)
	}
	if res.From != "jmp -4" || res.To != "nop -4" {
		t.Errorf("flip = %s -> %s, want jmp -4 -> nop -4", res.From, res.To)
	}
}

func TestRepairNotFound(t *testing.T) {
	lis := startServer(t, "")
	client := dialServer(t, lis, DefaultClientConfig(""))

	_, err := client.Repair(testContext(t), vm.Program{vm.Jmp(0), vm.Jmp(0)})
	if code := status.Code(err); code != codes.NotFound {
		t.Errorf("Repair() code = %v, want NotFound (err %v)", code, err)
	}
}

func TestAnalyze(t *testing.T) {
	lis := startServer(t, "")
	client := dialServer(t, lis, DefaultClientConfig(""))

	first, err := client.Analyze(testContext(t), exampleProgram())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if first.Cached || first.Repair == nil || first.Repair.Acc != 8 {
		t.Errorf("first Analyze() = %+v, want fresh report with repair acc 8", first)
	}

	second, err := client.Analyze(testContext(t), exampleProgram())
	if err != nil {
		t.Fatalf("second Analyze failed: %v", err)
	}
	if !second.Cached {
		t.Error("second Analyze() was not served from the store")
	}

	noFix, err := client.Analyze(testContext(t), vm.Program{vm.Jmp(0), vm.Jmp(0)})
	if err != nil {
		t.Fatalf("Analyze of unrepairable program failed: %v", err)
	}
	if noFix.Repair != nil || noFix.RepairError == "" {
		t.Errorf("Analyze() = %+v, want repairError and no repair", noFix)
	}
}

func TestInvalidProgram(t *testing.T) {
	lis := startServer(t, "")
	client := dialServer(t, lis, DefaultClientConfig(""))

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	bomb := base64.StdEncoding.EncodeToString(enc.EncodeAll(make([]byte, 2*rpc.MaxDecodedProgramSize), nil))
	enc.Close()

	tests := []struct {
		name string
		req  *ProgramRequest
	}{
		{"oversize zstd", &ProgramRequest{Program: bomb, Encoding: rpc.EncodingBase64Zstd}},
		{"syntax error", &ProgramRequest{Program: "nop +0\nhcf +1\n"}},
		{"bad base64", &ProgramRequest{Program: "!!!", Encoding: rpc.EncodingBase64}},
		{"unknown encoding", &ProgramRequest{Program: "", Encoding: "hex"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.conn.Invoke(testContext(t), MethodRun, tt.req, new(rpc.RunResult))
			if code := status.Code(err); code != codes.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument (err %v)", code, err)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	t.Setenv("HANDHELD_TEST_TOKEN", "s3cret")
	lis := startServer(t, "${HANDHELD_TEST_TOKEN}")

	tests := []struct {
		name     string
		token    string
		wantCode codes.Code
	}{
		{"no token", "", codes.Unauthenticated},
		{"wrong token", "guess", codes.Unauthenticated},
		{"right token", "s3cret", codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClientConfig("")
			cfg.Token = tt.token
			client := dialServer(t, lis, cfg)

			_, err := client.Run(testContext(t), vm.Program{vm.Acc(1)})
			if code := status.Code(err); code != tt.wantCode {
				t.Errorf("code = %v, want %v (err %v)", code, tt.wantCode, err)
			}
		})
	}
}

func TestDialRequiresEndpoint(t *testing.T) {
	if _, err := Dial(context.Background(), ClientConfig{}); err == nil {
		t.Error("Dial with empty endpoint succeeded")
	}
}
