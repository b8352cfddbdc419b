package remote

import (
	"context"

	"google.golang.org/grpc"

	"github.com/fortiblox/handheld/pkg/rpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "handheld.Console"

// Full method names.
const (
	MethodRun     = "/" + ServiceName + "/Run"
	MethodRepair  = "/" + ServiceName + "/Repair"
	MethodAnalyze = "/" + ServiceName + "/Analyze"
)

// ProgramRequest carries one program. Encoding is one of the rpc encodings;
// empty means assembly text.
type ProgramRequest struct {
	Program  string       `json:"program"`
	Encoding rpc.Encoding `json:"encoding,omitempty"`
}

// ConsoleServer is the server side of handheld.Console.
type ConsoleServer interface {
	Run(context.Context, *ProgramRequest) (*rpc.RunResult, error)
	Repair(context.Context, *ProgramRequest) (*rpc.RepairResult, error)
	Analyze(context.Context, *ProgramRequest) (*rpc.AnalysisResult, error)
}

// RegisterConsoleServer registers srv with s.
func RegisterConsoleServer(s grpc.ServiceRegistrar, srv ConsoleServer) {
	s.RegisterService(&consoleServiceDesc, srv)
}

var consoleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConsoleServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Run",
			Handler: unaryHandler(MethodRun, func(srv ConsoleServer, ctx context.Context, req *ProgramRequest) (any, error) {
				return srv.Run(ctx, req)
			}),
		},
		{
			MethodName: "Repair",
			Handler: unaryHandler(MethodRepair, func(srv ConsoleServer, ctx context.Context, req *ProgramRequest) (any, error) {
				return srv.Repair(ctx, req)
			}),
		},
		{
			MethodName: "Analyze",
			Handler: unaryHandler(MethodAnalyze, func(srv ConsoleServer, ctx context.Context, req *ProgramRequest) (any, error) {
				return srv.Analyze(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handheld/console",
}

type consoleCall func(srv ConsoleServer, ctx context.Context, req *ProgramRequest) (any, error)

// unaryHandler adapts call to the grpc method handler signature.
func unaryHandler(fullMethod string, call consoleCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(ProgramRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ConsoleServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ConsoleServer), ctx, req.(*ProgramRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}
