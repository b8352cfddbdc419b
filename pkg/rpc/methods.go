package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/handheld/internal/types"
	"github.com/fortiblox/handheld/pkg/analysis"
	"github.com/fortiblox/handheld/pkg/asm"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/store"
	"github.com/fortiblox/handheld/pkg/vm"
)

// Version is reported by getVersion.
const Version = "handheld-0.1.0"

// Program Methods

// run executes a program directly. Params: [program, config?]
func (s *Server) run(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	program, rpcErr := parseProgramParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return NewRunResult(program.Hash(), s.analyzer.Run(program)), nil
}

// repair finds the single flip that makes a program halt. Params: [program, config?]
func (s *Server) repair(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	program, rpcErr := parseProgramParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	hash := program.Hash()
	fix, err := s.analyzer.Repair(ctx, program)
	if err != nil {
		if errors.Is(err, repair.ErrNoRepair) {
			return nil, NoRepairError(hash.String(), err)
		}
		return nil, InternalServerErrorf("repair failed: %v", err)
	}

	result := NewRepairResult(fix)
	result.Hash = hash.String()
	return result, nil
}

// analyze runs a program and repairs it if it loops. Params: [program, config?]
//
// A program that loops without a repair is not an error: the result carries
// repairError instead.
func (s *Server) analyze(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	program, rpcErr := parseProgramParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	report, err := s.analyzer.Analyze(ctx, program)
	if err != nil && !errors.Is(err, repair.ErrNoRepair) {
		return nil, InternalServerErrorf("analysis failed: %v", err)
	}

	return NewAnalysisResult(report), nil
}

// Record Methods

// getRecord returns a stored analysis. Params: [hash, config?]
func (s *Server) getRecord(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing hash parameter")
	}

	var hashStr string
	if err := json.Unmarshal(args[0], &hashStr); err != nil {
		return nil, InvalidParamsError("invalid hash")
	}

	hash, err := types.HashFromBase58(hashStr)
	if err != nil {
		return nil, InvalidParamsError("invalid hash format")
	}

	var config RecordConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	encoding, ok := ParseEncoding(string(config.Encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}

	report, program, err := s.analyzer.Record(hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, InternalServerErrorf("failed to read record: %v", err)
	}

	encoded, err := EncodeProgram(program, encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode program: %v", err)
	}

	return RecordResult{
		AnalysisResult: NewAnalysisResult(report),
		Program:        encoded,
		Encoding:       encoding,
		Length:         len(program),
	}, nil
}

// Node Methods

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{Handheld: Version}, nil
}

// getStats returns analyzer counters.
func (s *Server) getStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	st := s.analyzer.Stats()
	return StatsResult{
		Analyses:  st.Analyses,
		CacheHits: st.CacheHits,
		Repairs:   st.Repairs,
		NoRepairs: st.NoRepairs,
	}, nil
}

// parseProgramParams decodes [program, config?].
func parseProgramParams(params json.RawMessage) (vm.Program, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing program parameter")
	}

	var source string
	if err := json.Unmarshal(args[0], &source); err != nil {
		return nil, InvalidParamsError("invalid program")
	}

	var config ProgramConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	encoding, ok := ParseEncoding(string(config.Encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}

	program, err := DecodeProgram(source, encoding)
	if err != nil {
		var syntaxErr *asm.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, ProgramSyntaxError(syntaxErr)
		}
		return nil, InvalidParamsErrorf("invalid program: %v", err)
	}
	return program, nil
}

// NewRunResult converts a direct run.
func NewRunResult(hash types.Hash, res vm.Result) RunResult {
	return RunResult{
		Hash:   hash.String(),
		Status: res.Status.String(),
		Acc:    res.Acc,
		PC:     res.PC,
		Steps:  res.Steps,
	}
}

// NewRepairResult converts an accepted repair. Hash is left empty.
func NewRepairResult(fix *repair.Fix) *RepairResult {
	return &RepairResult{
		PC:     fix.PC,
		From:   fix.From.String(),
		To:     fix.To.String(),
		Acc:    fix.Result.Acc,
		Steps:  fix.Result.Steps,
		Trials: fix.Trials,
	}
}

// NewAnalysisResult converts an analysis report.
func NewAnalysisResult(report *analysis.Report) AnalysisResult {
	result := AnalysisResult{
		Hash:   report.Hash.String(),
		Run:    NewRunResult(report.Hash, report.Run),
		Cached: report.Cached,
	}
	if report.Fix != nil {
		result.Repair = NewRepairResult(report.Fix)
	}
	if report.RepairErr != nil {
		result.RepairError = report.RepairErr.Error()
	}
	return result
}
