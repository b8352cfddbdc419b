// Package analysis combines a direct run, the repair search, and the result
// store into the single operation served by the CLI and the remote APIs.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fortiblox/handheld/internal/logging"
	"github.com/fortiblox/handheld/internal/types"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/store"
	"github.com/fortiblox/handheld/pkg/vm"
)

// ErrUnexpectedStatus is returned by Diagnose when the program does not loop.
var ErrUnexpectedStatus = errors.New("expected infinite loop")

// Config configures an Analyzer.
type Config struct {
	// Repair is passed to every repair search.
	Repair repair.Options

	// Store caches reports. Nil disables caching.
	Store store.Store

	Logger *slog.Logger
}

// Report is the full analysis of one program.
type Report struct {
	Hash types.Hash
	Run  vm.Result

	// Fix is set when the direct run looped and a repair was found.
	Fix *repair.Fix

	// RepairErr is set when the direct run looped and no repair was found.
	RepairErr error

	// Cached is true when the report came from the store.
	Cached bool
}

// Stats counts analyzer activity.
type Stats struct {
	Analyses  uint64
	CacheHits uint64
	Repairs   uint64
	NoRepairs uint64
}

// Analyzer runs and repairs programs.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger

	analyses  atomic.Uint64
	cacheHits atomic.Uint64
	repairs   atomic.Uint64
	noRepairs atomic.Uint64
}

// New creates an Analyzer.
func New(cfg Config) *Analyzer {
	logger := logging.OrDiscard(cfg.Logger)
	cfg.Repair.Logger = logger
	return &Analyzer{cfg: cfg, logger: logger}
}

// Run executes program directly on a fresh VM.
func (a *Analyzer) Run(program vm.Program) vm.Result {
	return vm.Execute(program)
}

// Diagnose runs program and returns the accumulator at the point the loop is
// detected. Any other terminal status is an error.
func (a *Analyzer) Diagnose(program vm.Program) (int64, error) {
	res := vm.Execute(program)
	if res.Status != vm.StatusInfiniteLoop {
		return 0, fmt.Errorf("%w: program terminated with %s at pc %d", ErrUnexpectedStatus, res.Status, res.PC)
	}
	return res.Acc, nil
}

// Repair runs the repair search without consulting the store.
func (a *Analyzer) Repair(ctx context.Context, program vm.Program) (*repair.Fix, error) {
	return repair.Search(ctx, program, a.cfg.Repair)
}

// Analyze runs program and, if it loops, repairs it. Reports are cached by
// program hash. A loop without a repair yields a report with RepairErr set
// and an error wrapping repair.ErrNoRepair.
func (a *Analyzer) Analyze(ctx context.Context, program vm.Program) (*Report, error) {
	a.analyses.Add(1)
	hash := program.Hash()

	if a.cfg.Store != nil {
		rec, err := a.cfg.Store.Get(hash)
		switch {
		case err == nil:
			report, err := reportFromRecord(rec, program)
			if err == nil {
				a.cacheHits.Add(1)
				a.logger.Debug("report served from store", "hash", hash.Short())
				return report, report.RepairErr
			}
			a.logger.Warn("discarding unreadable record", "hash", hash.Short(), "error", err)
		case errors.Is(err, store.ErrNotFound):
		default:
			a.logger.Warn("store lookup failed", "hash", hash.Short(), "error", err)
		}
	}

	report := &Report{Hash: hash, Run: vm.Execute(program)}
	if report.Run.Status == vm.StatusInfiniteLoop {
		fix, err := repair.Search(ctx, program, a.cfg.Repair)
		switch {
		case err == nil:
			report.Fix = fix
			a.repairs.Add(1)
		case errors.Is(err, repair.ErrNoRepair):
			report.RepairErr = err
			a.noRepairs.Add(1)
		default:
			// Cancellation: nothing worth caching.
			return nil, err
		}
	}

	a.logger.Info("program analyzed",
		"hash", hash.Short(),
		"length", len(program),
		"status", report.Run.Status.String(),
		"acc", report.Run.Acc,
		"repaired", report.Fix != nil)

	if a.cfg.Store != nil {
		rec, err := store.NewRecord(program, report.Run, report.Fix, report.RepairErr)
		if err == nil {
			err = a.cfg.Store.Put(rec)
		}
		if err != nil {
			a.logger.Warn("store write failed", "hash", hash.Short(), "error", err)
		}
	}

	return report, report.RepairErr
}

// Stats returns a snapshot of the counters.
func (a *Analyzer) Stats() Stats {
	return Stats{
		Analyses:  a.analyses.Load(),
		CacheHits: a.cacheHits.Load(),
		Repairs:   a.repairs.Load(),
		NoRepairs: a.noRepairs.Load(),
	}
}

// Lookup returns the stored report for hash.
func (a *Analyzer) Lookup(hash types.Hash) (*Report, error) {
	report, _, err := a.Record(hash)
	return report, err
}

// Record returns the stored report for hash together with the program it
// describes.
func (a *Analyzer) Record(hash types.Hash) (*Report, vm.Program, error) {
	if a.cfg.Store == nil {
		return nil, nil, store.ErrNotFound
	}
	rec, err := a.cfg.Store.Get(hash)
	if err != nil {
		return nil, nil, err
	}
	program, err := rec.DecodeProgram()
	if err != nil {
		return nil, nil, err
	}
	report, err := reportFromRecord(rec, program)
	if err != nil {
		return nil, nil, err
	}
	return report, program, nil
}

func reportFromRecord(rec *store.Record, program vm.Program) (*Report, error) {
	run, err := rec.RunResult()
	if err != nil {
		return nil, err
	}
	report := &Report{Hash: rec.Hash, Run: run, Cached: true}

	if rec.Repaired {
		if rec.FixPC < 0 || rec.FixPC >= len(program) {
			return nil, fmt.Errorf("record fix pc %d outside program of length %d", rec.FixPC, len(program))
		}
		from := program[rec.FixPC]
		to, ok := from.Flip()
		if !ok {
			return nil, fmt.Errorf("record fix pc %d holds %s", rec.FixPC, from)
		}
		repaired, _ := program.WithFlipped(rec.FixPC)
		report.Fix = &repair.Fix{
			PC:     rec.FixPC,
			From:   from,
			To:     to,
			Result: vm.Execute(repaired),
			Trials: rec.Trials,
		}
	}
	if rec.RepairError != "" {
		report.RepairErr = fmt.Errorf("%w (cached)", repair.ErrNoRepair)
	}
	return report, nil
}
