// Package repair finds the single corrupted instruction in a looping program.
//
// Every nop/jmp position is a candidate. For each candidate a private copy of
// the program with that instruction flipped is run on a fresh VM; the first
// candidate, in ascending position order, whose run halts with success is the
// repair. The input program is never modified and no state is shared between
// trials, so trials may run concurrently without changing the answer.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/handheld/internal/logging"
	"github.com/fortiblox/handheld/pkg/vm"
)

// ErrNoRepair is returned when no single flip makes the program halt.
var ErrNoRepair = errors.New("no repair found")

// Options configures a search.
type Options struct {
	// Workers is the number of trials run concurrently. Values below 2 run
	// trials sequentially.
	Workers int

	// PathOnly restricts candidates to positions executed by the unmodified
	// program. Flipping an instruction the program never reaches cannot alter
	// its run, so the answer is unchanged; fewer trials are attempted.
	PathOnly bool

	// Logger receives a debug record per rejected trial.
	Logger *slog.Logger
}

// DefaultOptions returns sequential, full-scan options.
func DefaultOptions() Options {
	return Options{Workers: 1}
}

// Fix describes the accepted repair.
type Fix struct {
	// PC is the repaired position.
	PC int
	// From is the corrupted instruction, To its replacement.
	From vm.Instruction
	To   vm.Instruction
	// Result is the successful run of the repaired program.
	Result vm.Result
	// Trials is the number of candidate programs executed.
	Trials int
}

// Search returns the lowest-position flip that makes program halt.
func Search(ctx context.Context, program vm.Program, opts Options) (*Fix, error) {
	logger := logging.OrDiscard(opts.Logger)

	candidates := Candidates(program, opts.PathOnly)
	logger.Debug("repair search started",
		"length", len(program),
		"candidates", len(candidates),
		"workers", opts.Workers,
		"path_only", opts.PathOnly)

	var (
		fix *Fix
		err error
	)
	if opts.Workers < 2 {
		fix, err = searchSequential(ctx, program, candidates, logger)
	} else {
		fix, err = searchParallel(ctx, program, candidates, opts.Workers, logger)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("repair search finished",
		"pc", fix.PC,
		"from", fix.From.String(),
		"to", fix.To.String(),
		"acc", fix.Result.Acc,
		"trials", fix.Trials)
	return fix, nil
}

// Candidates returns the positions a search would try, ascending.
func Candidates(program vm.Program, pathOnly bool) []int {
	all := program.Candidates()
	if !pathOnly {
		return all
	}

	m := vm.New(program, vm.Opts{})
	m.Run()
	visited := m.Snapshot().Visited

	out := all[:0:0]
	for _, pc := range all {
		if _, ok := visited[int64(pc)]; ok {
			out = append(out, pc)
		}
	}
	return out
}

// Trial runs program with the instruction at pc flipped, on a fresh VM.
func Trial(program vm.Program, pc int) (vm.Result, error) {
	mutated, err := program.WithFlipped(pc)
	if err != nil {
		return vm.Result{}, err
	}
	return vm.Execute(mutated), nil
}

func searchSequential(ctx context.Context, program vm.Program, candidates []int, logger *slog.Logger) (*Fix, error) {
	trials := 0
	for _, pc := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := Trial(program, pc)
		if err != nil {
			return nil, err
		}
		trials++

		if res.Status == vm.StatusSuccess {
			return newFix(program, pc, res, trials), nil
		}
		logger.Debug("trial rejected", "pc", pc, "status", res.Status.String(), "acc", res.Acc)
	}

	return nil, fmt.Errorf("%w after %d trials", ErrNoRepair, trials)
}

func searchParallel(ctx context.Context, program vm.Program, candidates []int, workers int, logger *slog.Logger) (*Fix, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		mu     sync.Mutex
		best   = -1 // index into candidates
		result vm.Result
		trials atomic.Int64
	)

	// settled reports whether a success at a lower index than i is known.
	settled := func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		return best >= 0 && best < i
	}

	for i, pc := range candidates {
		if settled(i) {
			break
		}

		i, pc := i, pc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if settled(i) {
				return nil
			}

			res, err := Trial(program, pc)
			if err != nil {
				return err
			}
			trials.Add(1)

			if res.Status != vm.StatusSuccess {
				logger.Debug("trial rejected", "pc", pc, "status", res.Status.String(), "acc", res.Acc)
				return nil
			}

			mu.Lock()
			if best < 0 || i < best {
				best = i
				result = res
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := int(trials.Load())
	if best < 0 {
		return nil, fmt.Errorf("%w after %d trials", ErrNoRepair, n)
	}
	return newFix(program, candidates[best], result, n), nil
}

func newFix(program vm.Program, pc int, res vm.Result, trials int) *Fix {
	to, _ := program[pc].Flip()
	return &Fix{
		PC:     pc,
		From:   program[pc],
		To:     to,
		Result: res,
		Trials: trials,
	}
}
