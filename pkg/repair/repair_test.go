package repair

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/handheld/pkg/vm"
)

func exampleProgram() vm.Program {
	return vm.Program{
		vm.Nop(0),
		vm.Acc(1),
		vm.Jmp(4),
		vm.Acc(3),
		vm.Jmp(-3),
		vm.Acc(-99),
		vm.Acc(1),
		vm.Jmp(-4),
		vm.Acc(6),
	}
}

func TestSearchExample(t *testing.T) {
	for _, opts := range []Options{
		{Workers: 1},
		{Workers: 1, PathOnly: true},
		{Workers: 4},
		{Workers: 4, PathOnly: true},
	} {
		fix, err := Search(context.Background(), exampleProgram(), opts)
		if err != nil {
			t.Fatalf("Search(%+v) failed: %v", opts, err)
		}

		if fix.PC != 7 {
			t.Errorf("Search(%+v).PC = %d, want 7", opts, fix.PC)
		}
		if fix.From != vm.Jmp(-4) || fix.To != vm.Nop(-4) {
			t.Errorf("Search(%+v) flipped %s -> %s, want jmp -4 -> nop -4", opts, fix.From, fix.To)
		}
		if fix.Result.Status != vm.StatusSuccess || fix.Result.Acc != 8 {
			t.Errorf("Search(%+v).Result = %+v, want success with acc 8", opts, fix.Result)
		}
		if fix.Trials < 1 {
			t.Errorf("Search(%+v).Trials = %d, want at least 1", opts, fix.Trials)
		}
	}
}

func TestSearchSequentialTrialCount(t *testing.T) {
	fix, err := Search(context.Background(), exampleProgram(), DefaultOptions())
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// Candidates are 0, 2, 4, 7; the fourth one succeeds.
	if fix.Trials != 4 {
		t.Errorf("Trials = %d, want 4", fix.Trials)
	}
}

func TestSearchFixIsIndependentlyValid(t *testing.T) {
	program := exampleProgram()

	fix, err := Search(context.Background(), program, DefaultOptions())
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	repaired, err := program.WithFlipped(fix.PC)
	if err != nil {
		t.Fatalf("WithFlipped(%d) failed: %v", fix.PC, err)
	}
	if diff := cmp.Diff(fix.Result, vm.Execute(repaired)); diff != "" {
		t.Errorf("standalone run differs from reported result (-fix +run):\n%s", diff)
	}

	if diff := cmp.Diff(exampleProgram(), program); diff != "" {
		t.Errorf("search modified its input (-want +got):\n%s", diff)
	}
}

func TestSearchPicksLowestPosition(t *testing.T) {
	// Both flips halt; the lower position wins regardless of scheduling.
	//
	// 0: nop +2   flip -> jmp +2 skips the loop at 1
	// 1: jmp +0   flip -> nop    falls through
	// 2: acc +5
	program := vm.Program{vm.Nop(2), vm.Jmp(0), vm.Acc(5)}

	for _, workers := range []int{1, 3} {
		fix, err := Search(context.Background(), program, Options{Workers: workers})
		if err != nil {
			t.Fatalf("workers=%d: Search failed: %v", workers, err)
		}
		if fix.PC != 0 {
			t.Errorf("workers=%d: PC = %d, want 0", workers, fix.PC)
		}
		if fix.Result.Acc != 5 {
			t.Errorf("workers=%d: Acc = %d, want 5", workers, fix.Result.Acc)
		}
	}
}

func TestSearchNoRepair(t *testing.T) {
	tests := []struct {
		name    string
		program vm.Program
	}{
		{"only acc", vm.Program{vm.Acc(1), vm.Acc(2)}},
		{"two faults", vm.Program{vm.Jmp(0), vm.Jmp(0)}},
		{"empty", vm.Program{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, workers := range []int{1, 2} {
				fix, err := Search(context.Background(), tt.program, Options{Workers: workers})
				if !errors.Is(err, ErrNoRepair) {
					t.Errorf("workers=%d: Search() = (%+v, %v), want ErrNoRepair", workers, fix, err)
				}
				if fix != nil {
					t.Errorf("workers=%d: Search() returned a fix alongside the error", workers)
				}
			}
		})
	}
}

func TestSearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		_, err := Search(ctx, exampleProgram(), Options{Workers: workers})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("workers=%d: Search() = %v, want context.Canceled", workers, err)
		}
	}
}

func TestCandidatesPathOnly(t *testing.T) {
	// The loop at 1..2 never reaches pc 3 onwards.
	program := vm.Program{
		vm.Nop(0), vm.Acc(1), vm.Jmp(-1), vm.Nop(0), vm.Acc(1), vm.Jmp(-3), vm.Nop(0),
	}

	if diff := cmp.Diff([]int{0, 2, 3, 5, 6}, Candidates(program, false)); diff != "" {
		t.Errorf("Candidates(full) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 2}, Candidates(program, true)); diff != "" {
		t.Errorf("Candidates(path) mismatch (-want +got):\n%s", diff)
	}
}

func TestTrialRejectsAcc(t *testing.T) {
	if _, err := Trial(exampleProgram(), 1); !errors.Is(err, vm.ErrNotFlippable) {
		t.Errorf("Trial(acc) = %v, want ErrNotFlippable", err)
	}
}
