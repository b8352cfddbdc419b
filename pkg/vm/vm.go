package vm

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrPCOutOfRange       = errors.New("program counter out of range")
	ErrAddressOutOfRange  = errors.New("address out of range")
	ErrNotFlippable       = errors.New("instruction is not nop or jmp")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrInvalidEncoding    = errors.New("invalid program encoding")
)

// Status is the termination status of an execution.
type Status uint8

const (
	// StatusRunning means no terminal condition holds yet.
	StatusRunning Status = iota
	// StatusSuccess means the pc landed exactly one past the last instruction.
	StatusSuccess
	// StatusInfiniteLoop means the pc was about to execute an address twice.
	StatusInfiniteLoop
	// StatusOutOfBounds means the pc left [0, len] without halting.
	StatusOutOfBounds
)

var statusNames = [...]string{
	StatusRunning:      "running",
	StatusSuccess:      "success",
	StatusInfiniteLoop: "infinite_loop",
	StatusOutOfBounds:  "out_of_bounds",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	return s != StatusRunning && int(s) < len(statusNames)
}

// ParseStatus returns the status named by s.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return Status(st), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// State is the mutable execution record.
type State struct {
	PC      int64
	Acc     int64
	Visited map[int64]struct{}
}

// NewState returns the initial state: pc 0, acc 0, nothing visited.
func NewState() State {
	return State{Visited: make(map[int64]struct{})}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	visited := make(map[int64]struct{}, len(s.Visited))
	for pc := range s.Visited {
		visited[pc] = struct{}{}
	}
	return State{PC: s.PC, Acc: s.Acc, Visited: visited}
}

// Result is the outcome of Run.
type Result struct {
	Status Status
	Acc    int64
	PC     int64
	Steps  uint64
}

// TraceFunc is called before each step with the pc, the instruction about to
// run, and the accumulator value.
type TraceFunc func(pc int64, ins Instruction, acc int64)

// Opts configures a VM.
type Opts struct {
	Trace TraceFunc
}

// VM executes one program. It is not safe for concurrent use.
type VM struct {
	program Program
	state   State
	steps   uint64
	trace   TraceFunc
}

// New creates a VM bound to program, in the initial state.
func New(program Program, opts Opts) *VM {
	return &VM{
		program: program,
		state:   NewState(),
		trace:   opts.Trace,
	}
}

// Execute runs program on a fresh VM.
func Execute(program Program) Result {
	return New(program, Opts{}).Run()
}

// Program returns the bound program.
func (v *VM) Program() Program {
	return v.program
}

// PC returns the instruction pointer.
func (v *VM) PC() int64 {
	return v.state.PC
}

// Accumulator returns the accumulator.
func (v *VM) Accumulator() int64 {
	return v.state.Acc
}

// Steps returns the number of instructions executed since New or Restore.
func (v *VM) Steps() uint64 {
	return v.steps
}

// Snapshot returns a copy of the current state.
func (v *VM) Snapshot() State {
	return v.state.Clone()
}

// Restore replaces the current state with a copy of s.
func (v *VM) Restore(s State) {
	v.state = s.Clone()
	if v.state.Visited == nil {
		v.state.Visited = make(map[int64]struct{})
	}
	v.steps = 0
}

// Check returns the termination status of the current state.
// Loop detection takes precedence over the range checks.
func (v *VM) Check() Status {
	pc := v.state.PC
	if _, seen := v.state.Visited[pc]; seen {
		return StatusInfiniteLoop
	}

	n := int64(len(v.program))
	if pc < 0 || pc > n {
		return StatusOutOfBounds
	}
	if pc == n {
		return StatusSuccess
	}
	return StatusRunning
}

// Step executes the instruction at pc.
func (v *VM) Step() error {
	pc := v.state.PC
	if pc < 0 || pc >= int64(len(v.program)) {
		return fmt.Errorf("%w: %d", ErrPCOutOfRange, pc)
	}

	ins := v.program[pc]
	if !ins.Op.Valid() {
		return fmt.Errorf("%w: %s at %d", ErrInvalidInstruction, ins.Op, pc)
	}
	if v.trace != nil {
		v.trace(pc, ins, v.state.Acc)
	}

	v.state.Visited[pc] = struct{}{}

	switch ins.Op {
	case OpNop:
		v.state.PC++
	case OpAcc:
		v.state.Acc += ins.Arg
		v.state.PC++
	case OpJmp:
		v.state.PC += ins.Arg
	}

	v.steps++
	return nil
}

// Run steps until a terminal status is reached.
func (v *VM) Run() Result {
	for {
		status := v.Check()
		if status.Terminal() {
			return v.result(status)
		}
		if err := v.Step(); err != nil {
			// Only reachable with an invalid op smuggled into the program.
			return v.result(StatusOutOfBounds)
		}
	}
}

func (v *VM) result(status Status) Result {
	return Result{
		Status: status,
		Acc:    v.state.Acc,
		PC:     v.state.PC,
		Steps:  v.steps,
	}
}
