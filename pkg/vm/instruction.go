// Package vm defines the boot-code instruction set and its interpreter.
package vm

import (
	"fmt"
	"strconv"
)

// Op is an operation kind. The set is closed: nop, acc, jmp.
type Op uint8

// Operation kinds.
const (
	OpNop Op = iota // Advance by one
	OpAcc           // Add operand to accumulator, advance by one
	OpJmp           // Advance by operand
)

// opNames maps operation kinds to their mnemonics.
var opNames = [...]string{
	OpNop: "nop",
	OpAcc: "acc",
	OpJmp: "jmp",
}

// String returns the mnemonic for the operation.
func (o Op) String() string {
	if !o.Valid() {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return opNames[o]
}

// Valid reports whether o is one of the three defined operations.
func (o Op) Valid() bool {
	return int(o) < len(opNames)
}

// LookupOp returns the operation for a mnemonic.
func LookupOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return Op(op), true
		}
	}
	return 0, false
}

// Instruction is an operation kind and its signed operand.
type Instruction struct {
	Op  Op
	Arg int64
}

// Nop returns a nop instruction.
func Nop(n int64) Instruction { return Instruction{Op: OpNop, Arg: n} }

// Acc returns an acc instruction.
func Acc(n int64) Instruction { return Instruction{Op: OpAcc, Arg: n} }

// Jmp returns a jmp instruction.
func Jmp(n int64) Instruction { return Instruction{Op: OpJmp, Arg: n} }

// Flippable reports whether the instruction is a repair candidate.
func (i Instruction) Flippable() bool {
	return i.Op == OpNop || i.Op == OpJmp
}

// Flip swaps nop and jmp, keeping the operand.
// acc is never flipped.
func (i Instruction) Flip() (Instruction, bool) {
	switch i.Op {
	case OpNop:
		return Jmp(i.Arg), true
	case OpJmp:
		return Nop(i.Arg), true
	default:
		return i, false
	}
}

// String renders the instruction as "<op> <signed operand>", e.g. "jmp -4".
func (i Instruction) String() string {
	arg := strconv.FormatInt(i.Arg, 10)
	if i.Arg >= 0 {
		arg = "+" + arg
	}
	return i.Op.String() + " " + arg
}
