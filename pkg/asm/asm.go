// Package asm reads and writes boot code in its text form:
//
//	nop +0
//	acc +1
//	jmp -4
//
// One instruction per line, a mnemonic and a signed decimal operand separated
// by whitespace. Blank lines are ignored.
package asm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fortiblox/handheld/pkg/vm"
)

// Errors wrapped by SyntaxError.
var (
	ErrUnknownOp     = errors.New("unknown operation")
	ErrBadOperand    = errors.New("operand is not a signed integer")
	ErrMalformedLine = errors.New("expected \"<op> <operand>\"")
)

// SyntaxError reports the line a parse failed on.
type SyntaxError struct {
	Line int
	Text string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Parse reads a program from r.
func Parse(r io.Reader) (vm.Program, error) {
	var program vm.Program

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		ins, err := ParseInstruction(text)
		if err != nil {
			return nil, &SyntaxError{Line: line, Text: text, Err: err}
		}
		program = append(program, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}

	return program, nil
}

// ParseString parses a program held in memory.
func ParseString(s string) (vm.Program, error) {
	return Parse(strings.NewReader(s))
}

// ParseInstruction parses a single "<op> <operand>" line.
func ParseInstruction(text string) (vm.Instruction, error) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return vm.Instruction{}, ErrMalformedLine
	}

	op, ok := vm.LookupOp(fields[0])
	if !ok {
		return vm.Instruction{}, fmt.Errorf("%w %q", ErrUnknownOp, fields[0])
	}

	arg, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return vm.Instruction{}, fmt.Errorf("%w: %v", ErrBadOperand, err)
	}

	return vm.Instruction{Op: op, Arg: arg}, nil
}

// Format writes program to w in the form Parse accepts.
func Format(w io.Writer, program vm.Program) error {
	bw := bufio.NewWriter(w)
	for _, ins := range program {
		if _, err := bw.WriteString(ins.String()); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// FormatString returns the text form of program.
func FormatString(program vm.Program) string {
	var sb strings.Builder
	_ = Format(&sb, program)
	return sb.String()
}
