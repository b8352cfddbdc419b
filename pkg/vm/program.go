package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/handheld/internal/types"
)

// Program is an ordered, fixed-length instruction sequence indexed from 0.
//
// A Program is never modified by the interpreter. Variants are produced with
// WithFlipped, which always returns a fresh copy.
type Program []Instruction

// Clone returns a copy that shares no storage with p.
func (p Program) Clone() Program {
	if p == nil {
		return nil
	}
	out := make(Program, len(p))
	copy(out, p)
	return out
}

// WithFlipped returns a copy of p with the instruction at pc flipped.
func (p Program) WithFlipped(pc int) (Program, error) {
	if pc < 0 || pc >= len(p) {
		return nil, fmt.Errorf("%w: %d (length %d)", ErrAddressOutOfRange, pc, len(p))
	}
	flipped, ok := p[pc].Flip()
	if !ok {
		return nil, fmt.Errorf("%w: %s at %d", ErrNotFlippable, p[pc], pc)
	}
	out := p.Clone()
	out[pc] = flipped
	return out, nil
}

// Candidates returns the positions holding nop or jmp, ascending.
func (p Program) Candidates() []int {
	var out []int
	for pc, ins := range p {
		if ins.Flippable() {
			out = append(out, pc)
		}
	}
	return out
}

// MarshalBinary encodes p canonically: a uvarint instruction count, then
// per instruction one op byte followed by the zig-zag varint operand.
func (p Program) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(p)*3)
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	for pc, ins := range p {
		if !ins.Op.Valid() {
			return nil, fmt.Errorf("%w: %s at %d", ErrInvalidInstruction, ins.Op, pc)
		}
		buf = append(buf, byte(ins.Op))
		buf = binary.AppendVarint(buf, ins.Arg)
	}
	return buf, nil
}

// UnmarshalBinary decodes the encoding produced by MarshalBinary.
func (p *Program) UnmarshalBinary(data []byte) error {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return fmt.Errorf("%w: bad instruction count", ErrInvalidEncoding)
	}
	data = data[n:]

	// Each instruction takes at least two bytes.
	if count > uint64(len(data)/2) {
		return fmt.Errorf("%w: count %d exceeds payload", ErrInvalidEncoding, count)
	}

	out := make(Program, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(data) == 0 {
			return fmt.Errorf("%w: truncated at instruction %d", ErrInvalidEncoding, i)
		}
		op := Op(data[0])
		if !op.Valid() {
			return fmt.Errorf("%w: %s at %d", ErrInvalidInstruction, op, i)
		}
		arg, n := binary.Varint(data[1:])
		if n <= 0 {
			return fmt.Errorf("%w: bad operand at instruction %d", ErrInvalidEncoding, i)
		}
		out = append(out, Instruction{Op: op, Arg: arg})
		data = data[1+n:]
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidEncoding, len(data))
	}

	*p = out
	return nil
}

// Hash returns the blake3 digest of the canonical encoding.
func (p Program) Hash() types.Hash {
	data, err := p.MarshalBinary()
	if err != nil {
		// Invalid ops cannot be constructed through the public helpers;
		// hash the raw fields so the result is still stable.
		data = data[:0]
		for _, ins := range p {
			data = append(data, byte(ins.Op))
			data = binary.AppendVarint(data, ins.Arg)
		}
	}
	return types.ComputeHash(data)
}
