package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"

	"github.com/fortiblox/handheld/pkg/asm"
	"github.com/fortiblox/handheld/pkg/vm"
)

// MaxDecodedProgramSize bounds the decompressed size of a base64+zstd
// program. It matches the gRPC message limit.
const MaxDecodedProgramSize = 16 << 20

// ErrProgramTooLarge is returned when a compressed program expands past
// MaxDecodedProgramSize.
var ErrProgramTooLarge = errors.New("decoded program too large")

// EncodeProgram encodes program in the given wire form.
func EncodeProgram(program vm.Program, encoding Encoding) (string, error) {
	if encoding == EncodingAsm {
		return asm.FormatString(program), nil
	}

	data, err := program.MarshalBinary()
	if err != nil {
		return "", err
	}

	switch encoding {
	case EncodingBase58:
		return base58.Encode(data), nil

	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(data), nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return "", fmt.Errorf("zstd compression failed: %w", err)
		}
		return base64.StdEncoding.EncodeToString(compressed), nil

	default:
		return "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// DecodeProgram decodes a program from the given wire form. Text that fails
// to parse yields an *asm.SyntaxError.
func DecodeProgram(encoded string, encoding Encoding) (vm.Program, error) {
	var (
		data []byte
		err  error
	)

	switch encoding {
	case EncodingAsm:
		return asm.ParseString(encoded)

	case EncodingBase58:
		data, err = base58.Decode(encoded)

	case EncodingBase64:
		data, err = base64.StdEncoding.DecodeString(encoded)

	case EncodingBase64Zstd:
		var compressed []byte
		compressed, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		data, err = decompressZstd(compressed)

	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decode failed: %w", encoding, err)
	}

	var program vm.Program
	if err := program.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return program, nil
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// decompressZstd decompresses zstd-compressed data, refusing output larger
// than MaxDecodedProgramSize.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedProgramSize))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrProgramTooLarge, MaxDecodedProgramSize)
	}
	return out, err
}

// ParseEncoding parses an encoding string. The empty string selects asm.
func ParseEncoding(s string) (Encoding, bool) {
	switch Encoding(s) {
	case "", EncodingAsm:
		return EncodingAsm, true
	case EncodingBase58, EncodingBase64, EncodingBase64Zstd:
		return Encoding(s), true
	default:
		return "", false
	}
}
