package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// cborEncMode encodes records canonically so equal records produce equal
// bytes.
var cborEncMode cbor.EncMode

// Shared zstd coders; both are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("store: failed to create zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: failed to create zstd decoder: %v", err))
	}
}

// EncodeRecord serializes and compresses a record.
func EncodeRecord(rec *Record) ([]byte, error) {
	raw, err := cborEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("store: marshal record: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(data []byte) (*Record, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompress record: %w", err)
	}

	var rec Record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal record: %w", err)
	}
	return &rec, nil
}
