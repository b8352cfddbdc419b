// Package store persists analysis reports keyed by program hash.
//
// Only final outcomes are stored (the direct run and the repair); interpreter
// state is never persisted. Records are CBOR-encoded and zstd-compressed before
// they reach a backend, so every backend stores the same bytes.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fortiblox/handheld/internal/types"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/vm"
)

var (
	// ErrNotFound is returned when no record exists for a hash.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Backend names accepted by Open.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Record is a persisted analysis of one program.
type Record struct {
	Hash    types.Hash `cbor:"1,keyasint"`
	Program []byte     `cbor:"2,keyasint"` // canonical vm.Program encoding
	Length  int        `cbor:"3,keyasint"`

	// Direct run.
	Status string `cbor:"4,keyasint"`
	Acc    int64  `cbor:"5,keyasint"`
	PC     int64  `cbor:"6,keyasint"`
	Steps  uint64 `cbor:"7,keyasint"`

	// Repair, attempted only when the direct run loops.
	Repaired    bool   `cbor:"8,keyasint"`
	FixPC       int    `cbor:"9,keyasint,omitempty"`
	FixFrom     string `cbor:"10,keyasint,omitempty"`
	FixTo       string `cbor:"11,keyasint,omitempty"`
	RepairAcc   int64  `cbor:"12,keyasint,omitempty"`
	Trials      int    `cbor:"13,keyasint,omitempty"`
	RepairError string `cbor:"14,keyasint,omitempty"`

	CreatedAt time.Time `cbor:"15,keyasint"`
}

// NewRecord builds a record from a program, its direct run, and the outcome
// of the repair search (fix and repairErr both nil when no search ran).
func NewRecord(program vm.Program, run vm.Result, fix *repair.Fix, repairErr error) (*Record, error) {
	data, err := program.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}

	rec := &Record{
		Hash:      types.ComputeHash(data),
		Program:   data,
		Length:    len(program),
		Status:    run.Status.String(),
		Acc:       run.Acc,
		PC:        run.PC,
		Steps:     run.Steps,
		CreatedAt: time.Now().UTC(),
	}
	if fix != nil {
		rec.Repaired = true
		rec.FixPC = fix.PC
		rec.FixFrom = fix.From.String()
		rec.FixTo = fix.To.String()
		rec.RepairAcc = fix.Result.Acc
		rec.Trials = fix.Trials
	}
	if repairErr != nil {
		rec.RepairError = repairErr.Error()
	}
	return rec, nil
}

// DecodeProgram returns the stored program.
func (r *Record) DecodeProgram() (vm.Program, error) {
	var p vm.Program
	if err := p.UnmarshalBinary(r.Program); err != nil {
		return nil, err
	}
	return p, nil
}

// RunResult returns the stored direct run.
func (r *Record) RunResult() (vm.Result, error) {
	status, err := vm.ParseStatus(r.Status)
	if err != nil {
		return vm.Result{}, err
	}
	return vm.Result{Status: status, Acc: r.Acc, PC: r.PC, Steps: r.Steps}, nil
}

// Store is the record storage interface.
type Store interface {
	Get(hash types.Hash) (*Record, error)
	Put(rec *Record) error
	Has(hash types.Hash) bool
	Delete(hash types.Hash) error
	Count() (int, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of bolt, badger, memory.
	Backend string

	// Path is the data directory for on-disk backends.
	Path string

	// NoSync disables fsync after each write (bolt) / uses async writes (badger).
	NoSync bool

	// InMemory runs badger without touching disk.
	InMemory bool
}

// DefaultConfig returns a bolt store rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Backend: BackendBolt,
		Path:    dir,
	}
}

// Open opens the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendBolt, "":
		return OpenBolt(filepath.Join(cfg.Path, "records.db"), cfg.NoSync)
	case BackendBadger:
		bcfg := DefaultBadgerConfig(filepath.Join(cfg.Path, "records"))
		bcfg.InMemory = cfg.InMemory
		bcfg.SyncWrites = !cfg.NoSync
		return OpenBadger(bcfg)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
