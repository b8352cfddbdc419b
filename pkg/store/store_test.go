package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/handheld/internal/types"
	"github.com/fortiblox/handheld/pkg/repair"
	"github.com/fortiblox/handheld/pkg/vm"
)

func exampleProgram() vm.Program {
	return vm.Program{
		vm.Nop(0), vm.Acc(1), vm.Jmp(4), vm.Acc(3), vm.Jmp(-3),
		vm.Acc(-99), vm.Acc(1), vm.Jmp(-4), vm.Acc(6),
	}
}

func exampleRecord(t *testing.T) *Record {
	t.Helper()

	program := exampleProgram()
	run := vm.Execute(program)
	fix, err := repair.Search(context.Background(), program, repair.DefaultOptions())
	if err != nil {
		t.Fatalf("repair.Search failed: %v", err)
	}

	rec, err := NewRecord(program, run, fix, nil)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	return rec
}

// backends opens one store of each kind.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBolt(t.TempDir()+"/records.db", true)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}

	cfg := DefaultBadgerConfig("")
	cfg.InMemory = true
	badger, err := OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}

	stores := map[string]Store{
		"bolt":   bolt,
		"badger": badger,
		"memory": NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestNewRecord(t *testing.T) {
	rec := exampleRecord(t)

	if rec.Hash != exampleProgram().Hash() {
		t.Errorf("Hash = %s, want program hash", rec.Hash)
	}
	if rec.Status != "infinite_loop" || rec.Acc != 5 {
		t.Errorf("run = (%s, %d), want (infinite_loop, 5)", rec.Status, rec.Acc)
	}
	if !rec.Repaired || rec.FixPC != 7 || rec.RepairAcc != 8 {
		t.Errorf("repair = (%v, pc %d, acc %d), want (true, 7, 8)", rec.Repaired, rec.FixPC, rec.RepairAcc)
	}
	if rec.FixFrom != "jmp -4" || rec.FixTo != "nop -4" {
		t.Errorf("flip = %q -> %q, want \"jmp -4\" -> \"nop -4\"", rec.FixFrom, rec.FixTo)
	}

	program, err := rec.DecodeProgram()
	if err != nil {
		t.Fatalf("DecodeProgram failed: %v", err)
	}
	if diff := cmp.Diff(exampleProgram(), program); diff != "" {
		t.Errorf("DecodeProgram mismatch (-want +got):\n%s", diff)
	}

	run, err := rec.RunResult()
	if err != nil {
		t.Fatalf("RunResult failed: %v", err)
	}
	if diff := cmp.Diff(vm.Execute(exampleProgram()), run); diff != "" {
		t.Errorf("RunResult mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRecordRepairError(t *testing.T) {
	program := vm.Program{vm.Jmp(0), vm.Jmp(0)}
	_, searchErr := repair.Search(context.Background(), program, repair.DefaultOptions())

	rec, err := NewRecord(program, vm.Execute(program), nil, searchErr)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	if rec.Repaired {
		t.Error("Repaired = true for a failed search")
	}
	if rec.RepairError == "" {
		t.Error("RepairError is empty")
	}
}

func TestRecordCodecRoundTrip(t *testing.T) {
	rec := exampleRecord(t)

	data, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	back, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}

	if diff := cmp.Diff(rec, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	again, _ := EncodeRecord(back)
	if string(again) != string(data) {
		t.Error("encoding is not deterministic")
	}

	if _, err := DecodeRecord([]byte("not zstd")); err == nil {
		t.Error("DecodeRecord accepted garbage")
	}
}

func TestStoreOperations(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := exampleRecord(t)

			if s.Has(rec.Hash) {
				t.Fatal("Has() = true on empty store")
			}
			if _, err := s.Get(rec.Hash); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get() on empty store = %v, want ErrNotFound", err)
			}

			if err := s.Put(rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if !s.Has(rec.Hash) {
				t.Error("Has() = false after Put")
			}

			got, err := s.Get(rec.Hash)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if diff := cmp.Diff(rec, got); diff != "" {
				t.Errorf("Get mismatch (-want +got):\n%s", diff)
			}

			// Overwrite keeps a single record.
			rec.Trials = 99
			if err := s.Put(rec); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}
			if n, err := s.Count(); err != nil || n != 1 {
				t.Errorf("Count() = (%d, %v), want (1, nil)", n, err)
			}

			if err := s.Delete(rec.Hash); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if s.Has(rec.Hash) {
				t.Error("Has() = true after Delete")
			}
			if err := s.Delete(rec.Hash); err != nil {
				t.Errorf("Delete of missing record = %v, want nil", err)
			}
		})
	}
}

func TestStoreCount(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				program := vm.Program{vm.Acc(int64(i))}
				rec, err := NewRecord(program, vm.Execute(program), nil, nil)
				if err != nil {
					t.Fatalf("NewRecord failed: %v", err)
				}
				if err := s.Put(rec); err != nil {
					t.Fatalf("Put %d failed: %v", i, err)
				}
			}
			n, err := s.Count()
			if err != nil {
				t.Fatalf("Count failed: %v", err)
			}
			if n != 5 {
				t.Errorf("Count() = %d, want 5", n)
			}
		})
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	const writers, perWriter = 8, 25

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, writers*perWriter)

			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						program := vm.Program{vm.Acc(int64(w*perWriter + i))}
						rec, err := NewRecord(program, vm.Execute(program), nil, nil)
						if err != nil {
							errs <- err
							return
						}
						if err := s.Put(rec); err != nil {
							errs <- err
						}
						if _, err := s.Count(); err != nil {
							errs <- err
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Errorf("concurrent write failed: %v", err)
			}
			n, err := s.Count()
			if err != nil {
				t.Fatalf("Count failed: %v", err)
			}
			if n != writers*perWriter {
				t.Errorf("Count() = %d, want %d", n, writers*perWriter)
			}
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close = %v, want nil", err)
			}

			var h types.Hash
			if _, err := s.Get(h); !errors.Is(err, ErrClosed) {
				t.Errorf("Get after Close = %v, want ErrClosed", err)
			}
			if err := s.Put(&Record{}); !errors.Is(err, ErrClosed) {
				t.Errorf("Put after Close = %v, want ErrClosed", err)
			}
			if s.Has(h) {
				t.Error("Has after Close = true")
			}
		})
	}
}

func TestBoltPersists(t *testing.T) {
	path := t.TempDir() + "/records.db"
	rec := exampleRecord(t)

	s, err := OpenBolt(path, false)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = OpenBolt(path, false)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get(rec.Hash)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.RepairAcc != 8 {
		t.Errorf("RepairAcc = %d, want 8", got.RepairAcc)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		cfg     Config
		wantErr error
	}{
		{Config{Backend: BackendBolt, Path: dir}, nil},
		{Config{Backend: BackendBadger, InMemory: true}, nil},
		{Config{Backend: BackendMemory}, nil},
		{Config{Backend: "leveldb", Path: dir}, ErrUnknownBackend},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.cfg.Backend), func(t *testing.T) {
			s, err := Open(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Open() = %v, want %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}
