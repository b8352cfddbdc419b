package types

import (
	"errors"
	"testing"
)

func TestHashBase58RoundTrip(t *testing.T) {
	h := ComputeHash([]byte("nop +0\nacc +1\n"))
	if h.IsZero() {
		t.Fatal("ComputeHash returned zero hash")
	}

	parsed, err := HashFromBase58(h.String())
	if err != nil {
		t.Fatalf("HashFromBase58 failed: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip mismatch: got %s, want %s", parsed, h)
	}
}

func TestHashDeterministic(t *testing.T) {
	a := ComputeHash([]byte{1, 2, 3})
	b := ComputeHash([]byte{1, 2, 3})
	c := ComputeHash([]byte{1, 2, 4})

	if a != b {
		t.Error("same input produced different hashes")
	}
	if a == c {
		t.Error("different input produced the same hash")
	}
}

func TestHashFromBytesInvalid(t *testing.T) {
	if _, err := HashFromBytes(make([]byte, 31)); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("HashFromBytes(31 bytes) = %v, want ErrInvalidHash", err)
	}
	if _, err := HashFromBase58("2g"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("HashFromBase58(short) = %v, want ErrInvalidHash", err)
	}
	if _, err := HashFromBase58("0OIl"); err == nil {
		t.Error("HashFromBase58 accepted characters outside the base58 alphabet")
	}
}

func TestHashText(t *testing.T) {
	h := ComputeHash([]byte("jmp -4"))

	text, err := h.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var back Hash
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != h {
		t.Errorf("UnmarshalText = %s, want %s", back, h)
	}
	if len(h.Short()) != 8 {
		t.Errorf("Short() = %q, want 8 characters", h.Short())
	}
}
