package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	v, err := NewRandom("test-passphrase")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plaintext := []byte("hello, vault!")

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatal("sealed document lacks magic prefix")
	}

	opened, err := Open("test-passphrase", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v, _ := NewRandom("correct-passphrase")
	sealed, err := v.Seal([]byte("secret data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open("wrong-passphrase", sealed); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestRandomSaltsDiffer(t *testing.T) {
	v1, _ := NewRandom("same")
	v2, _ := NewRandom("same")
	s1, _ := v1.Seal([]byte("x"))
	s2, _ := v2.Seal([]byte("x"))
	if bytes.Equal(s1, s2) {
		t.Fatal("two seals of the same plaintext should differ")
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v, _ := NewRandom("test")
	sealed, err := v.Seal([]byte{})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := Open("test", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("expected empty, got %q", opened)
	}
}

func TestOpenRejectsPlainData(t *testing.T) {
	if _, err := Open("test", []byte("plain zstd stream")); !errors.Is(err, ErrNotSealed) {
		t.Errorf("err = %v, want ErrNotSealed", err)
	}
	if _, err := Open("test", append(append([]byte{}, Magic...), 1, 2, 3)); err == nil {
		t.Error("expected error for truncated document")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("", make([]byte, saltLen)); err == nil {
		t.Error("expected error for empty passphrase")
	}
	if _, err := New("x", []byte("short")); err == nil {
		t.Error("expected error for short salt")
	}
}
