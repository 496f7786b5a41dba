package token

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Ensure generated strings are independent of any later reads from the
// same generator.
func TestStringImmutability(t *testing.T) {
	g := NewSecretGenerator()

	s, err := g.String(32)
	if err != nil {
		t.Fatalf("initial String failed: %v", err)
	}
	snap := append([]byte(nil), s...)

	for i := 0; i < 200; i++ {
		if _, err := g.String(32); err != nil {
			t.Fatalf("String call %d failed: %v", i, err)
		}
	}
	if string(snap) != s {
		t.Fatalf("generated string mutated: got %q, want %q", s, string(snap))
	}
}

func TestStringCharset(t *testing.T) {
	g := NewSecretGenerator(bytes.NewReader(bytes.Repeat([]byte{0xFF, 0x00, 0x3E}, 8)))
	s, err := g.String(6)
	if err != nil {
		t.Fatalf("String failed: %v", err)
	}
	if s != "_A-_A-" {
		t.Fatalf("String: got %q", s)
	}
}

func TestShortReadFails(t *testing.T) {
	g := NewSecretGenerator(bytes.NewReader(make([]byte, 4)))
	if _, err := g.Key(32); !errors.Is(err, ErrReaderFailed) {
		t.Fatalf("expected ErrReaderFailed, got %v", err)
	}
	if _, err := g.Key(0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
	if _, err := g.String(-1); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestWriteReadSecret(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".env", "keys.json", "keys.yaml"} {
		path := filepath.Join(dir, name)
		if err := WriteSecret(path, "QAUTH_SEED", "first"); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if err := WriteSecret(path, "QAUTH_KID", "kid-1"); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if err := WriteSecret(path, "QAUTH_SEED", "second"); err != nil {
			t.Fatalf("%s: overwrite: %v", name, err)
		}
		got, err := ReadSecret(path, "QAUTH_SEED")
		if err != nil || got != "second" {
			t.Fatalf("%s: read seed: %q, %v", name, got, err)
		}
		got, err = ReadSecret(path, "QAUTH_KID")
		if err != nil || got != "kid-1" {
			t.Fatalf("%s: read kid: %q, %v", name, got, err)
		}
		if _, err := ReadSecret(path, "MISSING"); err == nil {
			t.Fatalf("%s: expected missing-key error", name)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s: mode %v", name, info.Mode().Perm())
		}
	}
}
