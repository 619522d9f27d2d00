package crypto

import (
	"crypto/sha1" //nolint:gosec // test fixture, mirrors production commitment hash
	"sync/atomic"
	"testing"
)

func TestSearch_FindsFirstCandidateImmediately(t *testing.T) {
	secret := []byte("session-secret-salt")
	candidate := "aaaaaaaa" // "aaa" + indexToGuess(0) == "aaaaa"

	h := sha1.New() //nolint:gosec // test fixture
	h.Write([]byte(candidate))
	h.Write(secret)
	hash := h.Sum(nil)

	puzzle := append(append([]byte{}, hash...), secret...)

	innerPlaintext := []byte(`{"type":"base"}`)
	data, err := PasswordEncrypt(candidate, innerPlaintext)
	if err != nil {
		t.Fatalf("PasswordEncrypt: %v", err)
	}

	var progress atomic.Uint64
	quit := make(chan struct{})

	inner, err := Search(puzzle, data, &progress, quit)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if string(inner) != string(innerPlaintext) {
		t.Errorf("inner onion mismatch: got %q want %q", inner, innerPlaintext)
	}
	if progress.Load() != MaxAttempts {
		t.Errorf("expected progress to reach MaxAttempts on completion, got %d", progress.Load())
	}
}

func TestSearch_QuitStopsEarly(t *testing.T) {
	// A hash that can never match (all zero) forces the search to run
	// until cancelled.
	hash := make([]byte, sha1.Size)
	secret := []byte("irrelevant")
	puzzle := append(append([]byte{}, hash...), secret...)

	var progress atomic.Uint64
	quit := make(chan struct{})
	close(quit)

	inner, err := Search(puzzle, []byte("unused"), &progress, quit)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if inner != nil {
		t.Errorf("expected nil inner onion when cancelled, got %v", inner)
	}
}

func TestSearch_PuzzleTooShort(t *testing.T) {
	var progress atomic.Uint64
	quit := make(chan struct{})
	if _, err := Search([]byte("short"), nil, &progress, quit); err == nil {
		t.Error("expected error for too-short puzzle")
	}
}

func TestIndexToGuess_Boundaries(t *testing.T) {
	out := make([]byte, 5)
	indexToGuess(0, out)
	if string(out) != "aaaaa" {
		t.Errorf("indexToGuess(0) = %q, want aaaaa", out)
	}
	indexToGuess(MaxAttempts-1, out)
	if string(out) != "zzzzz" {
		t.Errorf("indexToGuess(MaxAttempts-1) = %q, want zzzzz", out)
	}
}
