package crypto

import (
	"crypto/sha1" //nolint:gosec // puzzle commitment hash, not a security boundary — see DESIGN.md
	"fmt"
	"sync/atomic"
)

// MaxAttempts is the size of the POW keyspace: a fixed "aaa" prefix plus
// five unknown lowercase letters, 26^5 combinations. Matches the original
// implementation's search space exactly (maxAttempts = 26^5).
const MaxAttempts = 26 * 26 * 26 * 26 * 26

const (
	guessLen      = 5
	passwordAlpha = "abcdefghijklmnopqrstuvwxyz"
	pollInterval  = 4096 // check quit every N attempts, keeping select off the hot path
)

// Search brute-forces the five-letter suffix of a POW password. puzzle is
// laid out as a SHA-1 digest (20 bytes, the commitment hash) followed by an
// arbitrary-length secret salt. For each candidate password "aaa"+guess,
// Search checks sha1(candidate || secret) against the commitment hash; on
// a match it decrypts data with the candidate password (the inner onion is
// encrypted under the password the POW search reveals) and returns the
// plaintext.
//
// progress is advanced every attempt; quit is polled every pollInterval
// attempts, not every attempt, per the original's "poll, don't preempt"
// cancellation contract.
func Search(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
	if len(puzzle) < sha1.Size {
		return nil, fmt.Errorf("puzzle too short: %d bytes, need at least %d", len(puzzle), sha1.Size)
	}
	hash := puzzle[:sha1.Size]
	secret := puzzle[sha1.Size:]

	guess := make([]byte, guessLen)
	candidate := make([]byte, 0, 3+guessLen)

	for attempt := uint64(0); attempt < MaxAttempts; attempt++ {
		if attempt%pollInterval == 0 {
			select {
			case <-quit:
				return nil, nil
			default:
			}
		}

		indexToGuess(attempt, guess)
		candidate = candidate[:0]
		candidate = append(candidate, 'a', 'a', 'a')
		candidate = append(candidate, guess...)

		h := sha1.New() //nolint:gosec // commitment hash, not a security boundary
		h.Write(candidate)
		h.Write(secret)
		sum := h.Sum(nil)

		progress.Store(attempt + 1)

		if !hashEqual(sum, hash) {
			continue
		}

		inner, err := PasswordDecrypt(string(candidate), data)
		if err != nil {
			// Hash collision on the commitment without a valid inner onion;
			// keep searching rather than failing the whole attempt.
			continue
		}
		progress.Store(MaxAttempts)
		return inner, nil
	}

	return nil, nil
}

// indexToGuess maps an attempt counter to one of the 26^5 five-letter
// lowercase combinations, filling out in place.
func indexToGuess(n uint64, out []byte) {
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = passwordAlpha[n%26]
		n /= 26
	}
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
