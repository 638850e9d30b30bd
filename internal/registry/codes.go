package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Alphabet omits the confusable characters 0, O, 1 and I. It has exactly 32
// symbols so a random byte masked to five bits selects one uniformly.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	ShareCodeLength    = 6
	GuardianCodeLength = 8
	MaxCodeAttempts    = 10
)

// NewCode draws a random code of length n from Alphabet.
func NewCode(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[b&31]
	}
	return string(buf), nil
}

// Issue draws codes and hands each to claim until one is accepted. A claim
// failing with ErrCodeTaken counts as a collision; after MaxCodeAttempts
// collisions Issue gives up with ErrTooManyAttempts. onCollision may be nil.
func Issue(ctx context.Context, r io.Reader, n int, claim func(ctx context.Context, code string) error, onCollision func()) (string, error) {
	for range MaxCodeAttempts {
		code, err := NewCode(r, n)
		if err != nil {
			return "", err
		}
		err = claim(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return "", err
		}
		if onCollision != nil {
			onCollision()
		}
	}
	return "", ErrTooManyAttempts
}

// ValidCode reports whether s could have been produced by NewCode.
func ValidCode(s string) bool {
	if len(s) < ShareCodeLength || len(s) > GuardianCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func isAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
