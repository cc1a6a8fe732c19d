package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MaxLength is the most HKDF-SHA256 can produce for one (secret, salt, info).
const MaxLength = 255 * sha256.Size

var ErrLength = errors.New("kdf: invalid output length")

// Derive returns n bytes of HKDF-SHA256 output keyed by secret, salt and info.
// An empty salt is treated by HKDF as a zero-filled block.
func Derive(secret, salt, info []byte, n int) ([]byte, error) {
	if n <= 0 || n > MaxLength {
		return nil, fmt.Errorf("%w: %d", ErrLength, n)
	}

	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}
