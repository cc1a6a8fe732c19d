package keyagreement

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"secure_msg/internal/cryptographic/encryption"
	"secure_msg/internal/model"
)

const SaltSize = 32

var (
	ErrGroupThread    = errors.New("pairwise keys need a two-party thread")
	ErrNotParticipant = errors.New("user is not a thread participant")

	// ErrForeignKey marks an envelope sealed to a reader key this session
	// does not hold: an earlier session or another device of the same user.
	ErrForeignKey = fmt.Errorf("%w: sealed to another reader key", encryption.ErrDecryption)
)

type (
	// Strategy decides which symmetric key protects a message in thread. The
	// author and every reader must get the same key for the same salt.
	Strategy interface {
		Scheme() string
		// SealKey returns the key for a message the session user writes, and
		// the reader public key it is bound to ("" when keys are not per reader).
		SealKey(ctx context.Context, thread *model.Thread, salt []byte) (*encryption.SymmetricKey, string, error)
		// OpenKey returns the key for a message senderID wrote and sealed to
		// sealedTo.
		OpenKey(ctx context.Context, thread *model.Thread, senderID, sealedTo string, salt []byte) (*encryption.SymmetricKey, error)
	}

	// Publisher is implemented by strategies whose public half has to be
	// announced before peers can derive keys.
	Publisher interface {
		Publish(ctx context.Context) error
	}

	// Invalidator drops cached peer material so the next derivation refetches it.
	Invalidator interface {
		Invalidate(thread *model.Thread, senderID string)
	}

	// Box seals and opens message bodies for one session user.
	Box struct {
		self     string
		strategy Strategy
	}
)

func NewBox(self string, strategy Strategy) *Box {
	return &Box{self: self, strategy: strategy}
}

func (b *Box) Strategy() Strategy {
	return b.strategy
}

// Seal encrypts plaintext with a key salted by fresh random bytes that travel
// in the envelope.
func (b *Box) Seal(ctx context.Context, thread *model.Thread, plaintext string) (*encryption.Envelope, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: rand.Read salt: %v", encryption.ErrEncryption, err)
	}

	key, sealedTo, err := b.strategy.SealKey(ctx, thread, salt)
	if err != nil {
		return nil, err
	}

	env, err := encryption.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	env.Salt = base64.StdEncoding.EncodeToString(salt)
	env.Scheme = b.strategy.Scheme()
	env.SealedTo = sealedTo
	return env, nil
}

// Open decrypts a message senderID wrote to thread. When the strategy caches
// peer keys, one retry with fresh peer material is made before giving up.
func (b *Box) Open(ctx context.Context, thread *model.Thread, senderID string, env *encryption.Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: no envelope", encryption.ErrDecryption)
	}
	if env.Scheme != "" && env.Scheme != b.strategy.Scheme() {
		return "", fmt.Errorf("%w: scheme %q not supported", encryption.ErrDecryption, env.Scheme)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) != SaltSize {
		return "", fmt.Errorf("%w: malformed key salt", encryption.ErrDecryption)
	}

	plain, err := b.open(ctx, thread, senderID, salt, env)
	if err == nil || !errors.Is(err, encryption.ErrDecryption) || errors.Is(err, ErrForeignKey) {
		return plain, err
	}

	inv, ok := b.strategy.(Invalidator)
	if !ok {
		return "", err
	}
	inv.Invalidate(thread, senderID)
	return b.open(ctx, thread, senderID, salt, env)
}

func (b *Box) open(ctx context.Context, thread *model.Thread, senderID string, salt []byte, env *encryption.Envelope) (string, error) {
	key, err := b.strategy.OpenKey(ctx, thread, senderID, env.SealedTo, salt)
	if err != nil {
		return "", err
	}
	return encryption.Decrypt(env, key)
}
