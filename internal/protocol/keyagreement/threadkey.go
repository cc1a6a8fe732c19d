package keyagreement

import (
	"context"
	"fmt"

	"secure_msg/internal/cryptographic/dh"
	"secure_msg/internal/cryptographic/encryption"
	"secure_msg/internal/model"
)

const SchemeThread = "thread-hkdf-sha256"

// ThreadKey is the shared-key-per-thread scheme: every participant derives the
// same key from a deployment secret and the thread id. Anyone holding the
// secret can read every thread, so it is only as strong as that secret.
type ThreadKey struct {
	secret []byte
}

func NewThreadKey(secret []byte) *ThreadKey {
	return &ThreadKey{secret: append([]byte(nil), secret...)}
}

func (s *ThreadKey) Scheme() string {
	return SchemeThread
}

func (s *ThreadKey) SealKey(_ context.Context, thread *model.Thread, salt []byte) (*encryption.SymmetricKey, string, error) {
	key, err := s.derive(thread, salt)
	return key, "", err
}

// OpenKey ignores the sender and reader: every participant shares the key.
func (s *ThreadKey) OpenKey(_ context.Context, thread *model.Thread, _, _ string, salt []byte) (*encryption.SymmetricKey, error) {
	return s.derive(thread, salt)
}

func (s *ThreadKey) derive(thread *model.Thread, salt []byte) (*encryption.SymmetricKey, error) {
	if thread == nil || thread.ID == "" {
		return nil, fmt.Errorf("%w: no thread", dh.ErrKeyDerivation)
	}

	ikm := make([]byte, 0, len(s.secret)+len(thread.ID))
	ikm = append(ikm, s.secret...)
	ikm = append(ikm, thread.ID...)
	defer clear(ikm)

	return dh.ExpandKey(ikm, salt, []byte("secure_msg/thread|"+thread.ID))
}
