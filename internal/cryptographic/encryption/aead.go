package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrEncryption = errors.New("encryption failed")
	ErrDecryption = errors.New("decryption failed")
)

type (
	// SymmetricKey is an opaque AES-256-GCM key. The raw bytes are not kept
	// after construction, so the key can't be exported or serialized.
	SymmetricKey struct {
		aead cipher.AEAD
	}

	// Envelope is one encrypted message body as it travels over REST and the
	// realtime channel. Every byte field is standard base64. SealedTo names
	// the reader public key of a pairwise envelope.
	Envelope struct {
		Ciphertext string `json:"encrypted_content"`
		IV         string `json:"iv"`
		AuthTag    string `json:"auth_tag"`
		Salt       string `json:"key_salt,omitempty"`
		Scheme     string `json:"key_scheme,omitempty"`
		SealedTo   string `json:"sealed_to,omitempty"`
	}
)

// NewSymmetricKey builds a key from 32 bytes of key material and wipes raw.
func NewSymmetricKey(raw []byte) (*SymmetricKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("aes key must be %d bytes, got %d", KeySize, len(raw))
	}
	defer clear(raw)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &SymmetricKey{aead: aead}, nil
}

func (k *SymmetricKey) String() string {
	return "SymmetricKey(aes-256-gcm, non-extractable)"
}

func (k *SymmetricKey) MarshalJSON() ([]byte, error) {
	return nil, errors.New("symmetric keys are not extractable")
}

func (k *SymmetricKey) MarshalText() ([]byte, error) {
	return nil, errors.New("symmetric keys are not extractable")
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(plaintext string, key *SymmetricKey) (*Envelope, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrEncryption)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: rand.Read nonce: %v", ErrEncryption, err)
	}

	sealed := key.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - TagSize

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens env under key. It never returns plaintext unless the tag
// verifies.
func Decrypt(env *Envelope, key *SymmetricKey) (string, error) {
	if env == nil || key == nil {
		return "", fmt.Errorf("%w: missing envelope or key", ErrDecryption)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: malformed iv", ErrDecryption)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != TagSize {
		return "", fmt.Errorf("%w: malformed auth tag", ErrDecryption)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := key.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: aead.Open: %v", ErrDecryption, err)
	}
	return string(plain), nil
}
