package dh

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"secure_msg/internal/cryptographic/encryption"
	"secure_msg/internal/cryptographic/kdf"
)

const CurveName = "P-256"

var (
	ErrKeyGeneration = errors.New("key generation failed")
	ErrKeyDerivation = errors.New("key derivation failed")
)

type Keypair struct {
	private *ecdh.PrivateKey
}

// GenerateKeypair returns a new, unlinkable P-256 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &Keypair{private: priv}, nil
}

// PublicKey is the uncompressed SEC1 point, the "raw" interchange encoding.
func (k *Keypair) PublicKey() []byte {
	return k.private.PublicKey().Bytes()
}

func (k *Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey())
}

// ParsePublicKey accepts a raw SEC1 point or a PKIX (SPKI) DER document.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	if pub, err := ecdh.P256().NewPublicKey(b); err == nil {
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: not a P-256 public key", ErrKeyDerivation)
	}

	var pub *ecdh.PublicKey
	switch p := parsed.(type) {
	case *ecdsa.PublicKey:
		pub, err = p.ECDH()
	case *ecdh.PublicKey:
		pub = p
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrKeyDerivation, parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	if pub.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: wrong curve", ErrKeyDerivation)
	}
	return pub, nil
}

func ParsePublicKeyBase64(s string) (*ecdh.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed public key encoding", ErrKeyDerivation)
	}
	return ParsePublicKey(b)
}

// DeriveSharedKey runs ECDH between local and peer and expands the shared
// secret with HKDF-SHA256 into an AES-256-GCM key. Both parties get the same
// key for the same salt and info.
func (k *Keypair) DeriveSharedKey(peer *ecdh.PublicKey, info, salt []byte) (*encryption.SymmetricKey, error) {
	if k == nil || k.private == nil || peer == nil {
		return nil, fmt.Errorf("%w: missing key", ErrKeyDerivation)
	}
	secret, err := k.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrKeyDerivation, err)
	}
	defer clear(secret)

	return ExpandKey(secret, salt, info)
}

// DeriveSharedKey is the byte-oriented form used where the peer key arrives
// off the wire.
func DeriveSharedKey(local *Keypair, peerPublic []byte, info, salt []byte) (*encryption.SymmetricKey, error) {
	peer, err := ParsePublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	return local.DeriveSharedKey(peer, info, salt)
}

// ExpandKey turns secret into a symmetric key via HKDF.
func ExpandKey(secret, salt, info []byte) (*encryption.SymmetricKey, error) {
	raw, err := kdf.Derive(secret, salt, info, encryption.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrKeyDerivation, err)
	}

	key, err := encryption.NewSymmetricKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return key, nil
}
