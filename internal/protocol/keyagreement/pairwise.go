package keyagreement

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"secure_msg/internal/cryptographic/dh"
	"secure_msg/internal/cryptographic/encryption"
	"secure_msg/internal/model"
)

const SchemePairwise = "ecdh-p256-hkdf-sha256"

type (
	KeyDirectory interface {
		PublishKey(ctx context.Context, bundle model.PublicKeyBundle) error
		LookupKey(ctx context.Context, userID string) (*model.PublicKeyBundle, error)
	}

	// Pairwise derives one key per participant pair from a session keypair and
	// the peer's published public key.
	Pairwise struct {
		self    string
		keypair *dh.Keypair
		dir     KeyDirectory

		mu    sync.Mutex
		peers map[string]*ecdh.PublicKey
	}
)

func NewPairwise(self string, dir KeyDirectory) (*Pairwise, error) {
	kp, err := dh.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Pairwise{
		self:    self,
		keypair: kp,
		dir:     dir,
		peers:   make(map[string]*ecdh.PublicKey),
	}, nil
}

func (s *Pairwise) Scheme() string {
	return SchemePairwise
}

func (s *Pairwise) PublicKeyBase64() string {
	return s.keypair.PublicKeyBase64()
}

func (s *Pairwise) Publish(ctx context.Context) error {
	return s.dir.PublishKey(ctx, model.PublicKeyBundle{
		UserID:    s.self,
		PublicKey: s.keypair.PublicKeyBase64(),
		Curve:     dh.CurveName,
		UpdatedAt: time.Now().UTC(),
	})
}

// SealKey always looks the reader's key up again, so a reader that started a
// new session since the last message still gets a readable envelope.
func (s *Pairwise) SealKey(ctx context.Context, thread *model.Thread, salt []byte) (*encryption.SymmetricKey, string, error) {
	peerID, err := s.peerFor(thread, s.self)
	if err != nil {
		return nil, "", err
	}

	peer, err := s.fetchPeer(ctx, peerID)
	if err != nil {
		return nil, "", err
	}

	key, err := s.keypair.DeriveSharedKey(peer, pairInfo(thread.ID, s.self, peerID), salt)
	if err != nil {
		return nil, "", err
	}
	return key, base64.StdEncoding.EncodeToString(peer.Bytes()), nil
}

func (s *Pairwise) OpenKey(ctx context.Context, thread *model.Thread, senderID, sealedTo string, salt []byte) (*encryption.SymmetricKey, error) {
	peerID, err := s.peerFor(thread, senderID)
	if err != nil {
		return nil, err
	}

	var peer *ecdh.PublicKey
	switch {
	case senderID == s.self && sealedTo != "":
		// own message: the reader key is the one stamped at seal time
		peer, err = dh.ParsePublicKeyBase64(sealedTo)
	case senderID != s.self && sealedTo != "" && sealedTo != s.keypair.PublicKeyBase64():
		return nil, ErrForeignKey
	default:
		peer, err = s.peerKey(ctx, peerID)
	}
	if err != nil {
		return nil, err
	}

	return s.keypair.DeriveSharedKey(peer, pairInfo(thread.ID, s.self, peerID), salt)
}

func (s *Pairwise) Invalidate(thread *model.Thread, senderID string) {
	peerID, err := s.peerFor(thread, senderID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.peers, peerID)
	s.mu.Unlock()
}

// Reset forgets every cached peer key.
func (s *Pairwise) Reset() {
	s.mu.Lock()
	s.peers = make(map[string]*ecdh.PublicKey)
	s.mu.Unlock()
}

func (s *Pairwise) peerFor(thread *model.Thread, senderID string) (string, error) {
	if thread == nil {
		return "", fmt.Errorf("%w: no thread", dh.ErrKeyDerivation)
	}
	if len(thread.ParticipantIDs) != 2 {
		return "", ErrGroupThread
	}
	if !thread.HasParticipant(s.self) || !thread.HasParticipant(senderID) {
		return "", ErrNotParticipant
	}

	if senderID != s.self {
		return senderID, nil
	}
	return thread.Peers(s.self)[0], nil
}

func (s *Pairwise) peerKey(ctx context.Context, peerID string) (*ecdh.PublicKey, error) {
	s.mu.Lock()
	pub, ok := s.peers[peerID]
	s.mu.Unlock()
	if ok {
		return pub, nil
	}
	return s.fetchPeer(ctx, peerID)
}

// fetchPeer reads peerID's current key from the directory and caches it.
func (s *Pairwise) fetchPeer(ctx context.Context, peerID string) (*ecdh.PublicKey, error) {
	bundle, err := s.dir.LookupKey(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("lookup public key of %s: %w", peerID, err)
	}
	if bundle.Curve != "" && bundle.Curve != dh.CurveName {
		return nil, fmt.Errorf("%w: peer %s uses curve %s", dh.ErrKeyDerivation, peerID, bundle.Curve)
	}

	pub, err := dh.ParsePublicKeyBase64(bundle.PublicKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.peers[peerID] = pub
	s.mu.Unlock()
	return pub, nil
}

// pairInfo binds the derived key to the thread and to the unordered pair of
// participants, so both sides build the same string.
func pairInfo(threadID, a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte("secure_msg/pairwise|" + threadID + "|" + strings.Join(ids, "|"))
}
