// Package token issues and redeems short-lived playback tokens. A token is
// an HMAC-signed one-time handle to a resolved source descriptor: the source
// URL itself never reaches the player.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kinostream/models"
)

var (
	// ErrInvalid marks tokens that are structurally broken or fail the
	// signature check. The caller never learns which.
	ErrInvalid = errors.New("invalid token")
	// ErrUnavailable marks well-formed tokens whose grant is gone: expired,
	// fully used, or issued before a restart.
	ErrUnavailable = errors.New("token no longer available")
)

// payload is the signed, client-visible part of a token.
type payload struct {
	Nonce   string `json:"n"`
	Expires int64  `json:"exp"`
}

type record struct {
	desc      models.SourceDescriptor
	expiresAt time.Time
	usesLeft  int
}

// Service keeps the server-side token registry. Records live in memory only;
// tokens are short-lived by design and do not survive a restart.
type Service struct {
	secret  []byte
	ttl     time.Duration
	maxUses int
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

func NewService(secret []byte, ttl time.Duration, maxUses int, now func() time.Time) (*Service, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret too short (%d bytes)", len(secret))
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	if maxUses <= 0 {
		maxUses = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		secret:  secret,
		ttl:     ttl,
		maxUses: maxUses,
		now:     now,
		records: make(map[string]*record),
	}, nil
}

// Issue mints a token bound to desc, valid for the configured TTL and use
// count.
func (s *Service) Issue(desc models.SourceDescriptor) (string, time.Time, error) {
	nonce := uuid.NewString()
	expiresAt := s.now().Add(s.ttl)

	body, err := json.Marshal(payload{Nonce: nonce, Expires: expiresAt.Unix()})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode token payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	token := encoded + "." + base64.RawURLEncoding.EncodeToString(s.sign(encoded))

	s.mu.Lock()
	s.sweepLocked()
	s.records[nonce] = &record{desc: desc, expiresAt: expiresAt, usesLeft: s.maxUses}
	s.mu.Unlock()

	return token, expiresAt, nil
}

// Consume redeems one use of a token and returns the descriptor it was
// issued for. Tampered or malformed tokens yield ErrInvalid; expired,
// exhausted, or unknown ones ErrUnavailable.
func (s *Service) Consume(token string) (models.SourceDescriptor, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return models.SourceDescriptor{}, ErrInvalid
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return models.SourceDescriptor{}, ErrInvalid
	}
	if !hmac.Equal(gotSig, s.sign(encoded)) {
		return models.SourceDescriptor{}, ErrInvalid
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return models.SourceDescriptor{}, ErrInvalid
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Nonce == "" || p.Expires <= 0 {
		return models.SourceDescriptor{}, ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	// The sweep already dropped expired records, so a miss covers both
	// unknown and expired nonces.
	rec, ok := s.records[p.Nonce]
	if !ok {
		return models.SourceDescriptor{}, ErrUnavailable
	}
	rec.usesLeft--
	if rec.usesLeft <= 0 {
		delete(s.records, p.Nonce)
	}
	return rec.desc, nil
}

func (s *Service) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}

// sweepLocked drops expired records so the registry does not grow with
// abandoned tokens. Called on every Issue and Consume.
func (s *Service) sweepLocked() {
	now := s.now()
	for nonce, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, nonce)
		}
	}
}
