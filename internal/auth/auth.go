// Package auth resolves bearer credentials into subscriber identities.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harborview/realtime/wire"
)

// Verifier resolves a bearer credential into a subscriber identity.
//
// Rejections are reported as *wire.AuthError with a structured reason so
// the transport layer can tell the client whether the credential is
// invalid, expired, or revoked.
type Verifier interface {
	Verify(token string) (subscriberID string, err error)
}

// TokenClaims is the JWT payload used for subscriber tokens.
type TokenClaims struct {
	SubscriberID string `json:"sub_id"`
	jwt.RegisteredClaims
}

// Manager mints and verifies EdDSA subscriber tokens. The signing key is
// derived deterministically from a master secret so every server instance
// sharing the secret accepts the same tokens.
type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewManager creates a token manager from the master secret.
func NewManager(masterSecret string) (*Manager, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}
	seed := sha256.Sum256([]byte(masterSecret))
	privateKey := ed25519.NewKeyFromSeed(seed[:])

	return &Manager{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		revoked:    make(map[string]struct{}),
	}, nil
}

// Mint creates a token for a subscriber, valid for ttl. A zero ttl mints a
// token without expiry.
func (m *Manager) Mint(subscriberID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		SubscriberID: subscriberID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "harborview-realtime",
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// Verify parses and validates a token and returns the subscriber identity.
func (m *Manager) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &wire.AuthError{Reason: wire.AuthReasonExpired}
		}
		return "", &wire.AuthError{Reason: wire.AuthReasonInvalid}
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.SubscriberID == "" {
		return "", &wire.AuthError{Reason: wire.AuthReasonInvalid}
	}

	m.mu.RLock()
	_, revoked := m.revoked[claims.SubscriberID]
	m.mu.RUnlock()
	if revoked {
		return "", &wire.AuthError{Reason: wire.AuthReasonRevoked}
	}

	return claims.SubscriberID, nil
}

// Revoke rejects all current and future tokens of a subscriber. Existing
// connections are not torn down here; the hub force-disconnects them.
func (m *Manager) Revoke(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[subscriberID] = struct{}{}
}

// Restore lifts a revocation.
func (m *Manager) Restore(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revoked, subscriberID)
}
