// Package keystore manages the provider's RSA signing keys: one current
// signing key, scheduled rotation, and a retention window of historical
// public keys so tokens signed before a rotation keep verifying.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/security"
)

const (
	// DefaultKeySize is the RSA modulus size in bits.
	DefaultKeySize = 2048

	// DefaultRotationInterval is how often a fresh signing key is minted.
	DefaultRotationInterval = 24 * time.Hour

	// DefaultRetention is how long rotated public keys stay in the JWKS.
	// It must exceed the longest token lifetime signed with them.
	DefaultRetention = 7 * 24 * time.Hour
)

// signingKey pairs a private key with its kid and birth time.
type signingKey struct {
	id        string
	key       *rsa.PrivateKey
	createdAt time.Time
}

// Config configures the key store.
type Config struct {
	// KeySize overrides DefaultKeySize when positive.
	KeySize int

	// RotationInterval overrides DefaultRotationInterval when positive.
	// Negative disables scheduled rotation; Rotate can still be called.
	RotationInterval time.Duration

	// Retention overrides DefaultRetention when positive.
	Retention time.Duration

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// KeyStore holds the signing key material.
type KeyStore struct {
	mu         sync.RWMutex
	current    *signingKey
	historical []*signingKey

	keySize   int
	retention time.Duration

	rotationInterval time.Duration
	stopRotation     chan struct{}
	stopOnce         sync.Once

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// New creates a key store with a freshly generated signing key and starts
// the rotation schedule.
func New(cfg Config) (*KeyStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeySize <= 0 {
		cfg.KeySize = DefaultKeySize
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	ks := &KeyStore{
		keySize:          cfg.KeySize,
		retention:        cfg.Retention,
		rotationInterval: cfg.RotationInterval,
		stopRotation:     make(chan struct{}),
		auditor:          cfg.Auditor,
		logger:           cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		ks.metrics = cfg.Instrumentation.Metrics()
	}

	first, err := ks.generate()
	if err != nil {
		return nil, err
	}
	ks.current = first

	if ks.rotationInterval > 0 {
		go ks.rotationLoop()
	}
	return ks, nil
}

// Stop stops the scheduled rotation.
func (ks *KeyStore) Stop() {
	ks.stopOnce.Do(func() {
		close(ks.stopRotation)
	})
}

// Current returns the current signing key and its kid.
func (ks *KeyStore) Current() (string, *rsa.PrivateKey) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.current.id, ks.current.key
}

// Sign signs claims with the current key, setting the kid header so
// verifiers pick the right public key during rotation windows.
func (ks *KeyStore) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid, key := ks.current.id, ks.current.key
	ks.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key for a token by kid, accepting the
// current key and retained historical keys.
func (ks *KeyStore) Keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, _ := token.Header["kid"].(string)

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if kid == "" || kid == ks.current.id {
		return &ks.current.key.PublicKey, nil
	}
	for _, k := range ks.historical {
		if k.id == kid {
			return &k.key.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// Rotate mints a new signing key. The replaced key moves to the
// historical set and keeps verifying until its retention expires.
func (ks *KeyStore) Rotate() error {
	fresh, err := ks.generate()
	if err != nil {
		return err
	}

	ks.mu.Lock()
	ks.historical = append(ks.historical, ks.current)
	ks.current = fresh
	ks.pruneLocked()
	ks.mu.Unlock()

	if ks.metrics != nil {
		ks.metrics.RecordKeyRotation(context.Background())
	}
	if ks.auditor != nil {
		ks.auditor.LogEvent(security.Event{
			Type:    security.EventKeyRotated,
			Details: map[string]any{"kid": fresh.id},
		})
	}
	ks.logger.Info("Rotated signing key", "kid", fresh.id)
	return nil
}

// JWK is one JSON Web Key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is the published key set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS exports the current and retained historical public keys.
func (ks *KeyStore) JWKS() JWKSet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	keys := make([]JWK, 0, 1+len(ks.historical))
	keys = append(keys, toJWK(ks.current))
	for _, k := range ks.historical {
		keys = append(keys, toJWK(k))
	}
	return JWKSet{Keys: keys}
}

// JWKSJSON returns the serialized key set for the jwks_uri endpoint.
func (ks *KeyStore) JWKSJSON() ([]byte, error) {
	data, err := json.Marshal(ks.JWKS())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWKS: %w", err)
	}
	return data, nil
}

func (ks *KeyStore) generate() (*signingKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, ks.keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &signingKey{
		id:        uuid.NewString(),
		key:       key,
		createdAt: time.Now(),
	}, nil
}

// pruneLocked drops historical keys past retention. Caller holds mu.
func (ks *KeyStore) pruneLocked() {
	cutoff := time.Now().Add(-ks.retention)
	kept := ks.historical[:0]
	for _, k := range ks.historical {
		if k.createdAt.After(cutoff) {
			kept = append(kept, k)
		}
	}
	ks.historical = kept
}

func (ks *KeyStore) rotationLoop() {
	ticker := time.NewTicker(ks.rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ks.Rotate(); err != nil {
				ks.logger.Error("Scheduled key rotation failed", "error", err)
			}
		case <-ks.stopRotation:
			return
		}
	}
}

func toJWK(k *signingKey) JWK {
	pub := &k.key.PublicKey
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: k.id,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
