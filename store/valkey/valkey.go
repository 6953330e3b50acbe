// Package valkey provides Valkey-backed implementations of the durable
// snapshot store and the read-through cache. Snapshots can be encrypted
// at rest; the coordinator neither knows nor cares.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "authrim:"

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second

	// MaxSnapshotSize caps serialized snapshot blobs (1MB). A key-space
	// that outgrows this needs more shards, not a bigger blob.
	MaxSnapshotSize = 1 << 20
)

var errSnapshotTooLarge = fmt.Errorf("snapshot exceeds maximum allowed size")

// Config holds configuration for the Valkey backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authrim:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of store.DurableStore and
// store.Cache.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional snapshot encryption at rest.
	// Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ store.DurableStore = (*Store)(nil)
	_ store.Cache        = (*Cache)(nil)
)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetEncryptor enables snapshot encryption at rest. Existing plaintext
// snapshots remain readable; Open falls back to the raw blob when the
// payload is not a valid sealed box.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Snapshot encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// DurableStore Implementation
// ============================================================

// Load retrieves a snapshot blob. Returns store.ErrNoSnapshot when the
// key has never been persisted.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.snapshotKey(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, store.ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		plain, err := enc.Open(data)
		if err != nil {
			// Pre-encryption snapshot written before the encryptor was
			// configured.
			return data, nil
		}
		return plain, nil
	}
	return data, nil
}

// Save writes a snapshot blob. The write must be durable before Save
// returns; the coordinator acknowledges mutations on its success.
func (s *Store) Save(ctx context.Context, key string, blob []byte) error {
	if len(blob) > MaxSnapshotSize {
		return fmt.Errorf("%w: %d bytes", errSnapshotTooLarge, len(blob))
	}

	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		sealed, err := enc.Seal(blob)
		if err != nil {
			return fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
		blob = sealed
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.snapshotKey(key)).Value(valkeygo.BinaryString(blob)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes a snapshot blob. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.snapshotKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// ============================================================
// Cache Implementation
// ============================================================

// Cache is the store's eventually-consistent cache view. It shares the
// Store's connection but lives in its own key namespace, and it is never
// authoritative.
type Cache struct {
	s *Store
}

// Cache returns the cache view of the store.
func (s *Store) Cache() *Cache {
	return &Cache{s: s}
}

// Get retrieves a cache entry. Returns store.ErrNotFound on miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	s := c.s
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.cacheKey(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return data, nil
}

// Put stores a cache entry with a TTL.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	s := c.s
	cmd := s.client.B().Set().Key(s.cacheKey(key)).Value(valkeygo.BinaryString(value)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// Delete removes a cache entry. Invalidation deletes the cache entry
// first, then writes the backing store, so a crash in between leaves a
// miss rather than a stale hit.
func (c *Cache) Delete(ctx context.Context, key string) error {
	s := c.s
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.cacheKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) snapshotKey(key string) string {
	return s.prefix + "snapshot:" + key
}

func (s *Store) cacheKey(key string) string {
	return s.prefix + "cache:" + key
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
