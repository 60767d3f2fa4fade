package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/crypto"
	"tokenbridge/internal/models"
)

// Namespace prefixes every key written by tokenbridge.
const Namespace = "tokenbridge"

// Cache stores tokens and key sets for a caller/audience pair.
//
// Reads never fail: an unreachable backend, a blob that does not decrypt or a
// record that does not validate are all reported as a miss. Writes return
// their error so the caller can log it.
type Cache interface {
	GetToken(ctx context.Context, caller, audience string) (models.Token, bool)
	PutToken(ctx context.Context, caller, audience string, tok models.Token) error
	GetKeySet(ctx context.Context, caller, audience string) (models.KeySet, bool)
	PutKeySet(ctx context.Context, caller, audience string, ks models.KeySet, ttl time.Duration) error
	Name() string
	Close() error
}

// Backend is a raw byte store with per-entry expiry. Get returns nil, nil
// when the key is absent or expired.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Name() string
	Close() error
}

// TokenKey returns the backend key for a caller/audience token.
func TokenKey(caller, audience string) string {
	return fmt.Sprintf("%s:token:%s:%s", Namespace, caller, audience)
}

// KeySetKey returns the backend key for a caller/audience key set.
func KeySetKey(caller, audience string) string {
	return fmt.Sprintf("%s:jwks:%s:%s", Namespace, caller, audience)
}

// TTLFor returns the remaining lifetime of tok rounded up to whole seconds.
func TTLFor(tok models.Token, now time.Time) time.Duration {
	remaining := tok.Remaining(now)
	if remaining <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(remaining.Seconds())) * time.Second
}

// Store seals values with a crypto.Codec before handing them to a Backend.
// No plaintext reaches the backend.
type Store struct {
	backend Backend
	codec   *crypto.Codec
	logger  logging.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report absorbed read failures.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over backend.
func New(backend Backend, codec *crypto.Codec, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		codec:   codec,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).WithFields(logging.String("backend", backend.Name()))
	return s
}

// Name returns the backend name.
func (s *Store) Name() string {
	return s.backend.Name()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// GetToken returns the cached token, or false on a miss. Expired tokens are
// misses.
func (s *Store) GetToken(ctx context.Context, caller, audience string) (models.Token, bool) {
	key := TokenKey(caller, audience)

	var tok models.Token
	if !s.load(ctx, key, &tok) {
		return models.Token{}, false
	}

	if err := tok.Validate(); err != nil {
		s.logMiss(key, errors.CacheError("cached token failed validation", err))
		return models.Token{}, false
	}
	if tok.Expired(s.now()) {
		s.logger.Debug("Cached token already expired", logging.String("key", key),
			logging.Time("expire_time", tok.ExpireTime))
		return models.Token{}, false
	}

	return tok, true
}

// PutToken seals tok and stores it for its remaining lifetime. Expired tokens
// are not written.
func (s *Store) PutToken(ctx context.Context, caller, audience string, tok models.Token) error {
	if err := tok.Validate(); err != nil {
		return err
	}

	ttl := TTLFor(tok, s.now())
	if ttl <= 0 {
		s.logger.Debug("Skipping write of expired token", logging.Time("expire_time", tok.ExpireTime))
		return nil
	}

	return s.store(ctx, TokenKey(caller, audience), tok, ttl)
}

// GetKeySet returns the cached key set, or false on a miss.
func (s *Store) GetKeySet(ctx context.Context, caller, audience string) (models.KeySet, bool) {
	key := KeySetKey(caller, audience)

	var ks models.KeySet
	if !s.load(ctx, key, &ks) {
		return models.KeySet{}, false
	}

	if err := ks.Validate(); err != nil {
		s.logMiss(key, errors.CacheError("cached key set failed validation", err))
		return models.KeySet{}, false
	}

	return ks, true
}

// PutKeySet seals ks and stores it for ttl.
func (s *Store) PutKeySet(ctx context.Context, caller, audience string, ks models.KeySet, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.ValidationError(fmt.Sprintf("key set ttl must be positive, got %v", ttl))
	}
	if err := ks.Validate(); err != nil {
		return err
	}
	return s.store(ctx, KeySetKey(caller, audience), ks, ttl)
}

func (s *Store) load(ctx context.Context, key string, v any) bool {
	blob, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logMiss(key, errors.CacheError("backend read failed", err))
		return false
	}
	if blob == nil {
		return false
	}

	if err := s.codec.Open(blob, v); err != nil {
		s.logMiss(key, err)
		return false
	}
	return true
}

func (s *Store) store(ctx context.Context, key string, v any, ttl time.Duration) error {
	blob, err := s.codec.Seal(v)
	if err != nil {
		return err
	}

	if err := s.backend.Set(ctx, key, blob, ttl); err != nil {
		return errors.CacheError("backend write failed", err).WithContext("key", key)
	}
	return nil
}

func (s *Store) logMiss(key string, err error) {
	s.logger.Warn("Treating cache entry as a miss",
		logging.String("key", key),
		logging.String("reason", string(errors.GetType(err))),
		logging.Err(err),
	)
}
