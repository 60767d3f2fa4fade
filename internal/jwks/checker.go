// Package jwks holds the identity provider's published key set and answers
// whether a token's kid is still part of it.
//
// The Checker is a single goroutine that owns the key set. Callers reach it
// through a bounded queue; every request carries its own reply channel. All
// queries fail open: if the checker is busy, closed or has never loaded a
// key set, a kid is reported as recognized.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"tokenbridge/internal/cache"
	"tokenbridge/internal/circuitbreaker"
	"tokenbridge/internal/common/errors"
	commonhttp "tokenbridge/internal/common/http"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/common/validation"
	"tokenbridge/internal/metrics"
	"tokenbridge/internal/models"
	"tokenbridge/internal/runner"
)

const maxResponseBytes = 1 << 20

// Config configures a Checker.
type Config struct {
	URL      string `json:"url" validate:"required,url"`
	Caller   string `json:"caller" validate:"required"`
	Audience string `json:"audience" validate:"required"`

	// CacheTTL is how long a fetched key set lives in the shared cache.
	CacheTTL time.Duration `json:"cache_ttl" validate:"gte=0"`
	// RefreshInterval enables periodic refreshes. Zero means on demand only.
	RefreshInterval time.Duration `json:"refresh_interval" validate:"gte=0"`
	// MinRefreshInterval limits refreshes triggered by unknown kids.
	MinRefreshInterval time.Duration `json:"min_refresh_interval" validate:"gte=0"`
	QueueSize          int           `json:"queue_size" validate:"gte=0"`
	Timeout            time.Duration `json:"timeout" validate:"gte=0"`
}

func (c *Config) applyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 32
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

type op int

const (
	opLookup op = iota
	opSnapshot
	opRefresh
)

type request struct {
	op    op
	kid   string
	ctx   context.Context
	reply chan response
}

type response struct {
	known  bool
	set    models.KeySet
	loaded bool
	err    error
}

// Checker owns the current key set.
type Checker struct {
	config     Config
	cache      cache.Cache
	httpClient *http.Client
	breaker    *circuitbreaker.GoBreakerAdapter
	logger     logging.Logger
	metrics    *metrics.Recorder
	runner     runner.Runner
	now        func() time.Time

	requests  chan request
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the run goroutine.
	set    models.KeySet
	loaded bool
	// rotation allows one kid-triggered fetch per MinRefreshInterval.
	rotation *rate.Limiter
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// WithMetrics records fetches on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Checker) { c.metrics = r }
}

// WithRunner selects how the checker goroutine is started.
func WithRunner(r runner.Runner) Option {
	return func(c *Checker) { c.runner = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker validates config and builds a Checker. Nothing runs until Start.
func NewChecker(config Config, store cache.Cache, opts ...Option) (*Checker, error) {
	if err := validation.ValidateStruct(config); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &Checker{
		config:   config,
		cache:    store,
		runner:   runner.Default,
		now:      time.Now,
		requests: make(chan request, config.QueueSize),
		done:     make(chan struct{}),
		rotation: rate.NewLimiter(rate.Every(config.MinRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = logging.OrGlobal(c.logger).WithFields(
		logging.String("component", "jwks"),
		logging.String("audience", config.Audience),
	)
	if c.httpClient == nil {
		c.httpClient = commonhttp.NewHTTPClient(commonhttp.WithTimeout(config.Timeout))
	}
	c.breaker = circuitbreaker.NewGoBreaker("keyset-endpoint", circuitbreaker.KeySetConfig, c.logger)

	return c, nil
}

// Start launches the checker goroutine. Later calls do nothing.
func (c *Checker) Start() {
	c.startOnce.Do(func() {
		c.runner.Go(c.run)
	})
}

// Close stops the checker. Pending and later queries fail open.
func (c *Checker) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Checker) run() {
	if c.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		if ks, ok := c.cache.GetKeySet(ctx, c.config.Caller, c.config.Audience); ok {
			c.set, c.loaded = ks, true
			c.logger.Debug("Seeded key set from cache", logging.Int("keys", ks.Len()))
		}
		cancel()
	}

	select {
	case <-c.done:
		return
	default:
	}
	_ = c.refresh(context.Background())

	var tick <-chan time.Time
	if c.config.RefreshInterval > 0 {
		ticker := time.NewTicker(c.config.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			c.logger.Debug("Key set checker stopped")
			return
		case <-tick:
			_ = c.refresh(context.Background())
		case req := <-c.requests:
			req.reply <- c.handle(req)
		}
	}
}

func (c *Checker) handle(req request) response {
	switch req.op {
	case opSnapshot:
		return response{set: c.set, loaded: c.loaded}
	case opRefresh:
		return response{err: c.refresh(req.ctx)}
	default:
		return response{known: c.lookup(req.ctx, req.kid)}
	}
}

func (c *Checker) lookup(ctx context.Context, kid string) bool {
	if !c.loaded || c.set.Contains(kid) {
		return true
	}
	if !c.rotation.AllowN(c.now(), 1) {
		return false
	}

	c.logger.Info("Unknown kid, refreshing key set", logging.String("kid", kid))
	if err := c.refresh(ctx); err != nil {
		return false
	}
	return c.set.Contains(kid)
}

// refresh replaces the held key set. On failure the previous set is kept.
func (c *Checker) refresh(ctx context.Context) error {
	// Any fetch satisfies a pending rotation check.
	c.rotation.AllowN(c.now(), 1)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var ks models.KeySet
	err := c.breaker.Execute(ctx, func() error {
		var err error
		ks, err = c.fetch(ctx)
		return err
	})
	c.metrics.RecordKeySetFetch(ks.Len(), err)
	if err != nil {
		c.logger.Warn("Key set refresh failed, keeping previous set",
			logging.Bool("loaded", c.loaded),
			logging.String("breaker", c.breaker.State().String()),
			logging.Err(err),
		)
		return err
	}

	c.set, c.loaded = ks, true
	c.logger.Debug("Key set refreshed", logging.Int("keys", ks.Len()))

	if c.cache != nil {
		if err := c.cache.PutKeySet(ctx, c.config.Caller, c.config.Audience, ks, c.config.CacheTTL); err != nil {
			c.logger.Warn("Failed to write key set to cache", logging.Err(err))
		}
	}
	return nil
}

func (c *Checker) fetch(ctx context.Context) (models.KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return models.KeySet{}, errors.InternalError("failed to create key set request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.KeySet{}, errors.FetchError("key set request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.KeySet{}, errors.FetchError("failed to read key set response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.KeySet{}, errors.FetchError(
			fmt.Sprintf("key set request failed with status %d", resp.StatusCode), nil)
	}

	return Decode(data, c.now())
}

// Decode parses a JWKS document, keeping RSA keys that carry a kid. Keys of
// other types are not parsed, only their kids are remembered.
func Decode(data []byte, fetchedAt time.Time) (models.KeySet, error) {
	var doc jwkset.JWKSMarshal
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.KeySet{}, errors.DeserializationError("failed to decode key set", err)
	}
	if doc.Keys == nil {
		return models.KeySet{}, errors.DeserializationError("key set has no keys member", nil)
	}

	ks := models.KeySet{Keys: make([]models.Key, 0, len(doc.Keys)), FetchedAt: fetchedAt}
	for _, k := range doc.Keys {
		if k.KID == "" {
			continue
		}
		if k.KTY != jwkset.KtyRSA {
			ks.OtherKids = append(ks.OtherKids, k.KID)
			continue
		}
		ks.Keys = append(ks.Keys, models.Key{
			Kty: models.KeyTypeRSA,
			Kid: k.KID,
			Alg: string(k.ALG),
			Use: string(k.USE),
			N:   k.N,
			E:   k.E,
		})
	}
	return ks, nil
}

// KidOf returns the kid header of a JWT without verifying it.
func KidOf(raw string) (string, bool) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", false
	}
	kid, ok := tok.Header["kid"].(string)
	return kid, ok && kid != ""
}

// ask queues req and waits for the answer. ok is false if the queue was
// full, the checker closed or ctx ended first.
func (c *Checker) ask(ctx context.Context, req request) (response, bool) {
	req.ctx = ctx
	req.reply = make(chan response, 1)

	select {
	case <-c.done:
		return response{}, false
	default:
	}

	select {
	case c.requests <- req:
	default:
		c.logger.Warn("Key set checker queue full")
		return response{}, false
	}

	select {
	case resp := <-req.reply:
		return resp, true
	case <-ctx.Done():
		return response{}, false
	case <-c.done:
		return response{}, false
	}
}

// HasKid reports whether kid is in the current key set. An unknown kid
// triggers one upstream refresh if the last fetch is older than
// MinRefreshInterval.
func (c *Checker) HasKid(ctx context.Context, kid string) bool {
	resp, ok := c.ask(ctx, request{op: opLookup, kid: kid})
	if !ok {
		return true
	}
	return resp.known
}

// Recognizes reports whether the kid in rawToken's header is known. Opaque
// tokens and JWTs without a kid are always recognized.
func (c *Checker) Recognizes(ctx context.Context, rawToken string) bool {
	kid, ok := KidOf(rawToken)
	if !ok {
		return true
	}
	return c.HasKid(ctx, kid)
}

// KeySet returns a copy of the current key set, or false if none is loaded.
func (c *Checker) KeySet(ctx context.Context) (models.KeySet, bool) {
	resp, ok := c.ask(ctx, request{op: opSnapshot})
	if !ok || !resp.loaded {
		return models.KeySet{}, false
	}
	keys := append([]models.Key(nil), resp.set.Keys...)
	return models.KeySet{Keys: keys, FetchedAt: resp.set.FetchedAt}, true
}

// Refresh fetches the key set now.
func (c *Checker) Refresh(ctx context.Context) error {
	resp, ok := c.ask(ctx, request{op: opRefresh})
	if !ok {
		if err := ctx.Err(); err != nil {
			return errors.InternalError("key set refresh abandoned", err)
		}
		return errors.InternalError("key set checker unavailable", nil)
	}
	return resp.err
}
