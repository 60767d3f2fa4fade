// Package refresher keeps a bearer token fresh in the background.
//
// New returns a Handle whose reads never block. A background loop holding
// only a weak reference to the Handle's state reconciles with the shared
// cache and refreshes upstream when the token gets stale. Once the Handle is
// garbage collected the loop notices on its next tick and exits.
package refresher

import (
	"context"
	"time"

	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/common/validation"
	"tokenbridge/internal/metrics"
	"tokenbridge/internal/models"
	"tokenbridge/internal/runner"
)

// Fetcher obtains a fresh token from the identity provider.
type Fetcher interface {
	FetchToken(ctx context.Context, audience, scope string) (models.Token, error)
}

// TokenCache is the slice of cache.Cache the refresher uses.
type TokenCache interface {
	GetToken(ctx context.Context, caller, audience string) (models.Token, bool)
	PutToken(ctx context.Context, caller, audience string, tok models.Token) error
}

// KeyChecker reports whether a token's signing key is still published.
type KeyChecker interface {
	Recognizes(ctx context.Context, rawToken string) bool
}

// Config configures a Handle.
type Config struct {
	Caller   string `json:"caller" validate:"required"`
	Audience string `json:"audience" validate:"required"`
	Scope    string `json:"scope,omitempty"`

	CheckInterval time.Duration `json:"check_interval" validate:"gte=0"`
	// Window is the staleness window; the zero window selects
	// DefaultStalenessWindow.
	Window StalenessWindow `json:"window"`
	// FetchTimeout bounds the cache and upstream calls of one check.
	FetchTimeout time.Duration `json:"fetch_timeout" validate:"gte=0"`
	// KidRefreshInterval is the minimum time between two refreshes forced
	// by an unrecognized kid.
	KidRefreshInterval time.Duration `json:"kid_refresh_interval" validate:"gte=0"`
}

const (
	defaultCheckInterval = 10 * time.Second
	defaultFetchTimeout  = 30 * time.Second
	defaultKidRefresh    = 5 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.Window.IsZero() {
		c.Window = DefaultStalenessWindow
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.KidRefreshInterval == 0 {
		c.KidRefreshInterval = defaultKidRefresh
	}
}

type options struct {
	now     func() time.Time
	sample  func() float64
	runner  runner.Runner
	logger  logging.Logger
	checker KeyChecker
	metrics *metrics.Recorder
}

// Option configures a Handle.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSampler replaces the uniform [0, 1) source used to sample the window.
func WithSampler(u func() float64) Option {
	return func(o *options) { o.sample = u }
}

// WithRunner selects how the background loop is started.
func WithRunner(r runner.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithKeyChecker forces a refresh when the held token's kid is no longer
// recognized.
func WithKeyChecker(kc KeyChecker) Option {
	return func(o *options) { o.checker = kc }
}

// WithMetrics records refresh activity on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) { o.metrics = r }
}

// Handle gives access to the current token. It holds the only strong
// reference to the token cell; dropping the Handle stops the loop.
type Handle struct {
	cell *cell
}

// New obtains an initial token, from the cache or upstream, and starts the
// background loop. Only a failure of that initial fetch is returned.
func New(ctx context.Context, config Config, fetcher Fetcher, cache TokenCache, opts ...Option) (*Handle, error) {
	if err := validation.ValidateStruct(config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Window.Validate(); err != nil {
		return nil, err
	}

	o := options{
		now:    time.Now,
		runner: runner.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrGlobal(o.logger).WithFields(
		logging.String("component", "refresher"),
		logging.String("caller", config.Caller),
		logging.String("audience", config.Audience),
	)

	tok, ok := cache.GetToken(ctx, config.Caller, config.Audience)
	if ok {
		o.logger.Debug("Initial token taken from cache", logging.Time("expire_time", tok.ExpireTime))
	} else {
		var err error
		tok, err = fetcher.FetchToken(ctx, config.Audience, config.Scope)
		o.metrics.RecordRefresh(metrics.ReasonInitial, err)
		if err != nil {
			return nil, err
		}
		if err := cache.PutToken(ctx, config.Caller, config.Audience, tok); err != nil {
			o.metrics.RecordCacheWriteFailure()
			o.logger.Warn("Failed to write initial token to cache", logging.Err(err))
		}
	}
	o.metrics.SetTokenRemaining(tok.Remaining(o.now()))

	c := newCell(tok)
	l := newLoop(c, config, fetcher, cache, o)
	o.runner.Go(l.run)

	return &Handle{cell: c}, nil
}

// Token returns the current token. It never blocks.
func (h *Handle) Token() models.Token {
	return h.cell.load()
}

// AuthorizationHeader returns "Bearer <token>".
func (h *Handle) AuthorizationHeader() string {
	return h.Token().AuthorizationHeader()
}
