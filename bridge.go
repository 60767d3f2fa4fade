// Package tokenbridge keeps an OAuth2 client-credentials bearer token valid
// in the background and hands it out without blocking.
//
// Instances that share a cache (Redis or DynamoDB) converge on one token:
// whichever instance refreshes first writes the new token, encrypted, and
// the others adopt it on their next check. Refresh moments are drawn at
// random from a staleness window so a fleet does not hit the identity
// provider at once.
//
//	cfg, err := tokenbridge.LoadConfig()
//	if err != nil {
//		return err
//	}
//	bridge, err := tokenbridge.New(ctx, *cfg)
//	if err != nil {
//		return err
//	}
//	defer bridge.Close()
//
//	client := &http.Client{Transport: bridge.Transport(nil)}
package tokenbridge

import (
	"context"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"tokenbridge/internal/cache"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/common/utils"
	"tokenbridge/internal/config"
	"tokenbridge/internal/credentials"
	"tokenbridge/internal/crypto"
	"tokenbridge/internal/jwks"
	"tokenbridge/internal/metrics"
	"tokenbridge/internal/models"
	"tokenbridge/internal/refresher"
	"tokenbridge/internal/runner"
)

// Config is the bridge configuration.
type Config = config.Config

// Token is an issued bearer token.
type Token = models.Token

// DefaultConfig returns a Config with every optional field at its default.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a Config from TOKENBRIDGE_* environment variables.
func LoadConfig() (*Config, error) {
	return config.Load()
}

type options struct {
	logger     logging.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the bridge's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used for the credential and key set
// endpoints.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// Bridge hands out the current token for one caller/audience pair.
type Bridge struct {
	handle  *refresher.Handle
	checker *jwks.Checker
	res     *resources
}

// resources are released by Close or once the Bridge is unreachable. They
// must not refer back to the Bridge.
type resources struct {
	once       sync.Once
	cache      *cache.Store
	checker    *jwks.Checker
	metrics    *metrics.Recorder
	registerer prometheus.Registerer
	logger     logging.Logger
}

func (r *resources) close() error {
	var err error
	r.once.Do(func() {
		if r.checker != nil {
			_ = r.checker.Close()
		}
		r.metrics.Unregister(r.registerer)
		if r.cache != nil {
			err = r.cache.Close()
		}
		r.logger.Debug("Token bridge resources released")
		logging.MustSync(r.logger)
	})
	return err
}

// New validates cfg, obtains an initial token and starts refreshing it.
// Only configuration, backend connection and initial fetch failures are
// returned; later refresh failures are logged and the previous token kept.
func New(ctx context.Context, cfg Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewLogger(cfg.LogLevel)
	}
	logger := o.logger.WithFields(
		logging.String("caller", cfg.Caller),
		logging.String("audience", cfg.Audience),
	)

	codec, err := crypto.NewCodec(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(ctx, cfg.CacheURL, codec, logger)
	if err != nil {
		return nil, err
	}
	res := &resources{cache: store, registerer: o.registerer, logger: logger}

	rec, err := metrics.NewRecorder(o.registerer, cfg.Caller, cfg.Audience)
	if err != nil {
		_ = res.close()
		return nil, err
	}
	res.metrics = rec

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.FetchAttempts
	credOpts := []credentials.Option{credentials.WithLogger(logger)}
	if o.httpClient != nil {
		credOpts = append(credOpts, credentials.WithHTTPClient(o.httpClient))
	}
	creds, err := credentials.NewClient(credentials.Config{
		TokenURL:     cfg.CredentialURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.HTTPTimeout,
		Retry:        retry,
	}, credOpts...)
	if err != nil {
		_ = res.close()
		return nil, err
	}

	run := runner.Select(cfg.DedicatedThread)

	handleOpts := []refresher.Option{
		refresher.WithLogger(logger),
		refresher.WithRunner(run),
		refresher.WithMetrics(rec),
	}

	var checker *jwks.Checker
	if cfg.KeySetURL != "" {
		checkerOpts := []jwks.Option{
			jwks.WithLogger(logger),
			jwks.WithMetrics(rec),
			jwks.WithRunner(run),
		}
		if o.httpClient != nil {
			checkerOpts = append(checkerOpts, jwks.WithHTTPClient(o.httpClient))
		}
		checker, err = jwks.NewChecker(jwks.Config{
			URL:             cfg.KeySetURL,
			Caller:          cfg.Caller,
			Audience:        cfg.Audience,
			CacheTTL:        cfg.KeySetTTL,
			RefreshInterval: cfg.KeySetRefreshInterval,
			Timeout:         cfg.HTTPTimeout,
		}, store, checkerOpts...)
		if err != nil {
			_ = res.close()
			return nil, err
		}
		res.checker = checker
		checker.Start()
		handleOpts = append(handleOpts, refresher.WithKeyChecker(checker))
	}

	handle, err := refresher.New(ctx, refresher.Config{
		Caller:        cfg.Caller,
		Audience:      cfg.Audience,
		Scope:         cfg.Scope,
		CheckInterval: cfg.CheckInterval,
		Window:        refresher.StalenessWindow{Min: cfg.StalenessMin, Max: cfg.StalenessMax},
		FetchTimeout:  cfg.HTTPTimeout * 3,
	}, creds, store, handleOpts...)
	if err != nil {
		_ = res.close()
		return nil, err
	}

	b := &Bridge{handle: handle, checker: checker, res: res}
	runtime.AddCleanup(b, func(r *resources) { _ = r.close() }, res)

	logger.Info("Token bridge started",
		logging.String("cache", store.Name()),
		logging.Bool("key_checks", checker != nil),
		logging.Time("expire_time", handle.Token().ExpireTime),
	)
	return b, nil
}

// Token returns the current token. It never blocks.
func (b *Bridge) Token() Token {
	return b.handle.Token()
}

// AuthorizationHeader returns "Bearer <token>".
func (b *Bridge) AuthorizationHeader() string {
	return b.handle.AuthorizationHeader()
}

// KeyRecognized reports whether the current token's signing key is still in
// the provider's key set. It is true when key checks are disabled, the
// token is not a JWT, or no key set could be loaded.
func (b *Bridge) KeyRecognized(ctx context.Context) bool {
	if b.checker == nil {
		return true
	}
	return b.checker.Recognizes(ctx, b.Token().Value)
}

// TokenSource adapts the bridge to golang.org/x/oauth2.
func (b *Bridge) TokenSource() oauth2.TokenSource {
	return tokenSource{b: b}
}

// Transport returns a RoundTripper that sets the Authorization header on
// every request. A nil base uses http.DefaultTransport.
func (b *Bridge) Transport(base http.RoundTripper) http.RoundTripper {
	return &oauth2.Transport{Source: b.TokenSource(), Base: base}
}

// Close releases the cache backend, the key set checker and the metrics.
// The last token stays readable. Close is safe to call more than once.
func (b *Bridge) Close() error {
	return b.res.close()
}

type tokenSource struct {
	b *Bridge
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok := s.b.Token()
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		Expiry:      tok.ExpireTime,
	}, nil
}
