package refresher

import (
	"context"
	"fmt"
	"time"
	"weak"

	"golang.org/x/time/rate"

	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/metrics"
)

// loop must never hold a strong reference to the cell between ticks.
type loop struct {
	ref     weak.Pointer[cell]
	config  Config
	fetcher Fetcher
	cache   TokenCache
	checker KeyChecker
	logger  logging.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	sample  func() float64
	// forced limits refreshes triggered by an unknown kid; a provider may
	// keep issuing a kid it does not publish.
	forced *rate.Limiter
}

func newLoop(c *cell, config Config, fetcher Fetcher, cache TokenCache, o options) *loop {
	l := &loop{
		ref:     weak.Make(c),
		config:  config,
		fetcher: fetcher,
		cache:   cache,
		checker: o.checker,
		logger:  o.logger,
		metrics: o.metrics,
		now:     o.now,
		sample:  o.sample,
		forced:  rate.NewLimiter(rate.Every(config.KidRefreshInterval), 1),
	}
	if l.sample == nil {
		l.sample = func() float64 { return config.Window.Sample() }
	} else {
		u := l.sample
		l.sample = func() float64 { return config.Window.SampleWith(u) }
	}
	return l
}

func (l *loop) run() {
	ticker := time.NewTicker(l.config.CheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !l.step() {
			l.logger.Debug("Token handle released, stopping refresh loop")
			return
		}
	}
}

// step runs one check if the cell is still alive. The strong reference it
// takes does not outlive the call.
func (l *loop) step() bool {
	c := l.ref.Value()
	if c == nil {
		return false
	}
	l.tick(c)
	return true
}

func (l *loop) tick(c *cell) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Refresh check panicked", errors.InternalError(fmt.Sprint(r), nil))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.config.FetchTimeout)
	defer cancel()

	current := c.load()

	if cached, ok := l.cache.GetToken(ctx, l.config.Caller, l.config.Audience); ok &&
		cached.ExpireTime.After(current.ExpireTime) {
		c.store(cached)
		l.metrics.RecordCacheAdoption()
		l.metrics.SetTokenRemaining(cached.Remaining(l.now()))
		l.logger.Debug("Adopted fresher token from cache", logging.Time("expire_time", cached.ExpireTime))
		return
	}

	now := l.now()
	threshold := l.sample()

	var reason string
	switch {
	case ShouldRefresh(current, now, threshold):
		reason = metrics.ReasonStale
	case l.checker != nil && l.forced.TokensAt(now) >= 1 && !l.checker.Recognizes(ctx, current.Value):
		l.forced.AllowN(now, 1)
		reason = metrics.ReasonUnknownKid
	default:
		l.metrics.SetTokenRemaining(current.Remaining(now))
		return
	}

	l.logger.Debug("Refreshing token",
		logging.String("reason", reason),
		logging.Float("remaining_fraction", current.RemainingFraction(now)),
		logging.Float("threshold", threshold),
	)

	tok, err := l.fetcher.FetchToken(ctx, l.config.Audience, l.config.Scope)
	l.metrics.RecordRefresh(reason, err)
	if err != nil {
		l.logger.Warn("Token refresh failed, keeping current token",
			logging.Time("expire_time", current.ExpireTime),
			logging.Err(err),
		)
		return
	}

	if err := l.cache.PutToken(ctx, l.config.Caller, l.config.Audience, tok); err != nil {
		l.metrics.RecordCacheWriteFailure()
		l.logger.Warn("Failed to write refreshed token to cache", logging.Err(err))
	}

	c.store(tok)
	l.metrics.SetTokenRemaining(tok.Remaining(l.now()))
	l.logger.Info("Token refreshed",
		logging.String("reason", reason),
		logging.Time("expire_time", tok.ExpireTime),
	)
}
