package jwks

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbridge/internal/cache"
	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/testutil"
)

func newChecker(t *testing.T, url string, store cache.Cache, opts ...Option) *Checker {
	t.Helper()
	config := Config{
		URL:                url,
		Caller:             "billing",
		Audience:           "ledger",
		MinRefreshInterval: time.Hour,
	}
	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	c, err := NewChecker(config, store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewChecker_Validation(t *testing.T) {
	_, err := NewChecker(Config{URL: "not a url", Caller: "a", Audience: "b"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = NewChecker(Config{URL: "https://idp.example.com/jwks"}, nil)
	assert.Error(t, err)
}

func TestChecker_FetchesRSAKeysOnly(t *testing.T) {
	server := testutil.NewKeySetServer(t, "k1", "k2")
	c := newChecker(t, server.URL, testutil.NewMemoryCache(t))
	c.Start()

	ks, ok := c.KeySet(ctxT(t))
	require.True(t, ok)
	assert.Equal(t, []string{"k1", "k2"}, ks.Kids())
	assert.Equal(t, "RS256", ks.Keys[0].Alg)

	assert.Equal(t, []string{"ec-ignored"}, ks.OtherKids)

	assert.True(t, c.HasKid(ctxT(t), "k1"))
	assert.True(t, c.HasKid(ctxT(t), "ec-ignored"))
	assert.False(t, c.HasKid(ctxT(t), "k3"))
}

func TestChecker_NoKeySetLoadedFailsOpen(t *testing.T) {
	server := testutil.NewKeySetServer(t)
	server.Fail(http.StatusServiceUnavailable)

	c := newChecker(t, server.URL, testutil.NewMemoryCache(t))
	c.Start()

	assert.True(t, c.HasKid(ctxT(t), "anything"))
	_, ok := c.KeySet(ctxT(t))
	assert.False(t, ok)
}

func TestChecker_FailedRefreshKeepsPreviousSet(t *testing.T) {
	server := testutil.NewKeySetServer(t, "k1")
	c := newChecker(t, server.URL, testutil.NewMemoryCache(t))
	c.Start()
	require.True(t, c.HasKid(ctxT(t), "k1"))

	server.Fail(http.StatusInternalServerError)
	err := c.Refresh(ctxT(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeFetch))

	ks, ok := c.KeySet(ctxT(t))
	require.True(t, ok)
	assert.Equal(t, []string{"k1"}, ks.Kids())
}

func TestChecker_UnknownKidTriggersRefresh(t *testing.T) {
	server := testutil.NewKeySetServer(t, "k1")
	now := time.Now()
	clock := func() time.Time { return now }

	c := newChecker(t, server.URL, testutil.NewMemoryCache(t), WithClock(clock))
	c.Start()
	require.True(t, c.HasKid(ctxT(t), "k1"))
	require.Equal(t, 1, server.Calls())

	server.SetKids("k1", "k2")

	// Within MinRefreshInterval the unknown kid is answered from the held set.
	assert.False(t, c.HasKid(ctxT(t), "k2"))
	assert.Equal(t, 1, server.Calls())

	now = now.Add(2 * time.Hour)
	assert.True(t, c.HasKid(ctxT(t), "k2"))
	assert.Equal(t, 2, server.Calls())
}

func TestChecker_Recognizes(t *testing.T) {
	server := testutil.NewKeySetServer(t, "k1")
	c := newChecker(t, server.URL, testutil.NewMemoryCache(t))
	c.Start()

	assert.True(t, c.Recognizes(ctxT(t), testutil.SignedJWT("k1", "svc")))
	assert.False(t, c.Recognizes(ctxT(t), testutil.SignedJWT("rotated", "svc")))
	assert.True(t, c.Recognizes(ctxT(t), "opaque-token"), "opaque tokens carry no signal")
}

func TestChecker_WritesAndSeedsFromCache(t *testing.T) {
	store := testutil.NewMemoryCache(t)
	server := testutil.NewKeySetServer(t, "k1")

	first := newChecker(t, server.URL, store)
	first.Start()
	require.True(t, first.HasKid(ctxT(t), "k1"))

	cached, ok := store.GetKeySet(ctxT(t), "billing", "ledger")
	require.True(t, ok)
	assert.Equal(t, []string{"k1"}, cached.Kids())

	// A second instance whose upstream is down still knows k1 from the cache.
	server.Fail(http.StatusBadGateway)
	second := newChecker(t, server.URL, store)
	second.Start()

	ks, ok := second.KeySet(ctxT(t))
	require.True(t, ok)
	assert.Equal(t, []string{"k1"}, ks.Kids())
	assert.False(t, second.HasKid(ctxT(t), "other"))
}

func TestChecker_ClosedFailsOpen(t *testing.T) {
	server := testutil.NewKeySetServer(t, "k1")
	c := newChecker(t, server.URL, nil)
	c.Start()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, c.HasKid(ctxT(t), "unknown"))
	assert.Error(t, c.Refresh(ctxT(t)))
}

func TestChecker_NotStartedRespectsContext(t *testing.T) {
	c := newChecker(t, "https://idp.example.com/jwks", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, c.HasKid(ctx, "k1"))
}

func TestChecker_FullQueueFailsOpen(t *testing.T) {
	c := newChecker(t, "https://idp.example.com/jwks", nil)
	for i := 0; i < cap(c.requests); i++ {
		c.requests <- request{reply: make(chan response, 1)}
	}
	assert.True(t, c.HasKid(ctxT(t), "k1"))
}

func TestChecker_PeriodicRefresh(t *testing.T) {
	server := testutil.NewKeySetServer(t, "k1")
	c, err := NewChecker(Config{
		URL:             server.URL,
		Caller:          "billing",
		Audience:        "ledger",
		RefreshInterval: 20 * time.Millisecond,
	}, nil, WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	defer c.Close()
	c.Start()

	assert.Eventually(t, func() bool { return server.Calls() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDecode(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	ks, err := Decode([]byte(`{"keys":[
		{"kty":"RSA","kid":"a","n":"AQAB","e":"AQAB"},
		{"kty":"RSA","n":"AQAB","e":"AQAB"},
		{"kty":"oct","kid":"sym","k":"c2VjcmV0"}
	]}`), at)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ks.Kids())
	assert.Equal(t, []string{"sym"}, ks.OtherKids)
	assert.True(t, ks.Contains("sym"))
	assert.Equal(t, at, ks.FetchedAt)
	assert.NoError(t, ks.Validate())

	ks, err = Decode([]byte(`{"keys":[]}`), at)
	require.NoError(t, err)
	assert.Equal(t, 0, ks.Len())

	_, err = Decode([]byte(`{"other":1}`), at)
	assert.True(t, errors.IsType(err, errors.ErrTypeDeserialization))

	_, err = Decode([]byte(`not json`), at)
	assert.True(t, errors.IsType(err, errors.ErrTypeDeserialization))
}

func TestKidOf(t *testing.T) {
	kid, ok := KidOf(testutil.SignedJWT("k9", "svc"))
	assert.True(t, ok)
	assert.Equal(t, "k9", kid)

	_, ok = KidOf("opaque")
	assert.False(t, ok)
}
