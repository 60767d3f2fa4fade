// Package testutil provides fake identity-provider endpoints for tests.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// TokenRequest is the body received by CredentialServer.
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience"`
	GrantType    string `json:"grant_type"`
	Scope        string `json:"scope,omitempty"`
}

// CredentialServer is a fake client-credentials endpoint. Each successful
// answer issues "token-<n>" (or a JWT carrying kid when SetKid was called)
// valid for ExpiresIn seconds.
type CredentialServer struct {
	*httptest.Server

	mu        sync.Mutex
	requests  []TokenRequest
	expiresIn int64
	kid       string
	failures  []int
	rawBody   string
}

// NewCredentialServer starts a server that is closed when t ends.
func NewCredentialServer(t testing.TB) *CredentialServer {
	t.Helper()
	s := &CredentialServer{expiresIn: 3600}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *CredentialServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	var status int
	if len(s.failures) > 0 {
		status, s.failures = s.failures[0], s.failures[1:]
	}
	expiresIn, kid, raw := s.expiresIn, s.kid, s.rawBody
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "server_error",
			"error_description": fmt.Sprintf("forced failure with status %d", status),
		})
		return
	}

	if raw != "" {
		_, _ = w.Write([]byte(raw))
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": IssuedToken(n, kid),
		"expires_in":   expiresIn,
		"token_type":   "Bearer",
	})
}

// IssuedToken returns the access token the server hands out on call n.
func IssuedToken(n int, kid string) string {
	if kid == "" {
		return fmt.Sprintf("token-%d", n)
	}
	return SignedJWT(kid, fmt.Sprintf("token-%d", n))
}

// SetExpiresIn changes expires_in for later answers.
func (s *CredentialServer) SetExpiresIn(seconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = seconds
}

// SetKid makes later answers JWTs whose header carries kid.
func (s *CredentialServer) SetKid(kid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kid = kid
}

// FailNext makes the next len(statuses) requests fail with those statuses.
func (s *CredentialServer) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// RespondWith makes every later successful answer return body verbatim.
func (s *CredentialServer) RespondWith(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawBody = body
}

// Calls returns the number of requests received.
func (s *CredentialServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every request body received.
func (s *CredentialServer) Requests() []TokenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TokenRequest(nil), s.requests...)
}

// KeySetServer is a fake JWKS endpoint. Besides the configured RSA keys it
// always publishes one EC key with kid "ec-ignored", which consumers only
// track by kid.
type KeySetServer struct {
	*httptest.Server

	mu     sync.Mutex
	kids   []string
	calls  int
	status int
}

// NewKeySetServer starts a server publishing RSA keys with the given kids.
func NewKeySetServer(t testing.TB, kids ...string) *KeySetServer {
	t.Helper()
	s := &KeySetServer{kids: kids}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *KeySetServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls++
	kids, status := append([]string(nil), s.kids...), s.status
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}

	keys := make([]map[string]string, 0, len(kids)+1)
	for _, kid := range kids {
		keys = append(keys, map[string]string{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString([]byte("modulus-for-" + kid)),
			"e":   "AQAB",
		})
	}
	keys = append(keys, map[string]string{
		"kty": "EC",
		"kid": "ec-ignored",
		"crv": "P-256",
		"x":   "f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU",
		"y":   "x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0",
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}

// SetKids replaces the published RSA kids.
func (s *KeySetServer) SetKids(kids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kids = kids
}

// Fail makes every later request answer with status; 0 restores service.
func (s *KeySetServer) Fail(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Calls returns the number of requests received.
func (s *KeySetServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SignedJWT returns an HS256 JWT whose header carries kid. Only the header
// matters to tokenbridge; the signature is never verified.
func SignedJWT(kid, subject string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
	tok.Header["kid"] = kid
	signed, err := tok.SignedString([]byte("tokenbridge-test-secret"))
	if err != nil {
		panic(err)
	}
	return signed
}
