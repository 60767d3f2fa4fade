package models

import (
	"time"

	"tokenbridge/internal/common/validation"
)

// Token is a bearer credential together with the window it is valid in.
//
// Tokens are values: a refresh produces a new Token and never edits one that
// was already handed out. IssueTime is the local clock when the credential
// endpoint answered and ExpireTime is IssueTime plus expires_in; neither is
// read from the token's own claims.
type Token struct {
	Value      string    `json:"value" validate:"required"`
	IssueTime  time.Time `json:"issue_time" validate:"required"`
	ExpireTime time.Time `json:"expire_time" validate:"required,gtefield=IssueTime"`
}

// Validate checks that the token is complete and does not expire before it
// was issued.
func (t Token) Validate() error {
	return validation.ValidateStruct(t)
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.Value == "" && t.IssueTime.IsZero() && t.ExpireTime.IsZero()
}

// Lifetime returns ExpireTime - IssueTime.
func (t Token) Lifetime() time.Duration {
	return t.ExpireTime.Sub(t.IssueTime)
}

// Remaining returns the time left until expiry, never negative.
func (t Token) Remaining(now time.Time) time.Duration {
	if d := t.ExpireTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RemainingFraction returns the share of the lifetime still left at now,
// in [0, 1]. It is 0 from ExpireTime onwards and for a zero lifetime.
func (t Token) RemainingFraction(now time.Time) float64 {
	lifetime := t.Lifetime()
	if lifetime <= 0 {
		return 0
	}

	f := float64(t.Remaining(now)) / float64(lifetime)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Expired reports whether the token is no longer valid at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpireTime)
}

// AuthorizationHeader returns the value for an Authorization header.
func (t Token) AuthorizationHeader() string {
	return "Bearer " + t.Value
}
