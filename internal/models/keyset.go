package models

import (
	"slices"
	"time"

	"tokenbridge/internal/common/validation"
)

// KeyTypeRSA is the only key type kept in a KeySet.
const KeyTypeRSA = "RSA"

// Key is one public signing key published by the identity provider.
type Key struct {
	Kty string `json:"kty" validate:"required,eq=RSA"`
	Kid string `json:"kid" validate:"required"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// KeySet is the provider's published key set. It is only used to check
// whether a token's kid is still known, never to verify signatures.
type KeySet struct {
	Keys []Key `json:"keys" validate:"dive"`
	// OtherKids lists kids of published keys of other types. They count
	// for membership but are never parsed.
	OtherKids []string  `json:"other_kids,omitempty" validate:"dive,required"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Validate checks every key in the set.
func (ks KeySet) Validate() error {
	return validation.ValidateStruct(ks)
}

// Contains reports whether a key with the given kid is published, whatever
// its type.
func (ks KeySet) Contains(kid string) bool {
	for _, k := range ks.Keys {
		if k.Kid == kid {
			return true
		}
	}
	return slices.Contains(ks.OtherKids, kid)
}

// Kids returns the RSA key ids in publication order.
func (ks KeySet) Kids() []string {
	kids := make([]string, 0, len(ks.Keys))
	for _, k := range ks.Keys {
		kids = append(kids, k.Kid)
	}
	return kids
}

// Len returns the number of keys.
func (ks KeySet) Len() int {
	return len(ks.Keys)
}
