// Package auth describes API key identities and the scopes they grant.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ErrKeyNotFound is returned when no active key has the given hash.
var ErrKeyNotFound = errors.New("api key not found")

// Scopes granted to API keys.
const (
	ScopeEvaluate     = "discounts:evaluate"
	ScopeReview       = "discounts:review"
	ScopeAdmin        = "discounts:admin"
	ScopeLoyaltyWrite = "loyalty:write"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
// Every key belongs to exactly one organization.
type APIKeyInfo struct {
	ID      string
	OrgID   string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex HMAC-SHA256 of key under pepper, the form keys
// are stored in.
func HashKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type ctxKey struct{}

// WithKey returns a context carrying the authenticated key.
func WithKey(ctx context.Context, k *APIKeyInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, k)
}

// KeyFrom returns the authenticated key in ctx, or nil.
func KeyFrom(ctx context.Context) *APIKeyInfo {
	k, _ := ctx.Value(ctxKey{}).(*APIKeyInfo)
	return k
}
