package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/proposal-discounts/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// Security authenticates requests by the HMAC-SHA256 of their API key.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security with the given key repository and HMAC
// pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate resolves the request's API key and stores it in the context.
// Missing or unknown keys get 401.
func (s *Security) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		info, err := s.lookup(r, key)
		if err != nil {
			if !errors.Is(err, auth.ErrKeyNotFound) {
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithKey(r.Context(), info)))
	})
}

func (s *Security) lookup(r *http.Request, key string) (*auth.APIKeyInfo, error) {
	hash := auth.HashKey(key, s.pepper)
	info, err := s.apikeys.FindByHash(r.Context(), hash)
	if err != nil {
		return nil, err
	}

	// The stored hash must match what we computed even when the lookup hit.
	computed, _ := hex.DecodeString(hash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, auth.ErrKeyNotFound
	}
	return info, nil
}

// RequireScope rejects keys without scope with 403. It must run after
// Authenticate.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := auth.KeyFrom(r.Context())
			if key == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !key.HasScope(scope) {
				writeError(w, http.StatusForbidden, "api key lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errForeignOrg is returned when a request names another organization than
// the one its key belongs to.
var errForeignOrg = errors.New("api key does not belong to this organization")

// orgOf returns the organization of the authenticated key. A non-empty
// requested organization must match it.
func orgOf(r *http.Request, requested string) (string, error) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		return "", errUnauthenticated
	}
	if requested != "" && requested != key.OrgID {
		return "", errForeignOrg
	}
	return key.OrgID, nil
}
