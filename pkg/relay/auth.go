package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

type contextKey string

const identityContextKey contextKey = "relay.identity"

// identity is the resolved caller of a /v1 request: either the operator
// (holder of the configured relay key) or a provisioned API key.
type identity struct {
	Configured bool
	Key        *store.APIKey
}

// rateKey partitions rate-limit buckets per caller.
func (id identity) rateKey(r *http.Request) string {
	switch {
	case id.Key != nil:
		return "key:" + id.Key.Prefix
	case id.Configured:
		return "key:configured"
	default:
		if host := remoteHost(r); host != "" {
			return "ip:" + host
		}
		return "ip:unknown"
	}
}

func (id identity) keyID() *int64 {
	if id.Key == nil {
		return nil
	}
	v := id.Key.ID
	return &v
}

func (id identity) keyName() string {
	if id.Key == nil {
		return ""
	}
	return id.Key.Name
}

func identityFromContext(ctx context.Context) identity {
	id, _ := ctx.Value(identityContextKey).(identity)
	return id
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return raw
}

func secureEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, errTypeAuth, "Missing API key")
			return
		}

		id, status, msg := s.resolveIdentity(r.Context(), token)
		if status != 0 {
			errType := errTypeAuth
			if status >= http.StatusInternalServerError {
				errType = errTypeInternal
			}
			writeError(w, status, errType, msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey, id)))
	})
}

func (s *Server) resolveIdentity(ctx context.Context, token string) (identity, int, string) {
	if relayKey := s.cfg.Auth.RelayKey; relayKey != "" && secureEqual(token, relayKey) {
		return identity{Configured: true}, 0, ""
	}
	if pk := s.cfg.Provider.APIKey; pk != "" && secureEqual(token, pk) {
		return identity{Configured: true}, 0, ""
	}

	if s.store != nil {
		hash, _ := store.HashKey(token)
		if key, ok := s.keyCache.GetFresh(hash, time.Now()); ok {
			if key.ExpireAt != nil && !time.Now().Before(*key.ExpireAt) {
				return identity{}, http.StatusUnauthorized, "API key expired"
			}
			return identity{Key: &key}, 0, ""
		}

		key, err := s.store.ResolveKey(ctx, token)
		switch {
		case err == nil:
			s.keyCache.SetWithTTL(hash, key, time.Now(), keyCacheTTL)
			return identity{Key: &key}, 0, ""
		case errors.Is(err, store.ErrExpiredKey):
			return identity{}, http.StatusUnauthorized, "API key expired"
		case errors.Is(err, store.ErrUnknownKey):
			// fall through
		default:
			return identity{}, http.StatusInternalServerError, "key lookup failed"
		}
	}
	return identity{}, http.StatusUnauthorized, "Invalid API key"
}

// adminAuthMiddleware gates /admin behind the configured relay key.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayKey := s.cfg.Auth.RelayKey
		if relayKey == "" {
			relayKey = s.cfg.Provider.APIKey
		}
		if relayKey == "" || !secureEqual(bearerToken(r), relayKey) {
			writeError(w, http.StatusUnauthorized, errTypeAuth, "admin authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
