// Package identity maps requests to a stable identity and class.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/store"
)

const (
	// AuthUserHeader carries the authenticated user id asserted by the
	// out-of-process auth layer. Requests without it are anonymous.
	AuthUserHeader = "X-Questline-User-ID"

	// uaPrefixLen bounds how much of the User-Agent feeds the fingerprint
	// so minor version churn does not rotate anonymous identities.
	uaPrefixLen = 32
)

type contextKey int

const (
	userIDKey contextKey = iota
	classKey
)

var authUserIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ClassFromContext extracts the identity class from the request context.
func ClassFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(classKey).(string); ok {
		return v
	}
	return domain.ClassAnon
}

// WithIdentity returns a context carrying the given identity. Used by
// tests and by callers outside the HTTP middleware chain.
func WithIdentity(ctx context.Context, userID, class string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, classKey, class)
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Fingerprint derives a stable pseudonymous id for an unauthenticated
// visitor from request header attributes. The result is not PII-accurate;
// it only needs to be stable per device for quota purposes.
func Fingerprint(r *http.Request) string {
	ua := r.Header.Get("User-Agent")
	if len(ua) > uaPrefixLen {
		ua = ua[:uaPrefixLen]
	}

	h := sha256.New()
	h.Write([]byte(IPFromRequest(r)))
	h.Write([]byte("|"))
	h.Write([]byte(ua))
	h.Write([]byte("|"))
	h.Write([]byte(r.Header.Get("Accept-Language")))
	h.Write([]byte("|"))
	h.Write([]byte(r.Header.Get("Accept-Encoding")))

	return "anon-" + hex.EncodeToString(h.Sum(nil))[:32]
}

func authenticatedUserID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(AuthUserHeader))
	if id == "" || !authUserIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func deriveName(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func ensureUser(ctx context.Context, repo store.Repository, userID string) (*domain.User, error) {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	now := time.Now()
	user = &domain.User{
		ID:           userID,
		Name:         deriveName(userID),
		Subscription: domain.Subscription{Plan: domain.PlanFree},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Middleware resolves each request to a stable identity: the authenticated
// user id when the auth layer asserts one, otherwise a derived anonymous
// fingerprint. The identity class (anon/free/premium) is attached alongside.
func Middleware(repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := authenticatedUserID(r)
			anonymous := userID == ""
			if anonymous {
				userID = Fingerprint(r)
			}

			user, err := ensureUser(r.Context(), repo, userID)
			if err != nil {
				http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
				return
			}

			// The class follows how the identity was resolved, not the
			// shape of the id: only fingerprint-derived visitors are anon.
			class := user.Class()
			if anonymous {
				class = domain.ClassAnon
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, class)))
		})
	}
}
