package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return repo
}

func anonRequest(ua string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "gzip")
	return req
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(anonRequest("Mozilla/5.0 (X11; Linux x86_64) Gecko"))
	b := Fingerprint(anonRequest("Mozilla/5.0 (X11; Linux x86_64) Gecko"))
	if a != b {
		t.Errorf("Expected identical fingerprints, got %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "anon-") {
		t.Errorf("Expected anon- prefix, got %s", a)
	}
}

func TestFingerprintIgnoresUserAgentTail(t *testing.T) {
	// Only the first 32 bytes of the User-Agent participate, so version
	// churn past that point must not rotate the identity.
	base := "Mozilla/5.0 (X11; Linux x86_64)X"
	a := Fingerprint(anonRequest(base + " Chrome/125"))
	b := Fingerprint(anonRequest(base + " Chrome/126"))
	if a != b {
		t.Errorf("Expected stable fingerprint across UA tail changes, got %s vs %s", a, b)
	}
}

func TestFingerprintVariesByIP(t *testing.T) {
	a := anonRequest("Gecko")
	b := anonRequest("Gecko")
	b.RemoteAddr = "198.51.100.9:4000"
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("Expected different fingerprints for different IPs")
	}
}

func TestMiddlewareAnonymous(t *testing.T) {
	repo := newTestRepo(t)

	var gotID, gotClass string
	handler := Middleware(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromContext(r.Context())
		gotClass = ClassFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, anonRequest("Gecko"))

	if !strings.HasPrefix(gotID, "anon-") {
		t.Errorf("Expected anonymous id, got %s", gotID)
	}
	if gotClass != domain.ClassAnon {
		t.Errorf("Expected anon class, got %s", gotClass)
	}

	user, err := repo.GetUser(context.Background(), gotID)
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if user == nil {
		t.Fatal("Expected middleware to create the user row")
	}
}

func TestMiddlewareAuthenticatedHeader(t *testing.T) {
	repo := newTestRepo(t)

	var gotID, gotClass string
	handler := Middleware(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromContext(r.Context())
		gotClass = ClassFromContext(r.Context())
	}))

	req := anonRequest("Gecko")
	req.Header.Set(AuthUserHeader, "user-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotID != "user-42" {
		t.Errorf("Expected asserted user id, got %s", gotID)
	}
	if gotClass != domain.ClassFree {
		t.Errorf("Expected free class for fresh user, got %s", gotClass)
	}
}

func TestMiddlewarePremiumClass(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	user := &domain.User{
		ID:           "user-premium",
		Name:         "Payer",
		Subscription: domain.Subscription{Plan: domain.PlanPremium},
	}
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}

	var gotClass string
	handler := Middleware(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClass = ClassFromContext(r.Context())
	}))

	req := anonRequest("Gecko")
	req.Header.Set(AuthUserHeader, "user-premium")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotClass != domain.ClassPremium {
		t.Errorf("Expected premium class, got %s", gotClass)
	}
}

func TestMiddlewareAnonLookalikeHeader(t *testing.T) {
	repo := newTestRepo(t)

	var gotID, gotClass string
	handler := Middleware(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromContext(r.Context())
		gotClass = ClassFromContext(r.Context())
	}))

	// An asserted id that merely looks like a fingerprint must keep the
	// authenticated class.
	req := anonRequest("Gecko")
	req.Header.Set(AuthUserHeader, "anon-team-bot")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotID != "anon-team-bot" {
		t.Errorf("Expected asserted id, got %s", gotID)
	}
	if gotClass != domain.ClassFree {
		t.Errorf("Expected free class for asserted id, got %s", gotClass)
	}
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	repo := newTestRepo(t)

	var gotID string
	handler := Middleware(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromContext(r.Context())
	}))

	req := anonRequest("Gecko")
	req.Header.Set(AuthUserHeader, "user id with spaces")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.HasPrefix(gotID, "anon-") {
		t.Errorf("Expected fallback to anonymous identity, got %s", gotID)
	}
}
