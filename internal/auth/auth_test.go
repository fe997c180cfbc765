package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// testAPIKey is the raw API key used in tests.
const testAPIKey = "tsb_test_valid_key_1234567890abcdef"

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

type mockStore struct {
	row       *principalRow
	err       error
	callCount atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, _ string) (*principalRow, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func bearerCtx(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", token))
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name  string
		ctx   context.Context
		token string
		err   error
	}{
		{"valid", bearerCtx("Bearer " + testAPIKey), testAPIKey, nil},
		{"lowercase scheme", bearerCtx("bearer " + testAPIKey), testAPIKey, nil},
		{"no metadata", context.Background(), "", ErrMissingAPIKey},
		{"missing header", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-other", "1")), "", ErrMissingAPIKey},
		{"wrong prefix", bearerCtx("Bearer tsk_abc12345"), "", ErrInvalidAPIKey},
		{"too short", bearerCtx("Bearer tsb_"), "", ErrInvalidAPIKey},
		{"just Bearer", bearerCtx("Bearer"), "", ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := ExtractBearerToken(tt.ctx)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if token != tt.token {
				t.Errorf("expected token %q, got %q", tt.token, token)
			}
		})
	}
}

func TestPrincipal_Allows(t *testing.T) {
	all := &Principal{ID: "a"}
	none := &Principal{ID: "b", AllowedTools: []string{}}
	some := &Principal{ID: "c", AllowedTools: []string{"ls", "cat"}}

	if !all.Allows("anything") {
		t.Error("nil allow list should permit every tool")
	}
	if none.Allows("ls") {
		t.Error("empty allow list should permit nothing")
	}
	if !some.Allows("cat") || some.Allows("rm") {
		t.Error("explicit allow list not honored")
	}
	var missing *Principal
	if missing.Allows("ls") {
		t.Error("nil principal must not be allowed")
	}
}

func TestStaticAuthenticator_DevMode(t *testing.T) {
	a := NewStaticAuthenticator(nil)

	p, err := a.Authenticate(bearerCtx("Bearer tsb_abc12345"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.ID != "static-tsb_abc1" {
		t.Errorf("unexpected principal id %q", p.ID)
	}
}

func TestStaticAuthenticator_KeyTable(t *testing.T) {
	a := NewStaticAuthenticator(map[string]*Principal{
		testAPIKey: {ID: "ops", AllowedTools: []string{"ls"}},
	})

	p, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.ID != "ops" || !p.Allows("ls") {
		t.Errorf("unexpected principal %+v", p)
	}

	if _, err := a.Authenticate(bearerCtx("Bearer tsb_unknown_key_000")); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := &mockStore{row: &principalRow{
		PrincipalID:  "svc_build",
		APIKeyHash:   testHash(t),
		AllowedTools: sql.NullString{String: `["ls","grep"]`, Valid: true},
	}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	p, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.ID != "svc_build" {
		t.Errorf("expected svc_build, got %s", p.ID)
	}
	if !p.Allows("grep") || p.Allows("rm") {
		t.Errorf("allow list not applied: %v", p.AllowedTools)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := &mockStore{row: &principalRow{PrincipalID: "svc", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	for i := 0; i < 3; i++ {
		p, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey))
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if !p.Allows("anything") {
			t.Error("NULL allowed_tools should permit every tool")
		}
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_WrongKey(t *testing.T) {
	store := &mockStore{row: &principalRow{PrincipalID: "svc", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(bearerCtx("Bearer tsb_wrong_key_doesnt_match_hash"))
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey))
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_MalformedAllowList(t *testing.T) {
	store := &mockStore{row: &principalRow{
		PrincipalID:  "svc",
		APIKeyHash:   testHash(t),
		AllowedTools: sql.NullString{String: `{"not":"a list"}`, Valid: true},
	}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	if _, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey)); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration, size int) (*AuthCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newAuthCache(ttl, size)
	cache.now = clock.now
	return cache, clock
}

func TestCache_StaleHit_SignalsRefreshOnce(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 0)
	cache.Set(testAPIKey, &Principal{ID: "p1"})
	clock.advance(2 * time.Minute)

	first := cache.Get(testAPIKey)
	if !first.Hit || !first.NeedsRefresh {
		t.Fatalf("expected stale hit with refresh, got %+v", first)
	}
	second := cache.Get(testAPIKey)
	if !second.Hit || second.NeedsRefresh {
		t.Fatalf("only the first stale reader should refresh, got %+v", second)
	}
	if second.Principal.ID != "p1" {
		t.Error("stale hit should still return the principal")
	}

	cache.RefreshFailed(testAPIKey)
	if !cache.Get(testAPIKey).NeedsRefresh {
		t.Error("a failed refresh should let the next reader retry")
	}

	cache.Delete(testAPIKey)
	if cache.Get(testAPIKey).Hit {
		t.Error("expected miss after delete")
	}
}

func TestCache_PastStaleBoundIsMiss(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 0)
	cache.Set(testAPIKey, &Principal{ID: "p1"})

	clock.advance(time.Minute + staleFactor*time.Minute)
	if res := cache.Get(testAPIKey); res.Hit {
		t.Fatalf("entry past ttl plus stale bound must be a miss, got %+v", res)
	}
}

func TestCache_BoundedByLRU(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 2)
	cache.Set("tsb_key_a_0000", &Principal{ID: "a"})
	cache.Set("tsb_key_b_0000", &Principal{ID: "b"})
	cache.Get("tsb_key_a_0000")
	cache.Set("tsb_key_c_0000", &Principal{ID: "c"})

	if cache.Get("tsb_key_b_0000").Hit {
		t.Error("least recently used key should be evicted")
	}
	if !cache.Get("tsb_key_a_0000").Hit || !cache.Get("tsb_key_c_0000").Hit {
		t.Error("recent keys should stay cached")
	}
}

func TestPostgresAuth_StaleEntryNotServedForeverWhenDBDown(t *testing.T) {
	store := &mockStore{row: &principalRow{PrincipalID: "svc", APIKeyHash: testHash(t)}}
	cache, clock := newTestCache(time.Minute, 0)
	a := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	if _, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey)); err != nil {
		t.Fatalf("first call: %v", err)
	}
	store.err = errors.New("connection refused")
	clock.advance(time.Minute + staleFactor*time.Minute + time.Second)

	_, err := a.Authenticate(bearerCtx("Bearer " + testAPIKey))
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable once the stale bound passed, got %v", err)
	}
}
