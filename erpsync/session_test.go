package erpsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/parking_backend/softone"
)

type memorySessionCache struct {
	mu      sync.Mutex
	entries map[string]softone.Token
	ttls    map[string]time.Duration
	getErr  error
}

func newMemorySessionCache() *memorySessionCache {
	return &memorySessionCache{entries: map[string]softone.Token{}, ttls: map[string]time.Duration{}}
}

func (m *memorySessionCache) Get(_ context.Context, key string) (softone.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return softone.Token{}, false, m.getErr
	}
	tok, ok := m.entries[key]
	return tok, ok, nil
}

func (m *memorySessionCache) Set(_ context.Context, key string, tok softone.Token, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = tok
	m.ttls[key] = ttl
	return nil
}

func (m *memorySessionCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func testCreds() softone.Credentials {
	return softone.Credentials{BaseURL: "http://erp.test/", Username: "u", Password: "p", AppId: "1001"}
}

func TestCachedClient_ReusesSession(t *testing.T) {
	ctx := context.Background()
	erp := &fakeERP{}
	cache := newMemorySessionCache()

	first := NewCachedClient(erp, cache, 20*time.Minute, quietLogger())
	tok, err := first.Authenticate(ctx, testCreds())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	// a second process sharing the cache skips the login
	second := NewCachedClient(erp, cache, 20*time.Minute, quietLogger())
	again, err := second.Authenticate(ctx, testCreds())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if erp.logins != 1 || again.ClientID != tok.ClientID {
		t.Fatalf("logins=%d first=%q second=%q", erp.logins, tok.ClientID, again.ClientID)
	}
	if ttl := cache.ttls[sessionKey(testCreds())]; ttl != 20*time.Minute {
		t.Fatalf("ttl=%s", ttl)
	}

	other := testCreds()
	other.Username = "someone-else"
	if _, err := second.Authenticate(ctx, other); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if erp.logins != 2 {
		t.Fatalf("distinct credentials must log in separately, logins=%d", erp.logins)
	}
}

func TestCachedClient_ReloginOnExpiredSession(t *testing.T) {
	ctx := context.Background()
	erp := &fakeERP{rows: customerRows(2)}
	erp.fetchErr = func(call int, req softone.PageRequest) error {
		if call == 1 {
			return &softone.Error{Kind: softone.KindAuth, Service: "getBrowserInfo", Message: "expired"}
		}
		return nil
	}
	cache := newMemorySessionCache()
	c := NewCachedClient(erp, cache, time.Minute, quietLogger())

	tok, err := c.Authenticate(ctx, testCreds())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	page, err := c.FetchPage(ctx, tok, softone.PageRequest{Table: "TRDR", Limit: 10})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Rows) != 2 || erp.logins != 2 {
		t.Fatalf("rows=%d logins=%d", len(page.Rows), erp.logins)
	}
	cached, found, _ := cache.Get(ctx, sessionKey(testCreds()))
	if !found || cached.ClientID == tok.ClientID {
		t.Fatalf("cache should hold the fresh session, got %+v", cached)
	}
}

func TestCachedClient_PassesThroughOtherErrors(t *testing.T) {
	ctx := context.Background()
	erp := &fakeERP{}
	erp.pushErr = func(string) error {
		return &softone.Error{Kind: softone.KindBusiness, Service: "setData", Message: "rejected"}
	}
	c := NewCachedClient(erp, newMemorySessionCache(), time.Minute, quietLogger())
	tok, err := c.Authenticate(ctx, testCreds())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := c.PushRow(ctx, tok, "TRDR", "", map[string]any{"NAME": "x"}); !softone.IsBusiness(err) {
		t.Fatalf("expected business error, got %v", err)
	}
	if erp.logins != 1 {
		t.Fatalf("logins=%d", erp.logins)
	}

	// tokens not issued here are not retried
	authErr := &softone.Error{Kind: softone.KindAuth, Service: "setData", Message: "expired"}
	erp.pushErr = func(string) error { return authErr }
	if _, err := c.PushRow(ctx, softone.Token{ClientID: "foreign", BaseURL: "http://erp.test"}, "TRDR", "", nil); !errors.Is(err, authErr) {
		t.Fatalf("err=%v", err)
	}
}

func TestCachedClient_CacheReadFailureFallsBackToLogin(t *testing.T) {
	cache := newMemorySessionCache()
	cache.getErr = errors.New("redis down")
	erp := &fakeERP{}
	c := NewCachedClient(erp, cache, time.Minute, quietLogger())
	if _, err := c.Authenticate(context.Background(), testCreds()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if erp.logins != 1 {
		t.Fatalf("logins=%d", erp.logins)
	}
}
