package erpsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/parking_backend/config"
	"github.com/mmdatafocus/parking_backend/softone"
	"github.com/sirupsen/logrus"
)

// SessionCache stores authenticated ERP sessions between invocations.
type SessionCache interface {
	Get(ctx context.Context, key string) (softone.Token, bool, error)
	Set(ctx context.Context, key string, tok softone.Token, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisSessionCache keeps sessions in the shared redis connection.
type RedisSessionCache struct{}

func (RedisSessionCache) Get(ctx context.Context, key string) (softone.Token, bool, error) {
	var tok softone.Token
	found, err := config.GetRedisObject(ctx, key, &tok)
	if err != nil || !found {
		return softone.Token{}, false, err
	}
	return tok, true, nil
}

func (RedisSessionCache) Set(ctx context.Context, key string, tok softone.Token, ttl time.Duration) error {
	return config.SetRedisObject(ctx, key, tok, ttl)
}

func (RedisSessionCache) Delete(ctx context.Context, key string) error {
	return config.RemoveRedisKey(ctx, key)
}

func sessionKey(creds softone.Credentials) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/"),
		creds.Username,
		creds.AppId,
		creds.Company,
		creds.Branch,
	}, "|")))
	return "erpsync:session:" + hex.EncodeToString(sum[:])
}

// CachedClient reuses ERP logins across invocations. When the ERP rejects a
// cached session the entry is dropped, and the call is retried once on a
// fresh login.
type CachedClient struct {
	ERPClient
	Cache  SessionCache
	TTL    time.Duration
	Logger *logrus.Logger

	mu    sync.Mutex
	creds map[string]softone.Credentials
}

func NewCachedClient(inner ERPClient, cache SessionCache, ttl time.Duration, logger *logrus.Logger) *CachedClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedClient{
		ERPClient: inner,
		Cache:     cache,
		TTL:       ttl,
		Logger:    logger,
		creds:     map[string]softone.Credentials{},
	}
}

func (c *CachedClient) Authenticate(ctx context.Context, creds softone.Credentials) (softone.Token, error) {
	key := sessionKey(creds)
	tok, found, err := c.Cache.Get(ctx, key)
	if err != nil {
		c.Logger.WithFields(logrus.Fields{"field": "erp_session"}).Warnf("session cache read: %v", err)
	}
	if found && tok.Valid() {
		c.remember(tok, creds)
		return tok, nil
	}
	return c.login(ctx, key, creds)
}

func (c *CachedClient) FetchPage(ctx context.Context, tok softone.Token, req softone.PageRequest) (softone.Page, error) {
	page, err := c.ERPClient.FetchPage(ctx, tok, req)
	if !softone.IsAuth(err) {
		return page, err
	}
	fresh, ok := c.relogin(ctx, tok)
	if !ok {
		return page, err
	}
	return c.ERPClient.FetchPage(ctx, fresh, req)
}

func (c *CachedClient) PushRow(ctx context.Context, tok softone.Token, table string, key string, payload map[string]any) (string, error) {
	id, err := c.ERPClient.PushRow(ctx, tok, table, key, payload)
	if !softone.IsAuth(err) {
		return id, err
	}
	fresh, ok := c.relogin(ctx, tok)
	if !ok {
		return id, err
	}
	return c.ERPClient.PushRow(ctx, fresh, table, key, payload)
}

func (c *CachedClient) login(ctx context.Context, key string, creds softone.Credentials) (softone.Token, error) {
	tok, err := c.ERPClient.Authenticate(ctx, creds)
	if err != nil {
		return tok, err
	}
	if err := c.Cache.Set(ctx, key, tok, c.TTL); err != nil {
		c.Logger.WithFields(logrus.Fields{"field": "erp_session"}).Warnf("session cache write: %v", err)
	}
	c.remember(tok, creds)
	return tok, nil
}

// relogin replaces a rejected session. It returns false when the token was
// not issued through this client.
func (c *CachedClient) relogin(ctx context.Context, stale softone.Token) (softone.Token, bool) {
	c.mu.Lock()
	creds, ok := c.creds[stale.ClientID]
	delete(c.creds, stale.ClientID)
	c.mu.Unlock()
	if !ok {
		return softone.Token{}, false
	}
	key := sessionKey(creds)
	if err := c.Cache.Delete(ctx, key); err != nil {
		c.Logger.WithFields(logrus.Fields{"field": "erp_session"}).Warnf("session cache delete: %v", err)
	}
	fresh, err := c.login(ctx, key, creds)
	if err != nil {
		return softone.Token{}, false
	}
	return fresh, true
}

func (c *CachedClient) remember(tok softone.Token, creds softone.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		c.creds = map[string]softone.Credentials{}
	}
	c.creds[tok.ClientID] = creds
}
