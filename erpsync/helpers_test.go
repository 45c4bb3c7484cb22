package erpsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// openTestDB returns a private in-memory sqlite database with every table migrated.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:erpsync_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testRegistry(t *testing.T, db *gorm.DB) *Registry {
	t.Helper()
	reg, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func resolveStore(t *testing.T, reg *Registry, name string) EntityStore {
	t.Helper()
	s, err := reg.Resolve(name)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", name, err)
	}
	return s
}

func customerIntegration() models.Integration {
	return models.Integration{
		ID:               1,
		Name:             "customers",
		SourceTable:      "CUSTOMER",
		TargetEntity:     "customers",
		UniqueErpField:   "CODE",
		UniqueLocalField: "code",
		SyncDirection:    models.SyncDirectionOneWay,
		ConflictPolicy:   models.ConflictPolicyErpWins,
		FieldMappings: datatypes.NewJSONType([]models.FieldMapping{
			{ErpField: "CODE", LocalField: "code", DataType: models.DataTypeCode},
			{ErpField: "NAME", LocalField: "name", DataType: models.DataTypeString},
			{ErpField: "PHONE01", LocalField: "phone", DataType: models.DataTypePhone},
			{ErpField: "CITY", LocalField: "city"},
		}),
		Defaults:       datatypes.NewJSONType(map[string]string{"address": "-"}),
		ErpCredentials: datatypes.NewJSONType(models.ErpCredentials{BaseURL: "http://erp.test", Username: "u", Password: "p", AppId: "1000"}),
		IsActive:       boolPtr(true),
	}
}

func boolPtr(b bool) *bool { return &b }

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeERP serves a fixed keyed table, optionally failing or ticking a clock per fetch.
type fakeERP struct {
	mu        sync.Mutex
	rows      []map[string]any
	authErr   error
	fetchErr  func(call int, req softone.PageRequest) error
	onFetch   func(req softone.PageRequest)
	pushErr   func(key string) error
	requests  []softone.PageRequest
	pushed    []map[string]any
	pushKeys  []string
	nextERPID int
	logins    int
}

func (f *fakeERP) Authenticate(_ context.Context, creds softone.Credentials) (softone.Token, error) {
	if f.authErr != nil {
		return softone.Token{}, f.authErr
	}
	f.mu.Lock()
	f.logins++
	n := f.logins
	f.mu.Unlock()
	return softone.Token{ClientID: fmt.Sprintf("session-%d", n), BaseURL: creds.BaseURL, AppId: creds.AppId}, nil
}

func (f *fakeERP) FetchPage(_ context.Context, _ softone.Token, req softone.PageRequest) (softone.Page, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(req)
	}
	if f.fetchErr != nil {
		if err := f.fetchErr(call, req); err != nil {
			return softone.Page{}, err
		}
	}
	page := softone.Page{TotalCount: len(f.rows)}
	for i := req.Offset; i < len(f.rows) && i < req.Offset+req.Limit; i++ {
		page.Rows = append(page.Rows, softone.Row{Fields: f.rows[i]})
	}
	return page, nil
}

func (f *fakeERP) PushRow(_ context.Context, _ softone.Token, _ string, key string, payload map[string]any) (string, error) {
	if f.pushErr != nil {
		if err := f.pushErr(key); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, payload)
	f.pushKeys = append(f.pushKeys, key)
	if key != "" {
		return key, nil
	}
	f.nextERPID++
	return fmt.Sprintf("ERP%03d", f.nextERPID), nil
}

func (f *fakeERP) fetches() []softone.PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]softone.PageRequest(nil), f.requests...)
}

func customerRows(n int) []map[string]any {
	rows := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, map[string]any{
			"CODE": fmt.Sprintf("%05d", i),
			"NAME": fmt.Sprintf("Customer %d", i),
			"CITY": "Athens",
		})
	}
	return rows
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
