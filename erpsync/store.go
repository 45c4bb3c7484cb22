package erpsync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	colErpSyncedAt = "erp_synced_at"
	colUpdatedAt   = "updated_at"
	colCreatedAt   = "created_at"
)

// gormStore is the EntityStore of one registered entity. Rows travel as
// column maps so the engine stays independent of the concrete model.
type gormStore struct {
	db   *gorm.DB
	spec EntitySpec
}

func (s *gormStore) Spec() EntitySpec {
	return s.spec
}

// newModel returns a fresh model value so concurrent runs never share gorm's reflect target.
func (s *gormStore) newModel() any {
	t := reflect.TypeOf(s.spec.Model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}

func (s *gormStore) query(ctx context.Context, db *gorm.DB) *gorm.DB {
	return db.WithContext(ctx).Model(s.newModel())
}

func col(name string) clause.Column {
	return clause.Column{Name: name}
}

// FindByUnique returns the rows whose field equals key. Digit-only keys also
// match stored values that differ only by leading zeros; exact matches come first.
// Fields with a normalized column are looked up through it; others fall back
// to trimming zeros in the query.
func (s *gormStore) FindByUnique(ctx context.Context, field string, key string) ([]Record, error) {
	if !s.spec.HasColumn(field) {
		return nil, fmt.Errorf("entity %s has no column %s", s.spec.Name, field)
	}
	norm := NormalizeCode(key)

	q := s.query(ctx, s.db)
	if normCol, ok := s.spec.NormalizedColumn(field); ok {
		q = q.Where(clause.Eq{Column: col(normCol), Value: norm})
	} else {
		candidates := []any{key}
		if norm != key {
			candidates = append(candidates, norm)
		}
		q = q.Where(clause.IN{Column: col(field), Values: candidates})
		if isDigits(norm) {
			q = q.Or(trimZerosExpr(s.db, field, norm))
		}
	}
	var rows []map[string]interface{}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := toRecord(row)
		if NormalizeCode(stringOf(rec[field])) != norm {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return stringOf(out[i][field]) == key && stringOf(out[j][field]) != key
	})
	return out, nil
}

func trimZerosExpr(db *gorm.DB, field string, norm string) clause.Expr {
	if db.Dialector.Name() == "sqlite" {
		return gorm.Expr("LTRIM(?, '0') = ?", col(field), norm)
	}
	return gorm.Expr("TRIM(LEADING '0' FROM ?) = ?", col(field), norm)
}

func (s *gormStore) Create(ctx context.Context, fields Record, stamp time.Time) error {
	return s.insert(ctx, s.db, fields, stamp)
}

func (s *gormStore) insert(ctx context.Context, db *gorm.DB, fields Record, stamp time.Time) error {
	values := s.columnValues(fields)
	s.stamp(values, stamp)
	if s.spec.HasColumn(colCreatedAt) {
		values[colCreatedAt] = stamp
	}
	return s.query(ctx, db).Create(values).Error
}

// CreateSequenced allocates the next sequence number within the row's scope
// and inserts the row while holding a scope-level lock.
func (s *gormStore) CreateSequenced(ctx context.Context, fields Record, stamp time.Time) error {
	rule := s.spec.Sequence
	if rule == nil {
		return s.Create(ctx, fields, stamp)
	}
	scope := stringOf(fields[rule.ScopeField])
	lockName := sequenceLockName(s.spec.Table(), scope)

	db := s.db.WithContext(ctx)
	switch db.Dialector.Name() {
	case "mysql":
		// GET_LOCK is connection-scoped; pin one connection and release after commit.
		return db.Connection(func(conn *gorm.DB) error {
			if err := acquireNamedLock(conn, lockName); err != nil {
				return err
			}
			defer releaseNamedLock(conn, lockName)
			return conn.Transaction(func(tx *gorm.DB) error {
				return s.insertNext(ctx, tx, fields, stamp)
			})
		})
	case "postgres":
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lockName).Error; err != nil {
				return err
			}
			return s.insertNext(ctx, tx, fields, stamp)
		})
	default:
		return db.Transaction(func(tx *gorm.DB) error {
			return s.insertNext(ctx, tx, fields, stamp)
		})
	}
}

func (s *gormStore) insertNext(ctx context.Context, tx *gorm.DB, fields Record, stamp time.Time) error {
	rule := s.spec.Sequence
	var maxSeq int64
	if err := s.query(ctx, tx).
		Select(fmt.Sprintf("COALESCE(MAX(%s), 0)", rule.Field)).
		Where(clause.Eq{Column: col(rule.ScopeField), Value: fields[rule.ScopeField]}).
		Scan(&maxSeq).Error; err != nil {
		return err
	}
	withSeq := make(Record, len(fields)+1)
	for k, v := range fields {
		withSeq[k] = v
	}
	withSeq[rule.Field] = maxSeq + 1
	return s.insert(ctx, tx, withSeq, stamp)
}

func sequenceLockName(table string, scope string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	return fmt.Sprintf("erpsync:seq:%s:%x", table, h.Sum64())
}

func acquireNamedLock(conn *gorm.DB, name string) error {
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", name).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire lock %s", name)
	}
	return nil
}

func releaseNamedLock(conn *gorm.DB, name string) {
	var ok int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&ok).Error
}

func (s *gormStore) Update(ctx context.Context, key any, fields Record, stamp time.Time) error {
	values := s.columnValues(fields)
	delete(values, s.spec.KeyField)
	s.stamp(values, stamp)
	if len(values) == 0 {
		return nil
	}
	return s.query(ctx, s.db).
		Where(clause.Eq{Column: col(s.spec.KeyField), Value: key}).
		Updates(values).Error
}

func (s *gormStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.query(ctx, s.db).Count(&n).Error
	return n, err
}

// DeleteBatch removes up to limit rows and returns how many went.
func (s *gormStore) DeleteBatch(ctx context.Context, limit int) (int64, error) {
	var rows []map[string]interface{}
	if err := s.query(ctx, s.db).
		Select(s.spec.KeyField).
		Order(clause.OrderByColumn{Column: col(s.spec.KeyField)}).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, deref(row[s.spec.KeyField]))
	}
	res := s.db.WithContext(ctx).
		Where(clause.IN{Column: col(s.spec.KeyField), Values: keys}).
		Delete(s.newModel())
	return res.RowsAffected, res.Error
}

// FindPending lists rows changed locally since their last ERP sync, ordered by key.
func (s *gormStore) FindPending(ctx context.Context, afterKey any, limit int) ([]Record, error) {
	if !s.spec.HasColumn(colErpSyncedAt) || !s.spec.HasColumn(colUpdatedAt) {
		return nil, nil
	}
	q := s.query(ctx, s.db).
		Where(fmt.Sprintf("(%s IS NULL OR %s > %s)", colErpSyncedAt, colUpdatedAt, colErpSyncedAt))
	if afterKey != nil {
		q = q.Where(clause.Gt{Column: col(s.spec.KeyField), Value: afterKey})
	}
	var rows []map[string]interface{}
	if err := q.Order(clause.OrderByColumn{Column: col(s.spec.KeyField)}).Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out, nil
}

// MarkSynced stamps a pushed row. erpID is written to uniqueField when set.
func (s *gormStore) MarkSynced(ctx context.Context, key any, stamp time.Time, uniqueField string, erpID string) error {
	values := map[string]interface{}{}
	s.stamp(values, stamp)
	if uniqueField != "" && erpID != "" && s.spec.HasColumn(uniqueField) {
		values[uniqueField] = erpID
		s.normalizeKeys(values)
	}
	return s.query(ctx, s.db).
		Where(clause.Eq{Column: col(s.spec.KeyField), Value: key}).
		Updates(values).Error
}

func (s *gormStore) columnValues(fields Record) map[string]interface{} {
	values := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		if s.spec.HasColumn(k) {
			values[k] = v
		}
	}
	s.normalizeKeys(values)
	return values
}

// normalizeKeys keeps each normalized column in step with its source column.
func (s *gormStore) normalizeKeys(values map[string]interface{}) {
	for field, normCol := range s.spec.NormalizedKeys {
		if v, ok := values[field]; ok {
			values[normCol] = NormalizeCode(stringOf(v))
		}
	}
}

// stamp marks the row as in step with the ERP: both columns get the same instant.
func (s *gormStore) stamp(values map[string]interface{}, at time.Time) {
	if s.spec.HasColumn(colErpSyncedAt) {
		values[colErpSyncedAt] = at
	}
	if s.spec.HasColumn(colUpdatedAt) {
		values[colUpdatedAt] = at
	}
}

func toRecord(row map[string]interface{}) Record {
	rec := make(Record, len(row))
	for k, v := range row {
		rec[k] = deref(v)
	}
	return rec
}

// isDuplicateKeyErr reports a unique-index violation from any supported dialect.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}
