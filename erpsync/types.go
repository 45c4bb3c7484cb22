package erpsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrUnknownEntity       = errors.New("unknown target entity")
	ErrInvalidConfig       = errors.New("invalid integration config")
	ErrSyncInProgress      = errors.New("sync already in progress for integration")
)

// Row outcomes.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeErrored = "errored"
)

// Reason codes attached to skipped and errored rows.
const (
	ReasonNoChange                   = "NO_CHANGE"
	ReasonDuplicateInBatch           = "DUPLICATE_IN_BATCH"
	ReasonParentNotFound             = "PARENT_NOT_FOUND"
	ReasonParentMissingRequiredField = "PARENT_MISSING_REQUIRED_FIELD"
	ReasonRequiredFieldMissing       = "REQUIRED_FIELD_MISSING"
	ReasonMissingUniqueKey           = "MISSING_UNIQUE_KEY"
	ReasonLocalPendingPush           = "LOCAL_PENDING_PUSH"
	ReasonNoMappedFields             = "NO_MAPPED_FIELDS"
	ReasonLookupFailed               = "LOOKUP_FAILED"
	ReasonWriteFailed                = "WRITE_FAILED"
	ReasonPushFailed                 = "PUSH_FAILED"
)

// Record is a local-entity-shaped row keyed by column name.
type Record map[string]any

// ErpRecord is one ERP row resolved against its column model.
type ErpRecord map[string]any

// MappedRow is one ERP row translated to local columns. Defaults are only
// written when the row is created.
// MappedRow is one ERP row in local terms. Cleared lists mapped local fields
// the ERP sent empty; they only matter when updating an existing row.
type MappedRow struct {
	UniqueKey string
	Fields    Record
	Defaults  Record
	Cleared   []string
	Source    ErpRecord
}

type MapError struct {
	UniqueKey string
	Field     string
	Reason    string
	Message   string
	Source    ErpRecord
}

func (e *MapError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// RowInput is what the engine reconciles: either a mapped row or the mapping
// failure for that position, so mapping skips land in the same stats.
type RowInput struct {
	Row *MappedRow
	Err *MapError
}

type RowOutcome struct {
	Index     int
	UniqueKey string
	Outcome   string
	Reason    string
	Message   string
	Payload   ErpRecord
	Retryable bool
}

// Problem reports whether the outcome should be kept in the run's row error list.
func (o RowOutcome) Problem() bool {
	if o.Outcome == OutcomeErrored {
		return true
	}
	return o.Outcome == OutcomeSkipped && o.Reason != ReasonNoChange
}

type ReconcileResult struct {
	Direction string
	Outcomes  []RowOutcome
	Stats     models.DirectionStats
	Conflicts int
}

func (r *ReconcileResult) record(o RowOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	tally(&r.Stats, o)
}

func tally(s *models.DirectionStats, o RowOutcome) {
	s.Total++
	switch o.Outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeErrored:
		s.Errors++
	default:
		s.Skipped++
		if o.Reason != "" {
			if s.SkipReasons == nil {
				s.SkipReasons = map[string]int{}
			}
			s.SkipReasons[o.Reason]++
		}
	}
}

// ERPClient is the ERP access capability. Implemented by *softone.Client.
type ERPClient interface {
	Authenticate(ctx context.Context, creds softone.Credentials) (softone.Token, error)
	FetchPage(ctx context.Context, tok softone.Token, req softone.PageRequest) (softone.Page, error)
	PushRow(ctx context.Context, tok softone.Token, table string, key string, payload map[string]any) (string, error)
}

type ConfigSource interface {
	Load(ctx context.Context, id uint) (models.Integration, error)
}

// EntityStore is the local-store capability for one target entity.
type EntityStore interface {
	Spec() EntitySpec
	FindByUnique(ctx context.Context, field string, key string) ([]Record, error)
	Create(ctx context.Context, fields Record, stamp time.Time) error
	CreateSequenced(ctx context.Context, fields Record, stamp time.Time) error
	Update(ctx context.Context, key any, fields Record, stamp time.Time) error
	Count(ctx context.Context) (int64, error)
	DeleteBatch(ctx context.Context, limit int) (int64, error)
	FindPending(ctx context.Context, afterKey any, limit int) ([]Record, error)
	MarkSynced(ctx context.Context, key any, stamp time.Time, uniqueField string, erpID string) error
}

// Resolver resolves entity names to stores once per run.
type Resolver interface {
	Resolve(name string) (EntityStore, error)
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// RunLog is the audit trail of sync runs.
type RunLog interface {
	StartRun(ctx context.Context, integrationID uint, opts Options, startedAt time.Time) (uint, error)
	GetRun(ctx context.Context, runID uint) (models.SyncRun, error)
	ResumeRun(ctx context.Context, runID uint) error
	AppendStats(ctx context.Context, runID uint, partial models.SyncStats) error
	FinishRun(ctx context.Context, runID uint, status string, errMsg string, details map[string]any, finishedAt time.Time) error
	RecordRowErrors(ctx context.Context, runID uint, integrationID uint, direction string, outcomes []RowOutcome) error
}

// ProgressStore keeps the cursor and commits a page's stats with it.
type ProgressStore interface {
	LoadCursor(ctx context.Context, integrationID uint) (models.SyncCursor, bool, error)
	SaveCursor(ctx context.Context, cur models.SyncCursor) error
	CommitPage(ctx context.Context, runID uint, delta models.SyncStats, conflicts int, cur models.SyncCursor) error
}

type Options struct {
	FullResync  bool
	TriggeredBy string
}

type SyncResult struct {
	Success bool               `json:"success"`
	RunID   uint               `json:"runId"`
	Status  string             `json:"status"`
	Stats   models.SyncStats   `json:"stats"`
	Error   string             `json:"error,omitempty"`
	Cursor  *models.SyncCursor `json:"cursor,omitempty"`
}
