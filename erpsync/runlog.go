package erpsync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRunLog persists sync runs, their row errors and the resume cursor.
// It implements both RunLog and ProgressStore.
type GormRunLog struct {
	DB *gorm.DB
}

func (l GormRunLog) StartRun(ctx context.Context, integrationID uint, opts Options, startedAt time.Time) (uint, error) {
	run := models.SyncRun{
		IntegrationId: integrationID,
		Status:        models.SyncRunStatusRunning,
		TriggeredBy:   opts.TriggeredBy,
		FullResync:    opts.FullResync,
		Invocations:   1,
		Stats:         datatypes.NewJSONType(models.SyncStats{}),
		Details:       datatypes.JSONMap{},
		StartedAt:     startedAt,
	}
	if err := l.DB.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

func (l GormRunLog) GetRun(ctx context.Context, runID uint) (models.SyncRun, error) {
	var run models.SyncRun
	err := l.DB.WithContext(ctx).Where("id = ?", runID).Take(&run).Error
	return run, err
}

// ResumeRun reopens a partial run for another invocation.
func (l GormRunLog) ResumeRun(ctx context.Context, runID uint) error {
	return l.DB.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"status":      models.SyncRunStatusRunning,
			"invocations": gorm.Expr("invocations + 1"),
		}).Error
}

func (l GormRunLog) AppendStats(ctx context.Context, runID uint, partial models.SyncStats) error {
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendStats(tx, runID, partial, 0)
	})
}

func appendStats(tx *gorm.DB, runID uint, partial models.SyncStats, conflicts int) error {
	var run models.SyncRun
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", runID).Take(&run).Error; err != nil {
		return err
	}
	stats := run.Stats.Data()
	stats.Add(partial)
	details := run.Details
	if details == nil {
		details = datatypes.JSONMap{}
	}
	details["skipReasons"] = stats.SkipReasons()
	if conflicts > 0 {
		details["conflicts"] = intOf(details["conflicts"]) + conflicts
	}
	return tx.Model(&models.SyncRun{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"stats":   datatypes.NewJSONType(stats),
			"details": details,
		}).Error
}

// FinishRun finalizes the current invocation. details are merged into what
// earlier invocations recorded.
func (l GormRunLog) FinishRun(ctx context.Context, runID uint, status string, errMsg string, details map[string]any, finishedAt time.Time) error {
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.SyncRun
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", runID).Take(&run).Error; err != nil {
			return err
		}
		merged := run.Details
		if merged == nil {
			merged = datatypes.JSONMap{}
		}
		for k, v := range details {
			merged[k] = v
		}
		merged["skipReasons"] = run.Stats.Data().SkipReasons()
		return tx.Model(&models.SyncRun{}).
			Where("id = ?", runID).
			Updates(map[string]interface{}{
				"status":       status,
				"error":        errMsg,
				"details":      merged,
				"completed_at": finishedAt,
				"duration_ms":  finishedAt.Sub(run.StartedAt).Milliseconds(),
			}).Error
	})
}

func (l GormRunLog) RecordRowErrors(ctx context.Context, runID uint, integrationID uint, direction string, outcomes []RowOutcome) error {
	var recs []models.SyncRunError
	for _, o := range outcomes {
		if !o.Problem() {
			continue
		}
		var payload datatypes.JSON
		if len(o.Payload) > 0 {
			payload = utils.MustJSON(o.Payload)
		}
		recs = append(recs, models.SyncRunError{
			SyncRunId:     runID,
			IntegrationId: integrationID,
			Direction:     direction,
			UniqueKey:     o.UniqueKey,
			Outcome:       o.Outcome,
			ReasonCode:    o.Reason,
			Message:       o.Message,
			PayloadJSON:   payload,
			Retryable:     o.Retryable,
		})
	}
	if len(recs) == 0 {
		return nil
	}
	return l.DB.WithContext(ctx).CreateInBatches(recs, 200).Error
}

func (l GormRunLog) ListRuns(ctx context.Context, integrationID uint, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.SyncRun
	err := l.DB.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (l GormRunLog) ListRunErrors(ctx context.Context, runID uint, limit int) ([]models.SyncRunError, error) {
	var errs []models.SyncRunError
	q := l.DB.WithContext(ctx).Where("sync_run_id = ?", runID).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&errs).Error
	return errs, err
}

func (l GormRunLog) LoadCursor(ctx context.Context, integrationID uint) (models.SyncCursor, bool, error) {
	var cur models.SyncCursor
	err := l.DB.WithContext(ctx).Where("integration_id = ?", integrationID).Take(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SyncCursor{IntegrationId: integrationID}, false, nil
	}
	if err != nil {
		return models.SyncCursor{}, false, err
	}
	return cur, true, nil
}

func (l GormRunLog) SaveCursor(ctx context.Context, cur models.SyncCursor) error {
	return saveCursor(l.DB.WithContext(ctx), cur)
}

func saveCursor(tx *gorm.DB, cur models.SyncCursor) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "integration_id"}},
		UpdateAll: true,
	}).Create(&cur).Error
}

// CommitPage adds a page's stats to the run and moves the cursor in one
// transaction, so a resumed invocation never counts a page twice.
func (l GormRunLog) CommitPage(ctx context.Context, runID uint, delta models.SyncStats, conflicts int, cur models.SyncCursor) error {
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := appendStats(tx, runID, delta, conflicts); err != nil {
			return err
		}
		return saveCursor(tx, cur)
	})
}

func intOf(v any) int {
	d, ok := decimalOf(v)
	if !ok {
		return 0
	}
	return int(d.IntPart())
}
