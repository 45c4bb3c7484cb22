package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusError   = "error"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredPubSub   = "pubsub"
)

const (
	SyncPhasePurge = "purge"
	SyncPhasePull  = "pull"
	SyncPhasePush  = "push"
	SyncPhaseDone  = "done"
)

const (
	SyncDirectionErpToLocal = "erp_to_local"
	SyncDirectionLocalToErp = "local_to_erp"
)

// DirectionStats counts row outcomes for one sync direction.
// Created + Updated + Skipped + Errors == Total once a run settles.
type DirectionStats struct {
	Total       int            `json:"total"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Skipped     int            `json:"skipped"`
	Errors      int            `json:"errors"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
}

func (s *DirectionStats) Add(o DirectionStats) {
	s.Total += o.Total
	s.Created += o.Created
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	for reason, n := range o.SkipReasons {
		if s.SkipReasons == nil {
			s.SkipReasons = map[string]int{}
		}
		s.SkipReasons[reason] += n
	}
}

func (s DirectionStats) Balanced() bool {
	return s.Created+s.Updated+s.Skipped+s.Errors == s.Total
}

type SyncStats struct {
	ErpToLocal DirectionStats  `json:"erp_to_local"`
	LocalToErp *DirectionStats `json:"local_to_erp,omitempty"`
}

func (s *SyncStats) Add(o SyncStats) {
	s.ErpToLocal.Add(o.ErpToLocal)
	if o.LocalToErp != nil {
		if s.LocalToErp == nil {
			s.LocalToErp = &DirectionStats{}
		}
		s.LocalToErp.Add(*o.LocalToErp)
	}
}

// SkipReasons merges the skip reasons of both directions.
func (s SyncStats) SkipReasons() map[string]int {
	out := map[string]int{}
	for k, v := range s.ErpToLocal.SkipReasons {
		out[k] += v
	}
	if s.LocalToErp != nil {
		for k, v := range s.LocalToErp.SkipReasons {
			out[k] += v
		}
	}
	return out
}

// SyncRun is the audit record of one logical sync run. A run split across
// several invocations by the time budget keeps the same row.
type SyncRun struct {
	ID            uint                          `gorm:"primary_key" json:"id"`
	IntegrationId uint                          `gorm:"index;not null" json:"integration_id"`
	Status        string                        `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string                        `gorm:"size:20" json:"triggered_by"`
	FullResync    bool                          `gorm:"not null;default:false" json:"full_resync"`
	Invocations   int                           `gorm:"not null;default:0" json:"invocations"`
	Stats         datatypes.JSONType[SyncStats] `json:"stats"`
	Error         string                        `gorm:"type:text" json:"error"`
	Details       datatypes.JSONMap             `json:"details"`
	StartedAt     time.Time                     `json:"started_at"`
	CompletedAt   *time.Time                    `json:"completed_at"`
	DurationMs    int64                         `json:"duration_ms"`
	CreatedAt     time.Time                     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time                     `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunError is one skipped or errored row of a run, kept for troubleshooting.
type SyncRunError struct {
	ID            uint           `gorm:"primary_key" json:"id"`
	SyncRunId     uint           `gorm:"index;not null" json:"sync_run_id"`
	IntegrationId uint           `gorm:"index;not null" json:"integration_id"`
	Direction     string         `gorm:"size:20" json:"direction"`
	UniqueKey     string         `gorm:"size:128" json:"unique_key"`
	Outcome       string         `gorm:"size:20" json:"outcome"`
	ReasonCode    string         `gorm:"size:64" json:"reason_code"`
	Message       string         `gorm:"type:text" json:"message"`
	PayloadJSON   datatypes.JSON `json:"payload"`
	Retryable     bool           `gorm:"default:false" json:"retryable"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// SyncCursor is the resume state of the run currently in progress for an integration.
type SyncCursor struct {
	IntegrationId   uint      `gorm:"primaryKey;autoIncrement:false" json:"integration_id"`
	RunId           uint      `gorm:"index" json:"run_id"`
	Phase           string    `gorm:"size:20;not null" json:"phase"`
	OffsetProcessed int       `gorm:"not null;default:0" json:"offset_processed"`
	TotalExpected   int       `gorm:"not null;default:0" json:"total_expected"`
	HasMore         bool      `gorm:"not null;default:false" json:"has_more"`
	FullResync      bool      `gorm:"not null;default:false" json:"full_resync"`
	DeletedRows     int64     `gorm:"not null;default:0" json:"deleted_rows"`
	PushAfterKey    string    `gorm:"size:128" json:"push_after_key"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// InProgress reports whether the cursor belongs to an unfinished run.
func (c SyncCursor) InProgress() bool {
	return c.RunId != 0 && c.Phase != "" && c.Phase != SyncPhaseDone
}
