package erpsync

import (
	"context"
	"errors"
	"sync"

	"github.com/mmdatafocus/parking_backend/config"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type ScheduleSource interface {
	ListScheduled(ctx context.Context) ([]models.Integration, error)
}

// Dispatch hands a scheduled sync to whoever runs it.
type Dispatch func(ctx context.Context, payload SyncPubSubPayload) error

// Scheduler keeps one cron entry per active scheduled integration.
type Scheduler struct {
	cron     *cron.Cron
	source   ScheduleSource
	dispatch Dispatch
	logger   *logrus.Logger

	mu      sync.Mutex
	entries map[uint]scheduled
}

type scheduled struct {
	entry cron.EntryID
	spec  string
}

func NewScheduler(source ScheduleSource, dispatch Dispatch) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithParser(CronParser)),
		source:   source,
		dispatch: dispatch,
		logger:   config.GetLogger(),
		entries:  map[uint]scheduled{},
	}
}

// DefaultDispatch publishes to ERP_SYNC_TOPIC when it is set and runs the
// sync in-process otherwise.
func DefaultDispatch(ctl *Controller) Dispatch {
	return func(ctx context.Context, payload SyncPubSubPayload) error {
		if syncTopicName() != "" {
			return PublishSyncRequest(ctx, payload)
		}
		_, err := ctl.RunSync(ctx, payload.IntegrationId, Options{TriggeredBy: payload.TriggeredBy})
		return err
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Reload syncs the cron entries with the current integrations. Unchanged
// schedules keep their entry.
func (s *Scheduler) Reload(ctx context.Context) error {
	list, err := s.source.ListScheduled(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[uint]string{}
	for _, it := range list {
		if it.Active() && it.Schedule != "" {
			want[it.ID] = it.Schedule
		}
	}
	for id, e := range s.entries {
		if spec, ok := want[id]; !ok || spec != e.spec {
			s.cron.Remove(e.entry)
			delete(s.entries, id)
		}
	}

	var errs []error
	for id, spec := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		entry, err := s.cron.AddFunc(spec, s.job(id))
		if err != nil {
			config.LogError(s.logger, "erpsync", "Reload", "add cron entry", map[string]any{"integration_id": id, "schedule": spec}, err)
			errs = append(errs, err)
			continue
		}
		s.entries[id] = scheduled{entry: entry, spec: spec}
	}
	s.logger.WithField("entries", len(s.entries)).Info("erp sync schedule loaded")
	return errors.Join(errs...)
}

func (s *Scheduler) job(integrationID uint) func() {
	return func() {
		payload := SyncPubSubPayload{IntegrationId: integrationID, TriggeredBy: models.SyncTriggeredSchedule}
		err := s.dispatch(context.Background(), payload)
		if errors.Is(err, ErrSyncInProgress) {
			s.logger.WithField("integration_id", integrationID).Info("scheduled erp sync skipped: run in progress")
			return
		}
		if err != nil {
			config.LogError(s.logger, "erpsync", "job", "dispatch scheduled sync", integrationID, err)
		}
	}
}

// Scheduled returns the integration ids that currently have an entry.
func (s *Scheduler) Scheduled() map[uint]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.spec
	}
	return out
}
