package erpsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/parking_backend/config"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
	"github.com/mmdatafocus/parking_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("erp-sync")

// Deps are the collaborators of a Controller. Zero Settings, Logger and Now
// fall back to the environment, the global logger and the wall clock.
type Deps struct {
	Configs  ConfigSource
	Entities Resolver
	Client   ERPClient
	Locker   Locker
	Runs     RunLog
	Progress ProgressStore
	Settings config.SyncSettings
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Controller drives one sync invocation: purge, paged pull, push and the
// bookkeeping that lets a budget-limited run resume where it stopped.
type Controller struct {
	configs  ConfigSource
	entities Resolver
	client   ERPClient
	locker   Locker
	runs     RunLog
	progress ProgressStore
	settings config.SyncSettings
	logger   *logrus.Logger
	now      func() time.Time
}

func NewController(d Deps) *Controller {
	c := &Controller{
		configs:  d.Configs,
		entities: d.Entities,
		client:   d.Client,
		locker:   d.Locker,
		runs:     d.Runs,
		progress: d.Progress,
		settings: d.Settings,
		logger:   d.Logger,
		now:      d.Now,
	}
	if c.settings == (config.SyncSettings{}) {
		c.settings = config.GetSyncSettings()
	}
	if c.logger == nil {
		c.logger = config.GetLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// invocation is the state of one RunSync call.
type invocation struct {
	c        *Controller
	id       uint
	runID    uint
	cur      models.SyncCursor
	lock     Lock
	deadline time.Time
	maxPage  time.Duration
	details  map[string]any
	log      *logrus.Entry
}

// RunSync runs or resumes the sync of one integration within the configured
// budget. The result is always well-formed; the only error returned is
// ErrSyncInProgress when another invocation holds the integration.
//
// Caller cancellation is ignored: the budget is the only stop, and a page
// in flight always finishes and commits.
func (c *Controller) RunSync(ctx context.Context, integrationID uint, opts Options) (SyncResult, error) {
	ctx = context.WithoutCancel(ctx)
	ctx = utils.SetIntegrationIdInContext(ctx, integrationID)
	ctx, span := tracer.Start(ctx, "erpsync.RunSync", trace.WithAttributes(
		attribute.Int64("integration.id", int64(integrationID)),
		attribute.Bool("sync.full_resync", opts.FullResync),
	))
	defer span.End()

	if opts.TriggeredBy == "" {
		opts.TriggeredBy, _ = utils.GetTriggeredByFromContext(ctx)
	}
	log := c.logger.WithFields(utils.LogFieldsFromContext(ctx))

	lock, err := c.locker.Obtain(ctx, integrationLockKey(integrationID), c.settings.Budget+time.Minute)
	if errors.Is(err, ErrSyncInProgress) {
		log.Info("erp sync skipped: another run holds the integration")
		return SyncResult{Status: models.SyncRunStatusError, Error: err.Error()}, ErrSyncInProgress
	}
	if err != nil {
		config.LogError(c.logger, "erpsync", "RunSync", "obtain integration lock", integrationID, err)
		span.RecordError(err)
		return SyncResult{Status: models.SyncRunStatusError, Error: "lock unavailable: " + err.Error()}, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(c.logger, "erpsync", "RunSync", "release integration lock", integrationID, err)
		}
	}()

	inv := &invocation{
		c:        c,
		id:       integrationID,
		lock:     lock,
		deadline: c.now().Add(c.settings.Budget),
		details:  map[string]any{},
		log:      log,
	}

	cur, _, err := c.progress.LoadCursor(ctx, integrationID)
	if err != nil {
		config.LogError(c.logger, "erpsync", "RunSync", "load cursor", integrationID, err)
		return SyncResult{Status: models.SyncRunStatusError, Error: "load cursor: " + err.Error()}, nil
	}

	if cur.InProgress() {
		if err := c.runs.ResumeRun(ctx, cur.RunId); err != nil {
			config.LogError(c.logger, "erpsync", "RunSync", "resume run", cur.RunId, err)
			return SyncResult{RunID: cur.RunId, Status: models.SyncRunStatusError, Error: "resume run: " + err.Error()}, nil
		}
		if opts.FullResync && !cur.FullResync {
			inv.details["fullResyncIgnored"] = true
		}
		inv.cur = cur
		inv.runID = cur.RunId
		ctx = utils.SetRunIdInContext(ctx, inv.runID)
		inv.log = c.logger.WithFields(utils.LogFieldsFromContext(ctx))
		inv.log.WithFields(logrus.Fields{"phase": cur.Phase, "offset": cur.OffsetProcessed}).Info("erp sync resumed")
	} else {
		runID, err := c.runs.StartRun(ctx, integrationID, opts, c.now())
		if err != nil {
			config.LogError(c.logger, "erpsync", "RunSync", "start run", integrationID, err)
			return SyncResult{Status: models.SyncRunStatusError, Error: "start run: " + err.Error()}, nil
		}
		phase := models.SyncPhasePull
		if opts.FullResync {
			phase = models.SyncPhasePurge
		}
		inv.runID = runID
		inv.cur = models.SyncCursor{IntegrationId: integrationID, RunId: runID, Phase: phase, FullResync: opts.FullResync}
		ctx = utils.SetRunIdInContext(ctx, inv.runID)
		inv.log = c.logger.WithFields(utils.LogFieldsFromContext(ctx))
		if err := c.progress.SaveCursor(ctx, inv.cur); err != nil {
			return inv.finish(ctx, models.SyncRunStatusError, "save cursor: "+err.Error()), nil
		}
		inv.log.WithField("triggered_by", opts.TriggeredBy).Info("erp sync started")
	}
	span.SetAttributes(attribute.Int64("sync.run_id", int64(inv.runID)))

	return inv.run(ctx), nil
}

func (inv *invocation) run(ctx context.Context) SyncResult {
	c := inv.c

	cfg, err := c.configs.Load(ctx, inv.id)
	if err != nil {
		return inv.finish(ctx, models.SyncRunStatusError, err.Error())
	}
	if !cfg.Active() {
		return inv.finish(ctx, models.SyncRunStatusError, fmt.Sprintf("%v: integration %d is inactive", ErrInvalidConfig, inv.id))
	}
	store, err := c.entities.Resolve(cfg.TargetEntity)
	if err != nil {
		return inv.finish(ctx, models.SyncRunStatusError, err.Error())
	}
	spec := store.Spec()
	if err := ValidateConfig(cfg, spec); err != nil {
		return inv.finish(ctx, models.SyncRunStatusError, err.Error())
	}
	var parent EntityStore
	if spec.Parent != nil {
		if parent, err = c.entities.Resolve(spec.Parent.Entity); err != nil {
			return inv.finish(ctx, models.SyncRunStatusError, err.Error())
		}
	}

	tok, err := c.client.Authenticate(ctx, credentialsOf(cfg))
	if err != nil {
		config.LogError(c.logger, "erpsync", "run", "authenticate", inv.id, err)
		return inv.finish(ctx, models.SyncRunStatusError, "erp authentication failed: "+err.Error())
	}

	if inv.cur.Phase == models.SyncPhasePurge {
		if res, done := inv.purge(ctx, store); !done {
			return res
		}
	}

	mapper := NewMapper(cfg, spec)
	if inv.cur.Phase == models.SyncPhasePull {
		engine := NewEngine(cfg, store, parent, c.now)
		next := models.SyncPhaseDone
		if cfg.IsTwoWay() {
			next = models.SyncPhasePush
		}
		if res, done := inv.pull(ctx, cfg, tok, mapper, engine, next); !done {
			return res
		}
	}

	if inv.cur.Phase == models.SyncPhasePush {
		pusher := NewPusher(cfg, store, c.client, mapper, c.now)
		if res, done := inv.push(ctx, tok, pusher); !done {
			return res
		}
	}

	return inv.finish(ctx, models.SyncRunStatusSuccess, "")
}

// purge deletes every local row of the entity in batches. It reports done
// once the table is empty and the cursor moved on to pull.
func (inv *invocation) purge(ctx context.Context, store EntityStore) (SyncResult, bool) {
	c := inv.c
	ctx, span := tracer.Start(ctx, "erpsync.purge")
	defer span.End()

	summary := map[string]any{"entity": store.Spec().Name}
	inv.details["fullResync"] = summary
	if inv.cur.DeletedRows == 0 {
		if n, err := store.Count(ctx); err == nil {
			summary["rowsBefore"] = n
		}
	}
	inv.log.WithField("phase", models.SyncPhasePurge).Warn("full resync: deleting local rows")

	for {
		summary["deletedRows"] = inv.cur.DeletedRows
		if !inv.hasBudget() {
			return inv.finish(ctx, models.SyncRunStatusPartial, ""), false
		}
		n, err := store.DeleteBatch(ctx, c.settings.DeleteBatchSize)
		if err != nil {
			span.RecordError(err)
			status := models.SyncRunStatusPartial
			if inv.cur.DeletedRows == 0 {
				status = models.SyncRunStatusError
			}
			return inv.finish(ctx, status, "purge: "+err.Error()), false
		}
		inv.cur.DeletedRows += n
		if n == 0 {
			inv.cur.Phase = models.SyncPhasePull
		}
		if err := c.progress.SaveCursor(ctx, inv.cur); err != nil {
			return inv.finish(ctx, models.SyncRunStatusPartial, "save cursor: "+err.Error()), false
		}
		if n == 0 {
			summary["deletedRows"] = inv.cur.DeletedRows
			return SyncResult{}, true
		}
		if err := inv.lock.Refresh(ctx, c.settings.Budget+time.Minute); err != nil {
			inv.log.WithError(err).Warn("integration lock refresh failed")
		}
	}
}

func (inv *invocation) pull(ctx context.Context, cfg models.Integration, tok softone.Token, mapper *Mapper, engine *Engine, next string) (SyncResult, bool) {
	c := inv.c
	for inv.cur.Phase == models.SyncPhasePull {
		if !inv.hasBudget() {
			return inv.finish(ctx, models.SyncRunStatusPartial, ""), false
		}

		limit := c.settings.PageSize
		if inv.cur.OffsetProcessed == 0 && inv.cur.TotalExpected == 0 {
			limit = c.settings.SmallTableThreshold
		}
		if err := inv.pullPage(ctx, cfg, tok, mapper, engine, limit, next); err != nil {
			status := models.SyncRunStatusPartial
			if inv.cur.OffsetProcessed == 0 {
				status = models.SyncRunStatusError
			}
			return inv.finish(ctx, status, err.Error()), false
		}
	}
	return SyncResult{}, true
}

// pullPage fetches, reconciles and commits one page. On error the cursor is
// left where the last committed page put it.
func (inv *invocation) pullPage(ctx context.Context, cfg models.Integration, tok softone.Token, mapper *Mapper, engine *Engine, limit int, next string) error {
	c := inv.c
	started := c.now()
	ctx, span := tracer.Start(ctx, "erpsync.pullPage", trace.WithAttributes(
		attribute.Int("sync.offset", inv.cur.OffsetProcessed),
		attribute.Int("sync.limit", limit),
	))
	defer span.End()

	page, err := c.client.FetchPage(ctx, tok, softone.PageRequest{
		Table:  cfg.SourceTable,
		List:   cfg.SourceList,
		Fields: erpFields(cfg),
		Filter: cfg.SourceFilter,
		Offset: inv.cur.OffsetProcessed,
		Limit:  limit,
	})
	if err != nil {
		span.RecordError(err)
		config.LogError(c.logger, "erpsync", "pullPage", "fetch page", map[string]any{"integration_id": inv.id, "offset": inv.cur.OffsetProcessed}, err)
		return fmt.Errorf("fetch page at offset %d: %w", inv.cur.OffsetProcessed, err)
	}

	// the first call of a fresh run also sizes the table; above the
	// threshold only one regular page of it is kept
	if page.TotalCount > c.settings.SmallTableThreshold && len(page.Rows) > c.settings.PageSize {
		page.Rows = page.Rows[:c.settings.PageSize]
	}

	rows := make([]RowInput, len(page.Rows))
	for i, r := range page.Rows {
		rec, err := ResolveRow(page.Columns, r)
		if err != nil {
			rows[i] = RowInput{Err: &MapError{Reason: ReasonMalformedRow, Message: err.Error()}}
			continue
		}
		mapped, mapErr := mapper.MapErpRowToLocal(rec)
		rows[i] = RowInput{Row: mapped, Err: mapErr}
	}
	res := engine.Reconcile(ctx, rows, models.SyncDirectionErpToLocal)

	cur := inv.cur
	cur.OffsetProcessed += len(page.Rows)
	cur.TotalExpected = page.TotalCount
	cur.HasMore = len(page.Rows) > 0 && cur.OffsetProcessed < page.TotalCount
	if !cur.HasMore {
		cur.Phase = next
	}
	delta := models.SyncStats{ErpToLocal: res.Stats}
	if err := c.progress.CommitPage(ctx, inv.runID, delta, res.Conflicts, cur); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit page at offset %d: %w", inv.cur.OffsetProcessed, err)
	}
	inv.cur = cur

	if err := c.runs.RecordRowErrors(ctx, inv.runID, inv.id, models.SyncDirectionErpToLocal, res.Outcomes); err != nil {
		config.LogError(c.logger, "erpsync", "pullPage", "record row errors", inv.runID, err)
	}
	inv.afterPage(ctx, started)
	inv.log.WithFields(logrus.Fields{
		"phase":   models.SyncPhasePull,
		"offset":  cur.OffsetProcessed,
		"total":   cur.TotalExpected,
		"created": res.Stats.Created,
		"updated": res.Stats.Updated,
		"skipped": res.Stats.Skipped,
		"errors":  res.Stats.Errors,
	}).Info("erp page reconciled")
	return nil
}

func (inv *invocation) push(ctx context.Context, tok softone.Token, pusher *Pusher) (SyncResult, bool) {
	c := inv.c
	for inv.cur.Phase == models.SyncPhasePush {
		if !inv.hasBudget() {
			return inv.finish(ctx, models.SyncRunStatusPartial, ""), false
		}
		started := c.now()
		bctx, span := tracer.Start(ctx, "erpsync.pushBatch")
		res, pushErr := pusher.PushBatch(bctx, tok, decodeKey(inv.cur.PushAfterKey), c.settings.PageSize)

		cur := inv.cur
		cur.PushAfterKey = encodeKey(res.LastKey)
		if pushErr == nil && res.Done {
			cur.Phase = models.SyncPhaseDone
			cur.PushAfterKey = ""
		}
		stats := res.Stats
		err := c.progress.CommitPage(bctx, inv.runID, models.SyncStats{LocalToErp: &stats}, 0, cur)
		if err == nil {
			inv.cur = cur
			if rerr := c.runs.RecordRowErrors(bctx, inv.runID, inv.id, models.SyncDirectionLocalToErp, res.Outcomes); rerr != nil {
				config.LogError(c.logger, "erpsync", "push", "record row errors", inv.runID, rerr)
			}
		}
		if pushErr != nil {
			span.RecordError(pushErr)
		}
		span.End()

		if pushErr != nil {
			config.LogError(c.logger, "erpsync", "push", "push batch", inv.id, pushErr)
			return inv.finish(ctx, models.SyncRunStatusPartial, "push: "+pushErr.Error()), false
		}
		if err != nil {
			return inv.finish(ctx, models.SyncRunStatusPartial, "commit push batch: "+err.Error()), false
		}
		inv.afterPage(ctx, started)
	}
	return SyncResult{}, true
}

// hasBudget reports whether another page fits before the deadline. The
// reserve is the slowest page seen so far, never less than MinPageReserve.
func (inv *invocation) hasBudget() bool {
	reserve := inv.maxPage
	if reserve < inv.c.settings.MinPageReserve {
		reserve = inv.c.settings.MinPageReserve
	}
	return inv.deadline.Sub(inv.c.now()) >= reserve
}

func (inv *invocation) afterPage(ctx context.Context, started time.Time) {
	if d := inv.c.now().Sub(started); d > inv.maxPage {
		inv.maxPage = d
	}
	if err := inv.lock.Refresh(ctx, inv.c.settings.Budget+time.Minute); err != nil {
		inv.log.WithError(err).Warn("integration lock refresh failed")
	}
}

// finish closes the invocation. success and error settle the cursor so the
// next call starts a new run; partial keeps it for resumption.
func (inv *invocation) finish(ctx context.Context, status string, errMsg string) SyncResult {
	c := inv.c
	ctx = context.WithoutCancel(ctx)

	switch status {
	case models.SyncRunStatusPartial:
		inv.cur.HasMore = true
		if errMsg == "" {
			inv.details["stoppedBy"] = "budget"
		}
	default:
		inv.cur.Phase = models.SyncPhaseDone
		inv.cur.HasMore = false
		inv.cur.PushAfterKey = ""
	}
	inv.details["invocationCursor"] = map[string]any{
		"phase":           inv.cur.Phase,
		"offsetProcessed": inv.cur.OffsetProcessed,
		"totalExpected":   inv.cur.TotalExpected,
	}
	if err := c.progress.SaveCursor(ctx, inv.cur); err != nil {
		config.LogError(c.logger, "erpsync", "finish", "save cursor", inv.runID, err)
	}
	if err := c.runs.FinishRun(ctx, inv.runID, status, errMsg, inv.details, c.now()); err != nil {
		config.LogError(c.logger, "erpsync", "finish", "finish run", inv.runID, err)
	}

	res := SyncResult{
		Success: status != models.SyncRunStatusError,
		RunID:   inv.runID,
		Status:  status,
		Error:   errMsg,
	}
	if run, err := c.runs.GetRun(ctx, inv.runID); err == nil {
		res.Stats = run.Stats.Data()
	}
	if status == models.SyncRunStatusPartial {
		cur := inv.cur
		res.Cursor = &cur
	}

	entry := inv.log.WithFields(logrus.Fields{"status": status, "phase": inv.cur.Phase, "offset": inv.cur.OffsetProcessed})
	if status == models.SyncRunStatusError {
		entry.WithField("error", errMsg).Error("erp sync finished")
	} else {
		entry.Info("erp sync finished")
	}
	return res
}

// erpFields lists the ERP fields to request, unique field first.
func erpFields(cfg models.Integration) []string {
	out := []string{cfg.UniqueErpField}
	for _, f := range cfg.Mappings() {
		out = append(out, f.ErpField)
	}
	return utils.UniqueSlice(out)
}

func credentialsOf(cfg models.Integration) softone.Credentials {
	cr := cfg.Credentials()
	return softone.Credentials{
		BaseURL:  cr.BaseURL,
		Username: cr.Username,
		Password: cr.Password,
		AppId:    cr.AppId,
		Company:  cr.Company,
		Branch:   cr.Branch,
		Module:   cr.Module,
		RefId:    cr.RefId,
	}
}
