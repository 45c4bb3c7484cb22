package erpsync

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
)

func TestGormRunLog_CommitPageAccumulates(t *testing.T) {
	db := openTestDB(t)
	runs := GormRunLog{DB: db}
	ctx := context.Background()
	started := newFakeClock().Now()

	runID, err := runs.StartRun(ctx, 7, Options{TriggeredBy: models.SyncTriggeredManual}, started)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	page := models.DirectionStats{Total: 3, Created: 1, Updated: 1, Skipped: 1, SkipReasons: map[string]int{ReasonNoChange: 1}}
	cur := models.SyncCursor{IntegrationId: 7, RunId: runID, Phase: models.SyncPhasePull, OffsetProcessed: 3, TotalExpected: 6, HasMore: true}
	if err := runs.CommitPage(ctx, runID, models.SyncStats{ErpToLocal: page}, 1, cur); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}
	cur.OffsetProcessed = 6
	cur.HasMore = false
	cur.Phase = models.SyncPhaseDone
	if err := runs.CommitPage(ctx, runID, models.SyncStats{ErpToLocal: page}, 2, cur); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	stats := run.Stats.Data().ErpToLocal
	if stats.Total != 6 || stats.Created != 2 || stats.SkipReasons[ReasonNoChange] != 2 {
		t.Fatalf("stats not accumulated: %+v", stats)
	}
	if intOf(run.Details["conflicts"]) != 3 {
		t.Fatalf("conflicts=%v", run.Details["conflicts"])
	}

	saved, found, err := runs.LoadCursor(ctx, 7)
	if err != nil || !found {
		t.Fatalf("LoadCursor found=%v err=%v", found, err)
	}
	if saved.OffsetProcessed != 6 || saved.Phase != models.SyncPhaseDone || saved.InProgress() {
		t.Fatalf("cursor not upserted: %+v", saved)
	}
}

func TestGormRunLog_LoadCursorMissing(t *testing.T) {
	runs := GormRunLog{DB: openTestDB(t)}
	cur, found, err := runs.LoadCursor(context.Background(), 3)
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if cur.IntegrationId != 3 || cur.InProgress() {
		t.Fatalf("unexpected cursor: %+v", cur)
	}
}

func TestGormRunLog_ResumeAndFinish(t *testing.T) {
	db := openTestDB(t)
	runs := GormRunLog{DB: db}
	ctx := context.Background()
	started := newFakeClock().Now()

	runID, err := runs.StartRun(ctx, 1, Options{FullResync: true, TriggeredBy: models.SyncTriggeredSchedule}, started)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := runs.FinishRun(ctx, runID, models.SyncRunStatusPartial, "", map[string]any{"stoppedBy": "budget"}, started.Add(time.Minute)); err != nil {
		t.Fatalf("FinishRun partial: %v", err)
	}
	if err := runs.ResumeRun(ctx, runID); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	run, _ := runs.GetRun(ctx, runID)
	if run.Status != models.SyncRunStatusRunning || run.Invocations != 2 {
		t.Fatalf("resume did not reopen the run: %+v", run)
	}

	if err := runs.AppendStats(ctx, runID, models.SyncStats{LocalToErp: &models.DirectionStats{Total: 1, Errors: 1}}); err != nil {
		t.Fatalf("AppendStats: %v", err)
	}
	if err := runs.FinishRun(ctx, runID, models.SyncRunStatusSuccess, "", map[string]any{"invocationCursor": "x"}, started.Add(2*time.Minute)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err = runs.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess || run.CompletedAt == nil || run.DurationMs != 120000 {
		t.Fatalf("run not finished: status=%s completed=%v duration=%d", run.Status, run.CompletedAt, run.DurationMs)
	}
	if run.Details["stoppedBy"] != "budget" || run.Details["invocationCursor"] != "x" {
		t.Fatalf("details of both invocations should be kept: %v", run.Details)
	}
	if lte := run.Stats.Data().LocalToErp; lte == nil || lte.Errors != 1 {
		t.Fatalf("push stats missing: %+v", lte)
	}
	if !run.FullResync || run.TriggeredBy != models.SyncTriggeredSchedule {
		t.Fatalf("run options lost: %+v", run)
	}
}

func TestGormRunLog_RowErrorsAndHistory(t *testing.T) {
	db := openTestDB(t)
	runs := GormRunLog{DB: db}
	ctx := context.Background()
	now := newFakeClock().Now()

	var last uint
	for i := 0; i < 3; i++ {
		id, err := runs.StartRun(ctx, 4, Options{}, now)
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		last = id
	}
	if _, err := runs.StartRun(ctx, 5, Options{}, now); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	outcomes := []RowOutcome{
		{UniqueKey: "1", Outcome: OutcomeCreated},
		{UniqueKey: "2", Outcome: OutcomeSkipped, Reason: ReasonNoChange},
		{UniqueKey: "3", Outcome: OutcomeSkipped, Reason: ReasonParentNotFound, Payload: ErpRecord{"CODE": "3"}},
		{UniqueKey: "4", Outcome: OutcomeErrored, Reason: ReasonWriteFailed, Message: "boom", Retryable: true},
	}
	if err := runs.RecordRowErrors(ctx, last, 4, models.SyncDirectionErpToLocal, outcomes); err != nil {
		t.Fatalf("RecordRowErrors: %v", err)
	}
	errs, err := runs.ListRunErrors(ctx, last, 0)
	if err != nil {
		t.Fatalf("ListRunErrors: %v", err)
	}
	if len(errs) != 2 || errs[0].UniqueKey != "3" || errs[1].ReasonCode != ReasonWriteFailed || !errs[1].Retryable {
		t.Fatalf("unexpected row errors: %+v", errs)
	}
	if !containsAll(string(errs[0].PayloadJSON), `"CODE"`, `"3"`) {
		t.Fatalf("payload=%s", errs[0].PayloadJSON)
	}

	history, err := runs.ListRuns(ctx, 4, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(history) != 2 || history[0].ID != last {
		t.Fatalf("history should be newest first and limited: %+v", history)
	}
}
