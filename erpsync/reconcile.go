package erpsync

import (
	"context"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
)

// Engine decides create, update or skip for each mapped row of a page and
// applies the decision to the local store. It keeps no state between pages.
type Engine struct {
	store       EntityStore
	parent      EntityStore
	spec        EntitySpec
	uniqueField string
	twoWay      bool
	policy      string
	now         func() time.Time
}

// NewEngine builds the engine for one integration. parent may be nil when the
// entity declares no parent rule.
func NewEngine(cfg models.Integration, store EntityStore, parent EntityStore, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	policy := cfg.ConflictPolicy
	if policy == "" {
		policy = models.ConflictPolicyErpWins
	}
	return &Engine{
		store:       store,
		parent:      parent,
		spec:        store.Spec(),
		uniqueField: cfg.UniqueLocalField,
		twoWay:      cfg.IsTwoWay(),
		policy:      policy,
		now:         now,
	}
}

// Reconcile processes rows in input order. Row failures are recorded on the
// row and never abort the batch.
func (e *Engine) Reconcile(ctx context.Context, rows []RowInput, direction string) ReconcileResult {
	res := ReconcileResult{Direction: direction}

	last := map[string]int{}
	for i, in := range rows {
		if in.Row != nil {
			last[NormalizeCode(in.Row.UniqueKey)] = i
		}
	}

	for i, in := range rows {
		if in.Err != nil {
			res.record(RowOutcome{
				Index:     i,
				UniqueKey: in.Err.UniqueKey,
				Outcome:   OutcomeSkipped,
				Reason:    in.Err.Reason,
				Message:   in.Err.Error(),
				Payload:   in.Err.Source,
			})
			continue
		}
		if in.Row == nil {
			continue
		}
		if last[NormalizeCode(in.Row.UniqueKey)] != i {
			res.record(RowOutcome{
				Index:     i,
				UniqueKey: in.Row.UniqueKey,
				Outcome:   OutcomeSkipped,
				Reason:    ReasonDuplicateInBatch,
				Message:   "a later row in the same batch has the same key",
				Payload:   in.Row.Source,
			})
			continue
		}
		out, conflict := e.reconcileRow(ctx, in.Row)
		out.Index = i
		if conflict {
			res.Conflicts++
		}
		res.record(out)
	}
	return res
}

func (e *Engine) reconcileRow(ctx context.Context, row *MappedRow) (RowOutcome, bool) {
	out := RowOutcome{UniqueKey: row.UniqueKey, Payload: row.Source}

	matches, err := e.store.FindByUnique(ctx, e.uniqueField, row.UniqueKey)
	if err != nil {
		return failed(out, ReasonLookupFailed, err), false
	}
	if len(matches) == 0 {
		return e.create(ctx, row, out), false
	}
	return e.update(ctx, row, matches[0], out)
}

func (e *Engine) create(ctx context.Context, row *MappedRow, out RowOutcome) RowOutcome {
	values := make(Record, len(row.Fields)+len(row.Defaults))
	for k, v := range row.Defaults {
		values[k] = v
	}
	for k, v := range row.Fields {
		values[k] = v
	}

	if rule := e.spec.Parent; rule != nil {
		if reason, msg, err := e.checkParent(ctx, rule, values[rule.Field]); err != nil {
			return failed(out, ReasonLookupFailed, err)
		} else if reason != "" {
			out.Outcome = OutcomeSkipped
			out.Reason = reason
			out.Message = msg
			return out
		}
	}

	var err error
	if seq := e.spec.Sequence; seq != nil && isAbsent(values[seq.Field]) {
		err = e.store.CreateSequenced(ctx, values, e.now())
	} else {
		err = e.store.Create(ctx, values, e.now())
	}
	if err != nil {
		if isDuplicateKeyErr(err) {
			// another writer inserted the key after our lookup
			if matches, lerr := e.store.FindByUnique(ctx, e.uniqueField, row.UniqueKey); lerr == nil && len(matches) > 0 {
				retried, _ := e.update(ctx, row, matches[0], out)
				return retried
			}
		}
		return failed(out, ReasonWriteFailed, err)
	}
	out.Outcome = OutcomeCreated
	return out
}

func (e *Engine) checkParent(ctx context.Context, rule *ParentRule, link any) (string, string, error) {
	if isAbsent(link) {
		return ReasonParentNotFound, rule.Field + " is empty", nil
	}
	if e.parent == nil {
		return ReasonParentNotFound, "parent entity " + rule.Entity + " is not available", nil
	}
	parents, err := e.parent.FindByUnique(ctx, rule.ParentField, stringOf(link))
	if err != nil {
		return "", "", err
	}
	if len(parents) == 0 {
		return ReasonParentNotFound, rule.Entity + " " + stringOf(link) + " not found locally", nil
	}
	if rule.RequiredField != "" && isAbsent(parents[0][rule.RequiredField]) {
		return ReasonParentMissingRequiredField, rule.Entity + " " + stringOf(link) + " has no " + rule.RequiredField, nil
	}
	return "", "", nil
}

func (e *Engine) update(ctx context.Context, row *MappedRow, existing Record, out RowOutcome) (RowOutcome, bool) {
	diff := Record{}
	for k, v := range row.Fields {
		if k == e.spec.KeyField {
			continue
		}
		if !ValuesEqual(v, existing[k]) {
			diff[k] = v
		}
	}
	for _, k := range row.Cleared {
		if k == e.spec.KeyField || isAbsent(existing[k]) {
			continue
		}
		blank, ok := e.spec.Blank(k)
		if !ok || ValuesEqual(blank, existing[k]) {
			continue
		}
		diff[k] = blank
	}
	if len(diff) == 0 {
		out.Outcome = OutcomeSkipped
		out.Reason = ReasonNoChange
		return out, false
	}

	conflict := e.twoWay && pendingLocal(existing)
	if conflict && e.policy == models.ConflictPolicyLocalWins {
		out.Outcome = OutcomeSkipped
		out.Reason = ReasonLocalPendingPush
		out.Message = "row has local changes not yet pushed to the ERP"
		return out, true
	}

	if err := e.store.Update(ctx, existing[e.spec.KeyField], diff, e.now()); err != nil {
		return failed(out, ReasonWriteFailed, err), conflict
	}
	out.Outcome = OutcomeUpdated
	return out, conflict
}

// pendingLocal reports whether the row was edited locally after its last sync.
func pendingLocal(rec Record) bool {
	updated, ok := timeOf(rec[colUpdatedAt])
	if !ok {
		return false
	}
	synced, ok := timeOf(rec[colErpSyncedAt])
	if !ok {
		return true
	}
	return updated.After(synced)
}

func failed(out RowOutcome, reason string, err error) RowOutcome {
	out.Outcome = OutcomeErrored
	out.Reason = reason
	out.Message = err.Error()
	out.Retryable = true
	return out
}
