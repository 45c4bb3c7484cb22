package erpsync

import (
	"context"
	"strconv"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
)

// Pusher sends locally changed rows back to the ERP for two-way integrations.
type Pusher struct {
	store       EntityStore
	client      ERPClient
	mapper      *Mapper
	table       string
	uniqueField string
	now         func() time.Time
}

func NewPusher(cfg models.Integration, store EntityStore, client ERPClient, mapper *Mapper, now func() time.Time) *Pusher {
	if now == nil {
		now = time.Now
	}
	return &Pusher{
		store:       store,
		client:      client,
		mapper:      mapper,
		table:       cfg.SourceTable,
		uniqueField: cfg.UniqueLocalField,
		now:         now,
	}
}

type PushResult struct {
	Outcomes []RowOutcome
	Stats    models.DirectionStats
	LastKey  any
	Done     bool
}

func (r *PushResult) record(o RowOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	tally(&r.Stats, o)
}

// PushBatch pushes up to limit pending rows with keys after afterKey. A
// business rejection is recorded on the row; any other ERP failure stops the
// batch and is returned with the rows handled so far.
func (p *Pusher) PushBatch(ctx context.Context, tok softone.Token, afterKey any, limit int) (PushResult, error) {
	res := PushResult{LastKey: afterKey}
	rows, err := p.store.FindPending(ctx, afterKey, limit)
	if err != nil {
		return res, err
	}
	keyField := p.store.Spec().KeyField

	for i, row := range rows {
		key := stringOf(row[p.uniqueField])
		out := RowOutcome{Index: i, UniqueKey: key, Payload: ErpRecord(row)}

		payload := p.mapper.MapLocalRowToErp(row)
		if len(payload) == 0 {
			out.Outcome = OutcomeSkipped
			out.Reason = ReasonNoMappedFields
			res.record(out)
			res.LastKey = row[keyField]
			continue
		}

		erpID, err := p.client.PushRow(ctx, tok, p.table, key, payload)
		if err != nil {
			if softone.IsBusiness(err) {
				out.Outcome = OutcomeErrored
				out.Reason = ReasonPushFailed
				out.Message = err.Error()
				res.record(out)
				res.LastKey = row[keyField]
				continue
			}
			return res, err
		}

		newKey := ""
		if key == "" {
			newKey = erpID
		}
		if err := p.store.MarkSynced(ctx, row[keyField], p.now(), p.uniqueField, newKey); err != nil {
			res.record(failed(out, ReasonWriteFailed, err))
			res.LastKey = row[keyField]
			continue
		}
		if key == "" {
			out.Outcome = OutcomeCreated
			out.UniqueKey = erpID
		} else {
			out.Outcome = OutcomeUpdated
		}
		res.record(out)
		res.LastKey = row[keyField]
	}
	res.Done = len(rows) < limit
	return res, nil
}

// encodeKey and decodeKey keep the push position in the cursor's string column.
func encodeKey(k any) string {
	return stringOf(k)
}

func decodeKey(s string) any {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n
	}
	return s
}
