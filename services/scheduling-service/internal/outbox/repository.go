package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptschedule/libs/db"
)

// Repository holds the postgres statements for outbox_events. Every method runs
// inside the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const insertEvent = `
INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, practitioner_id, event_type, payload, traceparent, tracestate)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	_, err := tx.Exec(ctx, insertEvent,
		evt.EventID, evt.AggregateType, evt.AggregateID, evt.PractitionerID,
		evt.EventType, evt.Payload, evt.Traceparent, evt.Tracestate)
	return err
}

// Oldest first, so per-appointment order on the topic follows commit order.
const claimUnpublished = `
SELECT id, event_id, aggregate_type, aggregate_id, practitioner_id, event_type, payload, traceparent, tracestate, created_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, claimUnpublished, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.PractitionerID,
			&rec.EventType, &rec.Payload, &rec.Traceparent, &rec.Tracestate, &rec.CreatedAt)
		return rec, err
	})
}

// MarkPublished stamps ids and fails if any of them was not updated.
func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1) AND published_at IS NULL`, ids)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("outbox: marked %d of %d claimed rows", tag.RowsAffected(), len(ids))
	}
	return nil
}

type pgBatcher struct {
	pool *db.Pool
	repo *Repository
}

// NewPostgresBatcher claims rows with FOR UPDATE SKIP LOCKED so several
// instances can drain the same table.
func NewPostgresBatcher(pool *db.Pool, repo *Repository) Batcher {
	return &pgBatcher{pool: pool, repo: repo}
}

// ClaimBatch keeps the row locks across publish; a publish failure rolls the
// claim back and the rows are offered again on the next poll.
func (b *pgBatcher) ClaimBatch(ctx context.Context, limit int, publish func([]Record) error) (int, error) {
	var n int
	err := b.pool.InTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		records, err := b.repo.FetchUnpublished(ctx, tx, limit)
		if err != nil || len(records) == 0 {
			return err
		}
		if err := publish(records); err != nil {
			return err
		}
		ids := make([]int64, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		n = len(records)
		return b.repo.MarkPublished(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
