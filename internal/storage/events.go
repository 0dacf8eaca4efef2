package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keiro/internal/model"
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	CorrelationID string
	Type          string
	Since         *time.Time
	Limit         int
}

// InsertEvents inserts events using the COPY protocol for high throughput.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "event_type", "occurred_at", "tier", "component", "instance_id", "correlation_id", "causation_id", "priority", "metadata", "data"}

	rows := make([][]any, len(events))
	for i, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal event metadata: %w", err)
		}
		data, err := json.Marshal(e.Data)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal event data: %w", err)
		}
		rows[i] = []any{
			e.ID,
			e.Type,
			e.Timestamp,
			string(e.Source.Tier),
			e.Source.Component,
			e.Source.InstanceID,
			e.CorrelationID,
			e.CausationID,
			string(e.Metadata.Priority),
			meta,
			data,
		}
	}

	// Bounded so a hung Postgres cannot block the buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// ListEvents returns stored events in occurrence order.
func (db *DB) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, event_type, occurred_at, tier, component, instance_id, correlation_id, causation_id, metadata, data
		 FROM events
		 WHERE ($1 = '' OR correlation_id = $1)
		   AND ($2 = '' OR event_type = $2)
		   AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		 ORDER BY occurred_at ASC, id ASC
		 LIMIT $4`,
		f.CorrelationID, f.Type, f.Since, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e          model.Event
			tier       string
			meta, data []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &tier, &e.Source.Component, &e.Source.InstanceID,
			&e.CorrelationID, &e.CausationID, &meta, &data); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Source.Tier = model.Tier(tier)
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("storage: decode event metadata: %w", err)
		}
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("storage: decode event data: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeEvents deletes events that occurred before cutoff and returns how many
// were removed.
func (db *DB) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}
