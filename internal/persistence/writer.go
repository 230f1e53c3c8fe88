package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CustodyLedger/internal/event"
)

// EventLogWriter writes envelopes to event_log.events using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	RequestID sql.NullString
	Caller    string
	Account   string
	Asset     sql.NullString
	Payload   []byte // JSON-encoded notification
	StateHash []byte
	PrevHash  []byte
	CreatedAt time.Time
}

const eventColumns = 11

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromEnvelope flattens an envelope for storage.
func EventRowFromEnvelope(env *event.EventEnvelope) (EventRow, error) {
	payload, err := event.MarshalPayload(env.Notification)
	if err != nil {
		return EventRow{}, err
	}

	row := EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.EventType.String(),
		Caller:    env.Caller.Hex(),
		Account:   env.Notification.Account().Hex(),
		Payload:   payload,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		CreatedAt: env.Timestamp,
	}
	if env.RequestID != "" {
		row.RequestID = sql.NullString{String: env.RequestID, Valid: true}
	}
	if asset := env.Notification.AssetID(); asset != nil {
		row.Asset = sql.NullString{String: asset.Hex(), Valid: true}
	}
	return row, nil
}

// ToEnvelope rebuilds the envelope a row was written from (replay).
func (r EventRow) ToEnvelope() (*event.EventEnvelope, error) {
	n, err := event.DecodePayload(r.EventType, r.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "seq %d", r.Sequence)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, errors.Newf("seq %d: malformed hash column", r.Sequence)
	}
	if !common.IsHexAddress(r.Caller) {
		return nil, errors.Newf("seq %d: malformed caller %q", r.Sequence, r.Caller)
	}

	env := &event.EventEnvelope{
		EventID:      r.EventID,
		Sequence:     r.Sequence,
		RequestID:    r.RequestID.String,
		Caller:       common.HexToAddress(r.Caller),
		EventType:    n.EventType(),
		Notification: n,
		Timestamp:    r.CreatedAt,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// WriteEventBatch writes a batch of events inside tx.
// Re-writing an existing sequence is a no-op.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, request_id, caller, account, asset, payload, state_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		base := i * eventColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.RequestID, e.Caller, e.Account,
			e.Asset, string(e.Payload), e.StateHash, e.PrevHash, e.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "insert %d events", len(events))
	}
	return nil
}

// WriteEvents writes a batch in its own transaction.
func (w *EventLogWriter) WriteEvents(ctx context.Context, events []EventRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}
