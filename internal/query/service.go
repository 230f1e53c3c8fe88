package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// QueryService provides read-only access to the event log.
// Live balances are served by the vault; this covers history and audit.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetHistory returns a page of notifications that touched f.User, newest first.
func (qs *QueryService) GetHistory(ctx context.Context, f HistoryFilter) (*HistoryPage, error) {
	query, args := buildHistoryQuery(f)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "history query")
	}
	defer rows.Close()

	page := &HistoryPage{Entries: []HistoryEntry{}}
	for rows.Next() {
		var (
			e         HistoryEntry
			requestID sql.NullString
			asset     sql.NullString
			payload   []byte
			stateHash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &requestID, &asset, &payload, &stateHash, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.RequestID = requestID.String
		e.Asset = asset.String
		e.Payload = payload
		e.StateHash = stateHash
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit := clampLimit(f.Limit); len(page.Entries) == limit {
		next := page.Entries[len(page.Entries)-1].Sequence
		page.NextBefore = &next
	}
	return page, nil
}

func buildHistoryQuery(f HistoryFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT sequence, event_id, event_type, request_id, asset, payload, state_hash, created_at
		FROM event_log.events
		WHERE account = $1`)
	args := []interface{}{f.User.Hex()}

	if f.Asset != nil {
		args = append(args, f.Asset.Hex())
		fmt.Fprintf(&sb, " AND asset = $%d", len(args))
	}
	if len(f.EventTypes) > 0 {
		args = append(args, pq.Array(f.EventTypes))
		fmt.Fprintf(&sb, " AND event_type = ANY($%d)", len(args))
	}
	if f.BeforeSequence != nil {
		args = append(args, *f.BeforeSequence)
		fmt.Fprintf(&sb, " AND sequence < $%d", len(args))
	}

	args = append(args, clampLimit(f.Limit))
	fmt.Fprintf(&sb, " ORDER BY sequence DESC LIMIT $%d", len(args))
	return sb.String(), args
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence density of the log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LatestSequence: -1}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return nil, errors.Wrap(err, "latest sequence")
	}
	if latest.Valid {
		report.LatestSequence = latest.Int64
	}

	breaks, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, errors.Wrap(err, "hash chain check")
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e2.sequence IS NULL
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, errors.Wrap(err, "gap check")
	}
	report.SequenceGaps = gaps

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

func (qs *QueryService) collectSequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}
