package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/ledger"
)

const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState.
type SnapshotData struct {
	Sequence   int64             `json:"sequence"`
	StateHash  hexutil.Bytes     `json:"state_hash"`
	Balances   map[string]string `json:"balances"` // AccountPath -> decimal balance
	Whitelist  []common.Address  `json:"whitelist"`
	Paused     bool              `json:"paused"`
	Owner      common.Address    `json:"owner"`
	RequestIDs []string          `json:"request_ids"` // For dedup cache warming
	CreatedAt  time.Time         `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromState converts vault state to its stored form.
func SnapshotFromState(s *core.SnapshotState, now time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:   s.Sequence,
		StateHash:  append(hexutil.Bytes(nil), s.StateHash[:]...),
		Balances:   make(map[string]string, len(s.Balances)),
		Whitelist:  s.Whitelist,
		Paused:     s.Paused,
		Owner:      s.Owner,
		RequestIDs: s.RequestIDs,
		CreatedAt:  now.UTC(),
	}
	for key, bal := range s.Balances {
		snap.Balances[key.AccountPath()] = bal.String()
	}
	return snap
}

// ToState converts a stored snapshot back to vault state.
func (d *SnapshotData) ToState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, errors.Newf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}

	s := &core.SnapshotState{
		Sequence:   d.Sequence,
		Balances:   make(map[ledger.AccountKey]*big.Int, len(d.Balances)),
		Whitelist:  d.Whitelist,
		Paused:     d.Paused,
		Owner:      d.Owner,
		RequestIDs: d.RequestIDs,
	}
	copy(s.StateHash[:], d.StateHash)

	for path, dec := range d.Balances {
		key, ok := ledger.ParseAccountPath(path)
		if !ok {
			return nil, errors.Newf("snapshot %d: bad account path %q", d.Sequence, path)
		}
		bal, ok := new(big.Int).SetString(dec, 10)
		if !ok {
			return nil, errors.Newf("snapshot %d: bad balance %q for %s", d.Sequence, dec, path)
		}
		s.Balances[key] = bal
	}
	return s, nil
}

// SaveSnapshot persists a snapshot. Returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, errors.Wrap(err, "marshal snapshot")
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash, size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), snap.Sequence, string(data), []byte(snap.StateHash), snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, errors.Wrapf(err, "save snapshot %d", snap.Sequence)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot.
// Returns nil, nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load snapshot")
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return errors.Wrapf(err, "verify snapshot %d", sequence)
}

// LoadEventsFrom loads up to limit events starting at fromSequence, for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, request_id, caller, account, asset,
		       payload, state_hash, prev_hash, created_at
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "load events from %d", fromSequence)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "latest sequence")
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEventRow(rs rowScanner) (EventRow, error) {
	var e EventRow
	if err := rs.Scan(
		&e.Sequence, &e.EventID, &e.EventType, &e.RequestID, &e.Caller, &e.Account, &e.Asset,
		&e.Payload, &e.StateHash, &e.PrevHash, &e.CreatedAt,
	); err != nil {
		return EventRow{}, errors.Wrap(err, "scan event")
	}
	return e, nil
}
