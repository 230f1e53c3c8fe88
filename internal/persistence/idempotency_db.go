package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
)

// PostgresIdempotencyChecker answers dedup lookups that miss the in-memory
// cache by checking the event log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether caller already committed requestID.
func (pic *PostgresIdempotencyChecker) IsDuplicate(caller common.Address, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
        SELECT 1
        FROM event_log.events
        WHERE caller = $1 AND request_id = $2
        LIMIT 1
    `, caller.Hex(), requestID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "dedup lookup")
	}
	return true, nil
}
