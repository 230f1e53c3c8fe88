package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/persistence"
)

const replayBatchSize = 1000

// eventLog is the read side of the event store used at startup.
type eventLog interface {
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// snapshotStore is the write side used by periodic and shutdown snapshots.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// recoverVault restores the latest verified snapshot, if any, then replays
// every later event through Vault.Apply. Replay verifies the hash chain, so a
// tampered or truncated log fails startup. Returns the replayed event count.
func recoverVault(
	ctx context.Context,
	vault *core.Vault,
	store eventLog,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	start := time.Now()
	from := int64(0)

	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
		snap = nil
	}
	if snap != nil {
		state, err := snap.ToState()
		if err != nil {
			return 0, errors.Wrap(err, "decode snapshot")
		}
		if err := vault.RestoreFromSnapshot(state); err != nil {
			return 0, errors.Wrapf(err, "restore snapshot %d", snap.Sequence)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replayEventsFromLog(ctx, store, vault, from)
	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return replayed, err
}

func replayEventsFromLog(ctx context.Context, store eventLog, vault *core.Vault, fromSequence int64) (int64, error) {
	var total int64
	for {
		rows, err := store.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return total, errors.Wrapf(err, "load events from seq %d", fromSequence)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			env, err := row.ToEnvelope()
			if err != nil {
				return total, err
			}
			if err := vault.Apply(env); err != nil {
				return total, err
			}
			total++
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// takeSnapshot persists the vault's current state and marks it verified.
// Returns false when nothing has been committed yet.
func takeSnapshot(
	ctx context.Context,
	vault *core.Vault,
	store snapshotStore,
	metrics *observability.Metrics,
) (bool, error) {
	start := time.Now()

	state, ok := vault.CreateSnapshotState()
	if !ok {
		return false, nil
	}
	snap := persistence.SnapshotFromState(state, time.Now())

	size, err := store.SaveSnapshot(ctx, snap)
	if err != nil {
		return false, err
	}
	// Taken from live state under the vault lock
	if err := store.MarkVerified(ctx, snap.Sequence); err != nil {
		return false, err
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return true, nil
}

// runPeriodicSnapshots snapshots whenever interval events have been
// committed since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	vault *core.Vault,
	store snapshotStore,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 10_000
	}

	last := vault.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := vault.GetSequence()
			if current-last < interval {
				continue
			}
			if _, err := takeSnapshot(ctx, vault, store, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
			logger.Info().Int64("sequence", current-1).Msg("periodic snapshot")
		}
	}
}
