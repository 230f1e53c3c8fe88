package query

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HistoryFilter narrows a user's notification history.
type HistoryFilter struct {
	User common.Address

	// Optional asset restriction
	Asset *common.Address

	// Optional event type names (e.g. "Deposited"); empty means all
	EventTypes []string

	// Page size, clamped to [1, MaxHistoryLimit]
	Limit int

	// Cursor: only entries with a lower sequence. Nil starts at the newest.
	BeforeSequence *int64
}

// HistoryEntry is one notification from the event log.
type HistoryEntry struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	RequestID string          `json:"request_id,omitempty"`
	Asset     string          `json:"asset,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	StateHash hexutil.Bytes   `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// HistoryPage is a page of history, newest first.
type HistoryPage struct {
	Entries []HistoryEntry `json:"entries"`

	// Pass as BeforeSequence to fetch the next page. Nil on the last page.
	NextBefore *int64 `json:"next_before,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
