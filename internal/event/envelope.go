package event

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType discriminator for notification payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWhitelistChanged
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypePaused
	EventTypeUnpaused
	EventTypeOwnershipTransferred
)

// EventEnvelope wraps every notification in the log
type EventEnvelope struct {
	// Unique event identifier
	EventID uuid.UUID

	// Global monotonic sequence assigned by the vault
	Sequence int64

	// Client-supplied idempotency key (may be empty), scoped to Caller
	RequestID string

	// Signer of the command that produced the event
	Caller common.Address

	// Event type discriminator
	EventType EventType

	Notification Notification

	Timestamp time.Time

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Notification is the interface all notification payloads implement
type Notification interface {
	// EventType returns the discriminator
	EventType() EventType

	// Account returns the identity that triggered or is affected by the change
	Account() common.Address

	// AssetID returns the asset context (nil for global notifications)
	AssetID() *common.Address
}

// Sink receives every envelope the vault commits, in sequence order.
type Sink interface {
	Emit(env *EventEnvelope)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(env *EventEnvelope)

func (f SinkFunc) Emit(env *EventEnvelope) { f(env) }

// Discard drops every envelope.
var Discard Sink = SinkFunc(func(*EventEnvelope) {})

func (et EventType) String() string {
	switch et {
	case EventTypeWhitelistChanged:
		return "WhitelistChanged"
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypePaused:
		return "Paused"
	case EventTypeUnpaused:
		return "Unpaused"
	case EventTypeOwnershipTransferred:
		return "OwnershipTransferred"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeWhitelistChanged; et <= EventTypeOwnershipTransferred; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// MarshalPayload encodes a notification for the event log and outbound publishing.
func MarshalPayload(n Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", n.EventType())
	}
	return data, nil
}

// DecodePayload parses a stored payload back into its typed notification.
func DecodePayload(eventType string, payload []byte) (Notification, error) {
	et, ok := ParseEventType(eventType)
	if !ok {
		return nil, errors.Newf("unknown event type: %s", eventType)
	}

	var n Notification
	switch et {
	case EventTypeWhitelistChanged:
		n = &WhitelistChanged{}
	case EventTypeDeposited:
		n = &Deposited{}
	case EventTypeWithdrawn:
		n = &Withdrawn{}
	case EventTypePaused:
		n = &Paused{}
	case EventTypeUnpaused:
		n = &Unpaused{}
	case EventTypeOwnershipTransferred:
		n = &OwnershipTransferred{}
	}

	if err := json.Unmarshal(payload, n); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s", eventType)
	}
	return n, nil
}
