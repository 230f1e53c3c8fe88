package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/event"
	"CustodyLedger/internal/observability"
)

// SubjectPrefix is the root of every outbound notification subject.
const SubjectPrefix = "custody.events"

// StreamName is the JetStream stream carrying outbound notifications.
const StreamName = "CUSTODY_EVENTS"

// Publisher is the subset of jetstream.JetStream used for outbound publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishableEvent is a committed envelope in its wire form.
type PublishableEvent struct {
	EventID   string          `json:"event_id"`
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	RequestID string          `json:"request_id,omitempty"`
	Account   string          `json:"account"`
	Asset     string          `json:"asset,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	StateHash hexutil.Bytes   `json:"state_hash"`
	PrevHash  hexutil.Bytes   `json:"prev_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts an envelope for the wire.
func NewPublishableEvent(env *event.EventEnvelope) (PublishableEvent, error) {
	payload, err := event.MarshalPayload(env.Notification)
	if err != nil {
		return PublishableEvent{}, err
	}
	pe := PublishableEvent{
		EventID:   env.EventID.String(),
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		RequestID: env.RequestID,
		Account:   env.Notification.Account().Hex(),
		Payload:   payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp,
	}
	if asset := env.Notification.AssetID(); asset != nil {
		pe.Asset = asset.Hex()
	}
	return pe, nil
}

// Subject returns custody.events.{event_type}[.{asset}].
func (pe PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, strings.ToLower(pe.EventType))
	if pe.Asset != "" {
		subject = fmt.Sprintf("%s.%s", subject, strings.ToLower(pe.Asset))
	}
	return subject
}

// OutboundPublisher publishes committed envelopes to NATS for external observers.
// Publishing is best-effort; the event log remains the source of truth.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until the input channel closes or ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	pe, err := NewPublishableEvent(env)
	if err != nil {
		return err
	}
	data, err := json.Marshal(pe)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	// Msg-ID lets JetStream drop re-publishes of the same event.
	_, err = op.js.Publish(ctx, pe.Subject(), data, jetstream.WithMsgID(pe.EventID))
	return errors.Wrapf(err, "publish %s", pe.Subject())
}
