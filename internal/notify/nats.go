package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("custodyledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "nats connect")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "jetstream")
	}

	return nc, js, nil
}

// EnsureStream creates the outbound notification stream.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	return errors.Wrapf(err, "create stream %s", StreamName)
}

// Watch delivers notifications matching filter (a subject under
// SubjectPrefix, wildcards allowed) to handle as they are published.
// Blocks until ctx is done.
func Watch(ctx context.Context, js jetstream.JetStream, filter string, handle func(PublishableEvent)) error {
	if filter == "" {
		filter = SubjectPrefix + ".>"
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return errors.Wrapf(err, "ordered consumer on %s", filter)
	}

	decodeErrs := make(chan error, 1)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var pe PublishableEvent
		if err := json.Unmarshal(msg.Data(), &pe); err != nil {
			select {
			case decodeErrs <- errors.Wrapf(err, "decode %s", msg.Subject()):
			default:
			}
			return
		}
		handle(pe)
	})
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-decodeErrs:
		return err
	}
}
