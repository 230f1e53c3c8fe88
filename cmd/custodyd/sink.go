package main

import (
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/observability"
)

// channelSink fans committed envelopes out of the vault.
// The persist channel blocks when full so no envelope is lost; the publish
// channel drops when full since NATS observers can re-read the event log.
type channelSink struct {
	persist chan<- *event.EventEnvelope
	publish chan<- *event.EventEnvelope // nil when NATS is disabled
	metrics *observability.Metrics
}

func (s *channelSink) Emit(env *event.EventEnvelope) {
	select {
	case s.persist <- env:
	default:
		if s.metrics != nil {
			s.metrics.PersistBackpressure.Inc()
		}
		s.persist <- env
	}

	if s.publish != nil {
		select {
		case s.publish <- env:
		default:
			if s.metrics != nil {
				s.metrics.PublishDrops.Inc()
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SetChannelMetrics("persist", len(s.persist), cap(s.persist))
		if s.publish != nil {
			s.metrics.SetChannelMetrics("publish", len(s.publish), cap(s.publish))
		}
	}
}
