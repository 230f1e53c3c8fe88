package testutil

import (
	"sync"

	"CustodyLedger/internal/event"
)

// Recorder is an event.Sink that keeps every envelope for assertions.
type Recorder struct {
	mu   sync.Mutex
	envs []*event.EventEnvelope
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(env *event.EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

// Envelopes returns a copy of everything recorded so far.
func (r *Recorder) Envelopes() []*event.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.EventEnvelope, len(r.envs))
	copy(out, r.envs)
	return out
}

// Last returns the most recent envelope, or nil.
func (r *Recorder) Last() *event.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.envs) == 0 {
		return nil
	}
	return r.envs[len(r.envs)-1]
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []event.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.EventType, len(r.envs))
	for i, env := range r.envs {
		out[i] = env.EventType
	}
	return out
}
