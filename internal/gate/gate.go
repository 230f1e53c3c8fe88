package gate

import "github.com/cockroachdb/errors"

// Gate errors.
var (
	ErrAlreadyPaused = errors.New("already paused")
	ErrNotPaused     = errors.New("not paused")
	ErrPaused        = errors.New("ledger is paused")
)

// Gate is the emergency stop. Two states, Unpaused (initial) and Paused, with
// strict alternation: pausing a paused gate or unpausing an unpaused one fails.
// Not thread-safe: only accessed under the vault's lock.
type Gate struct {
	paused bool
}

func NewGate() *Gate {
	return &Gate{}
}

func (g *Gate) Pause() error {
	if g.paused {
		return ErrAlreadyPaused
	}
	g.paused = true
	return nil
}

func (g *Gate) Unpause() error {
	if !g.paused {
		return ErrNotPaused
	}
	g.paused = false
	return nil
}

func (g *Gate) Paused() bool {
	return g.paused
}

// RequireUnpaused guards user-facing operations.
func (g *Gate) RequireUnpaused() error {
	if g.paused {
		return ErrPaused
	}
	return nil
}

// Restore sets the state directly (snapshot recovery).
func (g *Gate) Restore(paused bool) {
	g.paused = paused
}
