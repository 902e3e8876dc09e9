package dispatch

import (
	"context"
	"sync"

	"github.com/foxzi/wapanel/internal/models"
)

type runState int

const (
	stateRunning runState = iota
	statePausing
	stateCancelling
	stateStopping
)

func (s runState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case statePausing:
		return "paused"
	case stateCancelling:
		return "cancelled"
	case stateStopping:
		return "shutdown"
	default:
		return "unknown"
	}
}

// run is one execution of a campaign. The gate context is closed when the
// run must stop handing out new sends.
type run struct {
	campaign  models.Campaign
	handle    string
	gate      context.Context
	closeGate context.CancelFunc
	done      chan struct{}
	tasks     sync.WaitGroup

	mu       sync.Mutex
	state    runState
	inflight map[string]struct{}
}

func newRun(parent context.Context, c models.Campaign, handle string) *run {
	gate, closeGate := context.WithCancel(parent)
	return &run{
		campaign:  c,
		handle:    handle,
		gate:      gate,
		closeGate: closeGate,
		done:      make(chan struct{}),
		inflight:  make(map[string]struct{}),
	}
}

func (r *run) currentState() runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// stop closes the gate. Cancelling overrides any other stop reason.
func (r *run) stop(s runState) {
	r.mu.Lock()
	if r.state == stateCancelling || (r.state != stateRunning && s != stateCancelling) {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	r.closeGate()
}

// beginCancel switches the run to cancelling and returns the recipients
// already handed to send tasks.
func (r *run) beginCancel() []string {
	r.mu.Lock()
	r.state = stateCancelling
	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	r.closeGate()
	return ids
}

// claim marks a recipient in flight. It fails once the run is stopping or
// when the recipient is already being sent.
func (r *run) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return false
	}
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *run) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
