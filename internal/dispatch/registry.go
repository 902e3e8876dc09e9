package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchState is what the execution runtime knows about one run
type BatchState struct {
	Handle     string
	CampaignID string
	StartedAt  time.Time
	Finished   bool
	Cancelled  bool
	FinishedAt time.Time
}

// BatchRegistry tracks runs by handle for reconciliation. Handles of runs
// that stopped without finishing (pause, shutdown) are dropped so that a
// lookup reports them as unknown.
type BatchRegistry struct {
	mu      sync.RWMutex
	batches map[string]*BatchState
	// finished handles kept for lookups; oldest evicted first
	order []string
	limit int
}

// NewBatchRegistry creates a registry remembering up to limit finished runs
func NewBatchRegistry(limit int) *BatchRegistry {
	if limit <= 0 {
		limit = 256
	}
	return &BatchRegistry{
		batches: make(map[string]*BatchState),
		limit:   limit,
	}
}

// Lookup returns the state of handle
func (r *BatchRegistry) Lookup(handle string) (BatchState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.batches[handle]
	if !ok {
		return BatchState{}, false
	}
	return *b, true
}

func (r *BatchRegistry) register(campaignID string) string {
	handle := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[handle] = &BatchState{
		Handle:     handle,
		CampaignID: campaignID,
		StartedAt:  time.Now().UTC(),
	}
	return handle
}

func (r *BatchRegistry) finish(handle string, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[handle]
	if !ok {
		return
	}
	b.Finished = true
	b.Cancelled = cancelled
	b.FinishedAt = time.Now().UTC()

	r.order = append(r.order, handle)
	for len(r.order) > r.limit {
		delete(r.batches, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *BatchRegistry) drop(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.batches, handle)
}
