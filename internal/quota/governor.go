package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/foxzi/wapanel/internal/metrics"
)

var (
	bucketQuota = []byte("quota")
	keyDaily    = []byte("daily")
)

// ErrStopped is returned by Acquire after Stop
var ErrStopped = errors.New("quota governor stopped")

// DefaultDailyLimit is the provider's default per-day message ceiling
const DefaultDailyLimit = 2000

// Config contains quota settings
type Config struct {
	DailyLimit int
	// Location defines local midnight, when the daily window resets
	Location *time.Location
	// PerSecond paces sends within the window; 0 disables pacing
	PerSecond float64
	Burst     int
	// FlushInterval is how often the counter is persisted
	FlushInterval time.Duration
}

// Counter is the persisted daily usage
type Counter struct {
	Used        int       `json:"used"`
	WindowStart time.Time `json:"window_start"`
}

// Stats is a snapshot of the current window
type Stats struct {
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetsAt    time.Time `json:"resets_at"`
}

// Governor enforces the daily send ceiling shared by every campaign.
// Callers over budget wait for the next window instead of failing.
type Governor struct {
	db     *bolt.DB
	config Config
	clock  Clock
	pacer  *rate.Limiter

	mu      sync.Mutex
	counter Counter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGovernor creates a governor backed by db. A nil clock uses wall time.
func NewGovernor(db *bolt.DB, cfg Config, clock Clock) (*Governor, error) {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuota)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	g := &Governor{
		db:     db,
		config: cfg,
		clock:  clock,
		stopCh: make(chan struct{}),
	}

	if cfg.PerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.pacer = rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
	}

	if err := g.loadCounter(); err != nil {
		return nil, fmt.Errorf("failed to load quota counter: %w", err)
	}

	g.mu.Lock()
	g.rollover(clock.Now())
	metrics.SetQuota(g.config.DailyLimit, g.counter.Used)
	g.mu.Unlock()

	g.wg.Add(1)
	go g.persistLoop()

	return g, nil
}

// Acquire takes n units from the current window, waiting for the next
// window while the budget is exhausted. It fails only when ctx is done,
// the governor is stopped, or n exceeds the daily limit.
func (g *Governor) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > g.config.DailyLimit {
		return fmt.Errorf("cannot acquire %d units with a daily limit of %d", n, g.config.DailyLimit)
	}

	select {
	case <-g.stopCh:
		return ErrStopped
	default:
	}

	waited := false
	for {
		g.mu.Lock()
		now := g.clock.Now()
		g.rollover(now)
		if g.counter.Used+n <= g.config.DailyLimit {
			g.counter.Used += n
			metrics.SetQuota(g.config.DailyLimit, g.counter.Used)
			g.mu.Unlock()
			break
		}
		wait := g.resetAt(now).Sub(now)
		g.mu.Unlock()

		if !waited {
			waited = true
			metrics.IncQuotaWaits()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopCh:
			return ErrStopped
		case <-g.clock.After(wait):
		}
	}

	if g.pacer != nil {
		for i := 0; i < n; i++ {
			if err := g.pacer.Wait(ctx); err != nil {
				g.release(n)
				return err
			}
		}
	}

	return nil
}

// Remaining returns the units left in the current window
func (g *Governor) Remaining() int {
	return g.Stats().Remaining
}

// Stats returns a snapshot of the current window
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.rollover(now)
	remaining := g.config.DailyLimit - g.counter.Used
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Limit:       g.config.DailyLimit,
		Used:        g.counter.Used,
		Remaining:   remaining,
		WindowStart: g.counter.WindowStart,
		ResetsAt:    g.resetAt(now),
	}
}

// Stop stops the governor and persists the counter
func (g *Governor) Stop() error {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	g.wg.Wait()
	return g.persistCounter()
}

func (g *Governor) release(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter.Used -= n
	if g.counter.Used < 0 {
		g.counter.Used = 0
	}
	metrics.SetQuota(g.config.DailyLimit, g.counter.Used)
}

// rollover resets the counter when now is past the stored window. Caller holds mu.
func (g *Governor) rollover(now time.Time) {
	start := g.windowStart(now)
	if start.After(g.counter.WindowStart) {
		g.counter.Used = 0
		g.counter.WindowStart = start
	}
}

func (g *Governor) windowStart(now time.Time) time.Time {
	local := now.In(g.config.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, g.config.Location)
}

func (g *Governor) resetAt(now time.Time) time.Time {
	return g.windowStart(now).AddDate(0, 0, 1)
}

func (g *Governor) loadCounter() error {
	return g.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuota)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyDaily)
		if data == nil {
			return nil
		}
		var counter Counter
		if err := json.Unmarshal(data, &counter); err != nil {
			return nil // start fresh on a corrupt entry
		}
		g.counter = counter
		return nil
	})
}

func (g *Governor) persistCounter() error {
	g.mu.Lock()
	data, err := json.Marshal(g.counter)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	return g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuota)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyDaily, data)
	})
}

func (g *Governor) persistLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.persistCounter()
		}
	}
}
