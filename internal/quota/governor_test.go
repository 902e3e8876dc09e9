package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "quota.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db, dbPath
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: at, ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGovernorDefaults(t *testing.T) {
	db, _ := setupTestDB(t)

	g, err := NewGovernor(db, Config{}, nil)
	if err != nil {
		t.Fatalf("NewGovernor() error = %v", err)
	}
	defer g.Stop()

	if g.config.DailyLimit != DefaultDailyLimit {
		t.Errorf("DailyLimit = %d, want %d", g.config.DailyLimit, DefaultDailyLimit)
	}
	if g.config.FlushInterval != 10*time.Second {
		t.Errorf("FlushInterval = %v, want 10s", g.config.FlushInterval)
	}
	if g.Remaining() != DefaultDailyLimit {
		t.Errorf("Remaining() = %d", g.Remaining())
	}
}

func TestGovernorNegativeFlushInterval(t *testing.T) {
	db, _ := setupTestDB(t)

	g, err := NewGovernor(db, Config{DailyLimit: 5, FlushInterval: -time.Second}, nil)
	if err != nil {
		t.Fatalf("NewGovernor() error = %v", err)
	}
	defer g.Stop()

	if g.config.FlushInterval != 10*time.Second {
		t.Errorf("FlushInterval = %v, want 10s", g.config.FlushInterval)
	}
}

func TestGovernorAcquireWithinBudget(t *testing.T) {
	db, _ := setupTestDB(t)
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	g, err := NewGovernor(db, Config{DailyLimit: 3, Location: time.UTC}, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	for i := 0; i < 3; i++ {
		if err := g.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
	}
	if got := g.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}

	stats := g.Stats()
	if !stats.ResetsAt.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ResetsAt = %v", stats.ResetsAt)
	}
}

func TestGovernorExcessWaitsForNextWindow(t *testing.T) {
	db, _ := setupTestDB(t)
	clock := newFakeClock(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))

	g, err := NewGovernor(db, Config{DailyLimit: 2, Location: time.UTC}, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	ctx := context.Background()
	g.Acquire(ctx, 1)
	g.Acquire(ctx, 1)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- g.Acquire(ctx, 1) }()
	}

	waitFor(t, func() bool { return clock.Waiters() == 2 })

	select {
	case err := <-done:
		t.Fatalf("Acquire() returned early with %v; excess must wait", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Crossing midnight opens a fresh window for both waiters
	clock.Advance(time.Hour)

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Acquire() after rollover error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released after window reset")
		}
	}

	if got := g.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0 after two sends in new window", got)
	}
}

func TestGovernorAcquireCancelled(t *testing.T) {
	db, _ := setupTestDB(t)
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	g, err := NewGovernor(db, Config{DailyLimit: 1, Location: time.UTC}, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	g.Acquire(context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Acquire(ctx, 1) }()

	waitFor(t, func() bool { return clock.Waiters() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Acquire() did not return")
	}
}

func TestGovernorAcquireTooMany(t *testing.T) {
	db, _ := setupTestDB(t)

	g, err := NewGovernor(db, Config{DailyLimit: 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	if err := g.Acquire(context.Background(), 6); err == nil {
		t.Error("Acquire() above the daily limit should fail")
	}
	if err := g.Acquire(context.Background(), 0); err != nil {
		t.Errorf("Acquire(0) error = %v", err)
	}
}

func TestGovernorStopReleasesWaiters(t *testing.T) {
	db, _ := setupTestDB(t)
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	g, err := NewGovernor(db, Config{DailyLimit: 1, Location: time.UTC}, clock)
	if err != nil {
		t.Fatal(err)
	}
	g.Acquire(context.Background(), 1)

	done := make(chan error, 1)
	go func() { done <- g.Acquire(context.Background(), 1) }()
	waitFor(t, func() bool { return clock.Waiters() == 1 })

	g.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Acquire() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not release waiter")
	}
}

func TestGovernorPersistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "quota.db")
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cfg := Config{DailyLimit: 10, Location: time.UTC}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGovernor(db, cfg, clock)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		g.Acquire(context.Background(), 1)
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	db.Close()

	// Restart on the same day keeps usage
	db, err = bolt.Open(dbPath, 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	g2, err := NewGovernor(db, cfg, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer g2.Stop()

	if got := g2.Remaining(); got != 6 {
		t.Errorf("Remaining() after restart = %d, want 6", got)
	}

	// Next day starts fresh
	clock.Advance(24 * time.Hour)
	if got := g2.Remaining(); got != 10 {
		t.Errorf("Remaining() next day = %d, want 10", got)
	}
}

func TestGovernorLocalMidnight(t *testing.T) {
	db, _ := setupTestDB(t)
	loc := time.FixedZone("UTC-6", -6*60*60)
	// 05:30 UTC is 23:30 the previous day in UTC-6
	clock := newFakeClock(time.Date(2026, 3, 11, 5, 30, 0, 0, time.UTC))

	g, err := NewGovernor(db, Config{DailyLimit: 1, Location: loc}, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	g.Acquire(context.Background(), 1)
	if g.Remaining() != 0 {
		t.Fatal("budget should be used")
	}

	clock.Advance(time.Hour) // 00:30 local
	if got := g.Remaining(); got != 1 {
		t.Errorf("Remaining() after local midnight = %d, want 1", got)
	}
}

func TestGovernorPacing(t *testing.T) {
	db, _ := setupTestDB(t)

	g, err := NewGovernor(db, Config{DailyLimit: 100, PerSecond: 50, Burst: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := g.Acquire(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	// 1 burst token then 4 more at 50/s
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("5 paced acquires took %v, want >= 60ms", elapsed)
	}
}
