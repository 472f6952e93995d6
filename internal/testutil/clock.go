package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock returns a fixed time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedTime is the starting time of FixedClock.
var FixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// FixedClock returns a StubClock set to FixedTime.
func FixedClock() *StubClock {
	return NewStubClock(FixedTime)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc. NewUint64
// shares the counter, so the n-th id of either kind is n.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}

func (g *StubIDGenerator) NewUint64() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return uint64(g.counter)
}
