// Package snowflake allocates 64-bit, time-ordered identifiers for messages,
// sessions, and users.
//
// An ID is laid out as
//
//	| 1 bit unused | 41 bits ms since Epoch | 10 bits machine | 12 bits sequence |
//
// IDs from one Generator are strictly increasing. IDs from different
// generators are unique as long as their machine IDs differ; the server
// obtains its machine ID from the routing directory at startup.
package snowflake

import (
	"sync"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
)

const (
	machineBits  = 10
	sequenceBits = 12

	MaxMachineID = 1<<machineBits - 1
	maxSequence  = 1<<sequenceBits - 1

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits
)

// Epoch is the zero point of the timestamp component (2024-01-01 UTC).
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator issues IDs for one machine. Safe for concurrent use.
type Generator struct {
	mu              sync.Mutex
	machineID       int64
	lastMs          int64
	sequence        int64
	now             func() time.Time
	sleep           func(time.Duration)
	maxBackwardWait time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSleep replaces time.Sleep, for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(g *Generator) { g.sleep = sleep }
}

// WithMaxBackwardWait sets how far the clock may regress before Next fails
// instead of waiting for it to catch up.
func WithMaxBackwardWait(d time.Duration) Option {
	return func(g *Generator) { g.maxBackwardWait = d }
}

// New creates a generator for machineID.
func New(machineID int64, opts ...Option) (*Generator, error) {
	if machineID < 0 || machineID > MaxMachineID {
		return nil, apperr.InvalidArgument("machine id %d out of range [0,%d]", machineID, MaxMachineID)
	}
	g := &Generator{
		machineID:       machineID,
		lastMs:          -1,
		now:             time.Now,
		sleep:           time.Sleep,
		maxBackwardWait: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// MachineID returns the machine discriminator embedded in every ID.
func (g *Generator) MachineID() int64 {
	return g.machineID
}

// Next returns the next ID. It blocks only when the sequence for the current
// millisecond is exhausted or the clock regressed by less than the allowed
// backward wait. A larger regression returns a ClockRegression error;
// timestamps are never reused.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.currentMs()
	if ms < g.lastMs {
		behind := time.Duration(g.lastMs-ms) * time.Millisecond
		if behind > g.maxBackwardWait {
			return 0, apperr.ClockRegression("clock moved backwards by %s", behind)
		}
		ms = g.waitUntil(g.lastMs)
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			ms = g.waitUntil(g.lastMs + 1)
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return ms<<timestampShift | g.machineID<<machineShift | g.sequence, nil
}

func (g *Generator) currentMs() int64 {
	return g.now().Sub(Epoch).Milliseconds()
}

// waitUntil sleeps until the clock reaches target and returns the new reading.
func (g *Generator) waitUntil(target int64) int64 {
	ms := g.currentMs()
	for ms < target {
		g.sleep(time.Duration(target-ms) * time.Millisecond)
		ms = g.currentMs()
	}
	return ms
}

// Parts is the decomposed form of an ID.
type Parts struct {
	Time      time.Time
	MachineID int64
	Sequence  int64
}

// Decompose splits an ID into its components.
func Decompose(id int64) Parts {
	return Parts{
		Time:      Epoch.Add(time.Duration(id>>timestampShift) * time.Millisecond),
		MachineID: (id >> machineShift) & MaxMachineID,
		Sequence:  id & maxSequence,
	}
}
