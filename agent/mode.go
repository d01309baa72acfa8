package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ModeKind discriminates execution modes.
type ModeKind uint8

const (
	// Production uses OS entropy and the wall clock.
	Production ModeKind = iota
	// Testing mixes deterministic randomness with a controllable clock.
	Testing
	// Simulation derives all randomness and time from a seed.
	Simulation
)

// String implements fmt.Stringer.
func (k ModeKind) String() string {
	switch k {
	case Production:
		return "production"
	case Testing:
		return "testing"
	case Simulation:
		return "simulation"
	default:
		return fmt.Sprintf("mode(%d)", uint8(k))
	}
}

// ExecutionMode selects the entropy and time sources for an agent.
type ExecutionMode struct {
	Kind ModeKind `json:"kind" yaml:"kind"`
	Seed uint64   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ProductionMode returns the production execution mode.
func ProductionMode() ExecutionMode {
	return ExecutionMode{Kind: Production}
}

// TestingMode returns the testing execution mode with the given seed.
func TestingMode(seed uint64) ExecutionMode {
	return ExecutionMode{Kind: Testing, Seed: seed}
}

// SimulationMode returns the simulation execution mode with the given
// seed.
func SimulationMode(seed uint64) ExecutionMode {
	return ExecutionMode{Kind: Simulation, Seed: seed}
}

// TimeProvenance records where a timestamp came from, so deadline checks
// can distinguish wall time from simulated time.
type TimeProvenance uint8

const (
	// ProvenanceWallClock is OS wall-clock time.
	ProvenanceWallClock TimeProvenance = iota
	// ProvenanceSimulated is seed-derived simulated time.
	ProvenanceSimulated
	// ProvenanceManual is test-controlled time.
	ProvenanceManual
)

// Timestamp is a provenanced instant in milliseconds.
type Timestamp struct {
	UnixMillis int64          `json:"unix_millis"`
	Provenance TimeProvenance `json:"provenance"`
}

// Clock supplies provenanced time.
type Clock interface {
	Now() Timestamp
}

// wallClock reads the OS clock.
type wallClock struct{}

func (wallClock) Now() Timestamp {
	return Timestamp{UnixMillis: time.Now().UnixMilli(), Provenance: ProvenanceWallClock}
}

// ManualClock is a test- and simulation-controlled clock.
type ManualClock struct {
	mu         sync.Mutex
	millis     int64
	provenance TimeProvenance
}

// NewManualClock creates a manual clock starting at the given instant.
func NewManualClock(startMillis int64, provenance TimeProvenance) *ManualClock {
	return &ManualClock{millis: startMillis, provenance: provenance}
}

// Now returns the current manual instant.
func (c *ManualClock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{UnixMillis: c.millis, Provenance: c.provenance}
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis += d.Milliseconds()
}

// Set jumps the clock to an absolute instant.
func (c *ManualClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis = millis
}

// seededReader expands a seed into an unbounded deterministic byte
// stream. Two readers with the same seed produce identical streams
// regardless of read sizes.
type seededReader struct {
	mu      sync.Mutex
	key     [32]byte
	counter uint64
	buf     []byte
}

func newSeededReader(seed uint64) *seededReader {
	var secret [8]byte
	binary.BigEndian.PutUint64(secret[:], seed)
	r := &seededReader{}
	expand := hkdf.New(sha256.New, secret[:], nil, []byte("aura-simulation-entropy"))
	if _, err := io.ReadFull(expand, r.key[:]); err != nil {
		panic(err) // hkdf cannot fail on a 32-byte read
	}
	return r
}

func (r *seededReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for total < len(p) {
		if len(r.buf) == 0 {
			var block [40]byte
			copy(block[:32], r.key[:])
			binary.BigEndian.PutUint64(block[32:], r.counter)
			r.counter++
			sum := sha256.Sum256(block[:])
			r.buf = sum[:]
		}
		n := copy(p[total:], r.buf)
		r.buf = r.buf[n:]
		total += n
	}
	return total, nil
}

// EntropyFor returns the mode's entropy source.
func EntropyFor(mode ExecutionMode) io.Reader {
	switch mode.Kind {
	case Production:
		return rand.Reader
	default:
		return newSeededReader(mode.Seed)
	}
}

// ClockFor returns the mode's clock. Testing and Simulation clocks are
// manual; callers advance them explicitly.
func ClockFor(mode ExecutionMode, startMillis int64) Clock {
	switch mode.Kind {
	case Production:
		return wallClock{}
	case Simulation:
		return NewManualClock(startMillis, ProvenanceSimulated)
	default:
		return NewManualClock(startMillis, ProvenanceManual)
	}
}
