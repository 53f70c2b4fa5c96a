// Package ids generates time-sortable 64-bit identifiers.
//
// The layout is the classic snowflake split: 41 bits of milliseconds since
// the 2024-01-01 UTC epoch, 10 bits of node id, 12 bits of per-millisecond
// sequence. Ids sort by creation time, which lets them double as event-bus
// topic suffixes before the row they identify exists.
package ids

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) in Unix milliseconds.
const Epoch int64 = 1704067200000

const (
	nodeBits     = 10
	sequenceBits = 12
	maxSequence  = (1 << sequenceBits) - 1
	maxNode      = (1 << nodeBits) - 1
)

// Generator produces monotonically increasing snowflake ids.
// The zero value is not usable; call NewGenerator.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

// NewGenerator creates a Generator for the given node id (masked to 10 bits).
func NewGenerator(node int64) *Generator {
	return &Generator{node: node & maxNode, now: time.Now}
}

var defaultGen = NewGenerator(1)

// New returns the next id from the process-wide default generator.
func New() int64 { return defaultGen.Next() }

// Next returns the next id. When the per-millisecond sequence overflows it
// spins until the clock advances.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		// Clock went backwards; hold the last observed timestamp so ids
		// stay monotonic.
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ms <= g.lastMs {
				ms = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return (ms-Epoch)<<(nodeBits+sequenceBits) | g.node<<sequenceBits | g.sequence
}

// Timestamp extracts the creation time embedded in an id.
func Timestamp(id int64) time.Time {
	ms := id>>(nodeBits+sequenceBits) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Parse converts a decimal string into an id.
func Parse(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// Format renders an id the way the API exposes it (decimal string, since
// 64-bit integers do not survive JSON consumers intact).
func Format(id int64) string {
	return strconv.FormatInt(id, 10)
}
