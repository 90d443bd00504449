// Package level maps a distance reading onto an LED bit pattern using an
// ordered table of thresholds.
package level

import (
	"fmt"
	"math/bits"
)

// Bucket selects Level for any distance below Threshold that no earlier
// bucket claimed.
type Bucket struct {
	Threshold uint64 `json:"threshold"`
	Level     uint8  `json:"level"`
}

// Table is ordered by ascending Threshold. Final applies to every distance
// at or beyond the last threshold.
type Table struct {
	Entries []Bucket `json:"entries"`
	Final   uint8    `json:"final"`
}

// DefaultLevels light one more LED per bucket.
var DefaultLevels = []uint8{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f}

// DefaultFinal lights every LED.
const DefaultFinal uint8 = 0xff

// DefaultStep is the bucket width used by the reference deployment.
const DefaultStep uint64 = 3

// DefaultTable returns thresholds step*1 .. step*7 over DefaultLevels.
func DefaultTable(step uint64) Table {
	return NewTable(step, DefaultLevels, DefaultFinal)
}

// NewTable places levels[n] under the threshold step*(n+1).
func NewTable(step uint64, levels []uint8, final uint8) Table {
	entries := make([]Bucket, len(levels))
	for i, lvl := range levels {
		entries[i] = Bucket{Threshold: step * uint64(i+1), Level: lvl}
	}
	return Table{Entries: entries, Final: final}
}

// Validate checks that thresholds strictly increase and that no bucket lights
// fewer LEDs than the one before it.
func (t Table) Validate() error {
	prevLevel := uint8(0)
	for i, b := range t.Entries {
		if i > 0 && b.Threshold <= t.Entries[i-1].Threshold {
			return fmt.Errorf("threshold %d at index %d must be greater than %d", b.Threshold, i, t.Entries[i-1].Threshold)
		}
		if i == 0 && b.Threshold == 0 {
			return fmt.Errorf("first threshold must be positive")
		}
		if bits.OnesCount8(b.Level) < bits.OnesCount8(prevLevel) {
			return fmt.Errorf("level %#02x at index %d lights fewer LEDs than %#02x", b.Level, i, prevLevel)
		}
		prevLevel = b.Level
	}
	if bits.OnesCount8(t.Final) < bits.OnesCount8(prevLevel) {
		return fmt.Errorf("final level %#02x lights fewer LEDs than %#02x", t.Final, prevLevel)
	}
	return nil
}

// Map returns the level of the first bucket whose threshold is strictly
// greater than distance, or Final when none is.
func (t Table) Map(distance uint64) uint8 {
	for _, b := range t.Entries {
		if distance < b.Threshold {
			return b.Level
		}
	}
	return t.Final
}

// Map is shorthand for t.Map(distance).
func Map(distance uint64, t Table) uint8 {
	return t.Map(distance)
}
