// Package placement decides which tier every chunk occupies.
//
// The static policy computes a one-shot assignment from configured byte
// fractions at registration time; the adaptive policy watches device-memory
// headroom every step and evicts or restores chunks between two watermarks.
package placement

import (
	"github.com/chunkflow/chunkflow/chunks"
)

// Policy is consulted by the optimizer driver.
type Policy interface {
	// Place runs once, after all chunk groups are registered.
	Place(m *chunks.Manager) error

	// Step runs before every optimizer step, and may re-evaluate tiers.
	Step(m *chunks.Manager) error
}

// Mode names the recognized placement modes.
type Mode string

const (
	ModeStatic   Mode = "static"
	ModeAdaptive Mode = "adaptive"
)

// markLeading returns the chunks whose cumulative byte count, in the given
// order, stays within frac of the total. With frac 0 none are marked, with
// frac 1 all are. Byte-exact, so ties are impossible by construction.
func markLeading(candidates []*chunks.Chunk, frac float64) []*chunks.Chunk {
	var total int64
	for _, chunk := range candidates {
		total += chunk.ByteSize()
	}
	budget := int64(frac * float64(total))
	var marked []*chunks.Chunk
	var cumulative int64
	for _, chunk := range candidates {
		if cumulative+chunk.ByteSize() > budget {
			break
		}
		cumulative += chunk.ByteSize()
		marked = append(marked, chunk)
	}
	return marked
}
