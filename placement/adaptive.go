package placement

import (
	"sort"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/chunks"
)

const (
	// DefaultLowWater is the device headroom fraction below which eviction starts.
	DefaultLowWater = 0.10

	// DefaultHighWater is the headroom fraction eviction clears to, and above
	// which evicted chunks are restored.
	DefaultHighWater = 0.25
)

// Adaptive starts the configuration of an adaptive placement policy: a
// two-watermark eviction loop over device-memory headroom, byte-budget
// accounted, least-recently-used victims first, most-recently-used restores
// first. Ties break by chunk id.
func Adaptive() *AdaptiveConfig {
	return &AdaptiveConfig{lowWater: DefaultLowWater, highWater: DefaultHighWater}
}

// AdaptiveConfig is built with Adaptive and finished with Done.
type AdaptiveConfig struct {
	lowWater, highWater float64
}

// WaterMarks sets the low and high headroom watermarks, as fractions of
// device capacity; low must be below high.
func (c *AdaptiveConfig) WaterMarks(low, high float64) *AdaptiveConfig {
	c.lowWater, c.highWater = low, high
	return c
}

// Done validates the watermarks and returns the policy.
func (c *AdaptiveConfig) Done() (Policy, error) {
	if c.lowWater <= 0 || c.highWater >= 1 || c.lowWater >= c.highWater {
		return nil, chunks.Configurationf("placement: watermarks must satisfy 0 < low < high < 1, got low=%g high=%g",
			c.lowWater, c.highWater)
	}
	return &adaptive{config: *c}, nil
}

type adaptive struct {
	config AdaptiveConfig

	// evicted tracks chunks this policy moved to host, most recent last.
	evicted []int
}

var _ Policy = (*adaptive)(nil)

// Place leaves the initial DEVICE_FULL placement alone; the policy reacts to
// observed pressure only.
func (p *adaptive) Place(*chunks.Manager) error { return nil }

// Step evicts under pressure and restores when headroom is abundant.
func (p *adaptive) Step(m *chunks.Manager) error {
	stats := m.Backend().DeviceMemStats()
	if stats.Capacity == 0 {
		return nil // Unbounded device tier, nothing to react to.
	}
	lowMark := int64(p.config.lowWater * float64(stats.Capacity))
	highMark := int64(p.config.highWater * float64(stats.Capacity))
	headroom := stats.Headroom()

	if headroom < lowMark {
		return p.evict(m, headroom, highMark)
	}
	if headroom > highMark {
		return p.restore(m, headroom, highMark)
	}
	return nil
}

// evict moves least-recently-used device-resident chunks to host until
// headroom clears the high watermark.
func (p *adaptive) evict(m *chunks.Manager, headroom, highMark int64) error {
	var victims []*chunks.Chunk
	for _, chunk := range m.Chunks() {
		if chunk.KeepGathered() || chunk.Kind() == chunks.KindGradient {
			continue // Gradients are rewritten every step; moving them buys nothing.
		}
		if chunk.Tier() == chunks.DeviceFull || chunk.Tier() == chunks.DeviceSharded {
			victims = append(victims, chunk)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].LastTouch() != victims[j].LastTouch() {
			return victims[i].LastTouch() < victims[j].LastTouch()
		}
		return victims[i].ID() < victims[j].ID()
	})
	for _, chunk := range victims {
		if headroom >= highMark {
			break
		}
		target := chunks.HostFull
		freed := chunk.ByteSize()
		if chunk.Tier() == chunks.DeviceSharded {
			target = chunks.HostSharded
			freed /= int64(m.Group().WorldSize())
		}
		if err := m.Transition(chunk.ID(), target); err != nil {
			if chunks.IsChunkBusy(err) {
				klog.Warningf("placement: skipping busy chunk %d during eviction", chunk.ID())
				continue
			}
			return err
		}
		headroom += freed
		p.evicted = append(p.evicted, chunk.ID())
		klog.V(1).Infof("placement: evicted chunk %d (%s) to %s, headroom now %s",
			chunk.ID(), humanize.IBytes(uint64(chunk.ByteSize())), target, humanize.IBytes(uint64(headroom)))
	}
	return nil
}

// restore brings evicted chunks back while headroom stays above the high
// watermark, most recently evicted first.
func (p *adaptive) restore(m *chunks.Manager, headroom, highMark int64) error {
	for len(p.evicted) > 0 {
		id := p.evicted[len(p.evicted)-1]
		chunk := m.Chunk(id)
		target := chunks.DeviceFull
		needed := chunk.ByteSize()
		if chunk.Tier() == chunks.HostSharded {
			target = chunks.DeviceSharded
			needed /= int64(m.Group().WorldSize())
		} else if chunk.Tier() != chunks.HostFull {
			// Someone else moved it; drop it from the evicted stack.
			p.evicted = p.evicted[:len(p.evicted)-1]
			continue
		}
		if headroom-needed < highMark {
			break
		}
		if err := m.Transition(id, target); err != nil {
			if chunks.IsChunkBusy(err) {
				klog.Warningf("placement: skipping busy chunk %d during restore", id)
				return nil
			}
			return err
		}
		headroom -= needed
		p.evicted = p.evicted[:len(p.evicted)-1]
		klog.V(1).Infof("placement: restored chunk %d to %s, headroom now %s",
			id, target, humanize.IBytes(uint64(headroom)))
	}
	return nil
}
