package placement

import (
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/chunks"
)

// Static starts the configuration of a static placement policy. The fractions
// denote the byte share of each category moved off the device-replicated
// tier, decided once at registration in a fixed priority order: parameter
// sharding first, then optimizer-state offload, then parameter offload.
//
// All fractions default to zero: everything stays device-resident and
// replicated.
func Static() *StaticConfig {
	return &StaticConfig{}
}

// StaticConfig holds the static-policy fractions; build with Static, finish
// with Done.
type StaticConfig struct {
	shardParamFrac   float64
	offloadOptimFrac float64
	offloadParamFrac float64
}

// ShardParamFrac sets the byte fraction of parameter chunks (with their
// gradient and optimizer-state counterparts) sharded across the group.
func (c *StaticConfig) ShardParamFrac(frac float64) *StaticConfig {
	c.shardParamFrac = frac
	return c
}

// OffloadOptimFrac sets the byte fraction of optimizer-state chunks moved to
// host memory.
func (c *StaticConfig) OffloadOptimFrac(frac float64) *StaticConfig {
	c.offloadOptimFrac = frac
	return c
}

// OffloadParamFrac sets the byte fraction of the sharded parameter chunks
// whose shards live in host memory. Only sharded parameters offload, so this
// is effective on the chunks already selected by ShardParamFrac.
func (c *StaticConfig) OffloadParamFrac(frac float64) *StaticConfig {
	c.offloadParamFrac = frac
	return c
}

// Done validates the fractions and returns the policy.
func (c *StaticConfig) Done() (Policy, error) {
	for _, frac := range []struct {
		name  string
		value float64
	}{
		{"shard_param_frac", c.shardParamFrac},
		{"offload_optim_frac", c.offloadOptimFrac},
		{"offload_param_frac", c.offloadParamFrac},
	} {
		if frac.value < 0 || frac.value > 1 {
			return nil, chunks.Configurationf("placement: %s must be in [0,1], got %g", frac.name, frac.value)
		}
	}
	return &static{config: *c}, nil
}

type static struct {
	config StaticConfig
}

var _ Policy = (*static)(nil)

// Place computes the stable assignment and applies it. Chunks within a
// category are taken in id order (declaration order), so the assignment is
// deterministic.
func (p *static) Place(m *chunks.Manager) error {
	var params, optim []*chunks.Chunk
	for _, chunk := range m.Chunks() {
		if chunk.KeepGathered() {
			continue
		}
		switch chunk.Kind() {
		case chunks.KindParameter:
			params = append(params, chunk)
		case chunks.KindOptimState:
			optim = append(optim, chunk)
		}
	}

	// Parameter sharding. Optimizer-state chunks mirror their parameter
	// chunk's sharding so that shard ownership lines up at update time.
	shardedLayouts := make(map[int]bool)
	shardedParams := markLeading(params, p.config.shardParamFrac)
	for _, chunk := range shardedParams {
		if err := m.Transition(chunk.ID(), chunks.DeviceSharded); err != nil {
			return err
		}
		shardedLayouts[chunk.LayoutIndex()] = true
	}
	for _, chunk := range optim {
		if shardedLayouts[chunk.LayoutIndex()] {
			if err := m.Transition(chunk.ID(), chunks.DeviceSharded); err != nil {
				return err
			}
		}
	}

	// Optimizer-state offload.
	for _, chunk := range markLeading(optim, p.config.offloadOptimFrac) {
		target := chunks.HostFull
		if chunk.Tier().Sharded() {
			target = chunks.HostSharded
		}
		if err := m.Transition(chunk.ID(), target); err != nil {
			return err
		}
	}

	// Parameter offload, only over the sharded parameter chunks.
	for _, chunk := range markLeading(shardedParams, p.config.offloadParamFrac) {
		if err := m.Transition(chunk.ID(), chunks.HostSharded); err != nil {
			return err
		}
	}

	klog.V(1).Infof("placement: static assignment done: %d parameter chunks sharded (frac=%g), optim offload frac=%g, param offload frac=%g",
		len(shardedParams), p.config.shardParamFrac, p.config.offloadOptimFrac, p.config.offloadParamFrac)
	return nil
}

// Step is a no-op: the static assignment is computed once and is stable.
func (p *static) Step(*chunks.Manager) error { return nil }
