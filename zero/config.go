package zero

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/chunkflow/chunkflow/amp"
	"github.com/chunkflow/chunkflow/backends"
	"github.com/chunkflow/chunkflow/chunks"
	"github.com/chunkflow/chunkflow/comm"
	"github.com/chunkflow/chunkflow/placement"
)

// New starts the configuration of a distributed optimizer over the given
// model tensors. Configure with the methods below, then call Done.
//
// Defaults: float16 compute precision, static placement with all fractions
// zero (everything device-resident and replicated), the planner's default
// capacity search, and the amp package's default loss-scale constants.
func New(backend backends.Backend, group comm.Group, model []chunks.TensorDecl, rule UpdateRule) *Config {
	return &Config{
		backend:      backend,
		group:        group,
		model:        model,
		rule:         rule,
		computeDType: dtypes.Float16,
		scaler:       amp.Scaler(),
	}
}

// Config is built with New and finished with Done.
type Config struct {
	backend backends.Backend
	group   comm.Group
	model   []chunks.TensorDecl
	rule    UpdateRule

	computeDType dtypes.DType
	policy       placement.Policy
	policyErr    error
	scaler       *amp.ScalerConfig

	searchLo, searchHi int
	searchInterval     int
	explicitCapacity   int

	keepGathered  bool
	pinHostMemory bool
}

// ComputeDType sets the low-precision compute dtype: Float16 or BFloat16.
func (c *Config) ComputeDType(dtype dtypes.DType) *Config {
	c.computeDType = dtype
	return c
}

// Placement sets a pre-built placement policy.
func (c *Config) Placement(policy placement.Policy) *Config {
	c.policy = policy
	return c
}

// StaticPlacement configures the static placement policy from its fractions.
func (c *Config) StaticPlacement(shardParamFrac, offloadOptimFrac, offloadParamFrac float64) *Config {
	c.policy, c.policyErr = placement.Static().
		ShardParamFrac(shardParamFrac).
		OffloadOptimFrac(offloadOptimFrac).
		OffloadParamFrac(offloadParamFrac).
		Done()
	return c
}

// AdaptivePlacement configures the adaptive (memory-pressure driven) policy
// with its default watermarks.
func (c *Config) AdaptivePlacement() *Config {
	c.policy, c.policyErr = placement.Adaptive().Done()
	return c
}

// SearchCapacityRange sets the chunk-capacity search range, in elements.
func (c *Config) SearchCapacityRange(lo, hi int) *Config {
	c.searchLo, c.searchHi = lo, hi
	return c
}

// SearchInterval sets the spacing between candidate capacities, in elements.
func (c *Config) SearchInterval(interval int) *Config {
	c.searchInterval = interval
	return c
}

// ExplicitCapacity skips the capacity search and forces the given capacity.
func (c *Config) ExplicitCapacity(capacity int) *Config {
	c.explicitCapacity = capacity
	return c
}

// KeepGathered pins parameter chunks to DEVICE_FULL for their whole life,
// regardless of the placement policy.
func (c *Config) KeepGathered(keep bool) *Config {
	c.keepGathered = keep
	return c
}

// PinHostMemory requests page-locked host buffers for offloaded chunks.
func (c *Config) PinHostMemory(pin bool) *Config {
	c.pinHostMemory = pin
	return c
}

// InitialLossScale sets the starting loss scale.
func (c *Config) InitialLossScale(scale float64) *Config {
	c.scaler.InitialScale(scale)
	return c
}

// ScaleGrowthFactor sets the loss-scale growth factor.
func (c *Config) ScaleGrowthFactor(factor float64) *Config {
	c.scaler.GrowthFactor(factor)
	return c
}

// ScaleGrowthInterval sets how many consecutive clean steps grow the scale.
func (c *Config) ScaleGrowthInterval(steps int) *Config {
	c.scaler.GrowthInterval(steps)
	return c
}

// MinLossScale sets the loss-scale floor.
func (c *Config) MinLossScale(scale float64) *Config {
	c.scaler.MinScale(scale)
	return c
}

// Done validates the configuration, plans the chunk layout, materializes all
// chunk groups, applies the placement policy and returns the Optimizer.
func (c *Config) Done() (*Optimizer, error) {
	if c.backend == nil || c.group == nil {
		return nil, chunks.Configurationf("zero: backend and group are required")
	}
	if c.rule == nil {
		return nil, chunks.Configurationf("zero: an update rule is required")
	}
	if c.computeDType != dtypes.Float16 && c.computeDType != dtypes.BFloat16 {
		return nil, chunks.Configurationf("zero: compute dtype must be Float16 or BFloat16, got %s", c.computeDType)
	}
	if c.policyErr != nil {
		return nil, c.policyErr
	}
	if c.policy == nil {
		policy, err := placement.Static().Done()
		if err != nil {
			return nil, err
		}
		c.policy = policy
	}
	scaler, err := c.scaler.Done()
	if err != nil {
		return nil, err
	}
	return newOptimizer(c, scaler)
}
