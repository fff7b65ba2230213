// Package amp implements the mixed-precision bookkeeping: the dynamic
// loss-scale state machine and the global overflow check over reduced
// gradient chunks.
package amp

import (
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/backends"
	"github.com/chunkflow/chunkflow/chunks"
	"github.com/chunkflow/chunkflow/comm"
)

const (
	DefaultInitialScale   = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultGrowthInterval = 1000
	DefaultMinScale       = 1.0

	// backoffFactor halves the scale on overflow. Fixed, not configurable:
	// halving is the only backoff the step-skip accounting is calibrated for.
	backoffFactor = 0.5
)

// Scaler starts the configuration of a loss scaler.
func Scaler() *ScalerConfig {
	return &ScalerConfig{
		initialScale:   DefaultInitialScale,
		growthFactor:   DefaultGrowthFactor,
		growthInterval: DefaultGrowthInterval,
		minScale:       DefaultMinScale,
	}
}

// ScalerConfig is built with Scaler and finished with Done.
type ScalerConfig struct {
	initialScale   float64
	growthFactor   float64
	growthInterval int
	minScale       float64
}

// InitialScale sets the starting loss scale.
func (c *ScalerConfig) InitialScale(scale float64) *ScalerConfig {
	c.initialScale = scale
	return c
}

// GrowthFactor sets the multiplier applied after GrowthInterval clean steps.
func (c *ScalerConfig) GrowthFactor(factor float64) *ScalerConfig {
	c.growthFactor = factor
	return c
}

// GrowthInterval sets how many consecutive overflow-free steps grow the scale.
func (c *ScalerConfig) GrowthInterval(steps int) *ScalerConfig {
	c.growthInterval = steps
	return c
}

// MinScale sets the floor the scale never drops below.
func (c *ScalerConfig) MinScale(scale float64) *ScalerConfig {
	c.minScale = scale
	return c
}

// Done validates and returns the scaler. The scaler's lifecycle is tied to
// the optimizer that owns it; it is never reset except by building a new one.
func (c *ScalerConfig) Done() (*LossScaler, error) {
	if c.initialScale <= 0 {
		return nil, chunks.Configurationf("amp: initial loss scale must be positive, got %g", c.initialScale)
	}
	if c.growthFactor <= 1 {
		return nil, chunks.Configurationf("amp: scale growth factor must be > 1, got %g", c.growthFactor)
	}
	if c.growthInterval <= 0 {
		return nil, chunks.Configurationf("amp: scale growth interval must be positive, got %d", c.growthInterval)
	}
	if c.minScale <= 0 || c.minScale > c.initialScale {
		return nil, chunks.Configurationf("amp: min scale must be in (0, initial scale], got %g", c.minScale)
	}
	return &LossScaler{config: *c, scale: c.initialScale}, nil
}

// LossScaler holds the process-wide dynamic loss-scale state: the current
// scale and the count of consecutive clean steps. Mutated exactly once per
// step, via Update.
type LossScaler struct {
	config     ScalerConfig
	scale      float64
	cleanSteps int
}

// Scale returns the current loss scale.
func (s *LossScaler) Scale() float64 { return s.scale }

// ScaledLoss returns loss * scale, to be applied before the backward pass.
func (s *LossScaler) ScaledLoss(loss float64) float64 { return loss * s.scale }

// Update advances the scale state machine once per step: on overflow the
// scale halves (floored at the minimum) and the clean-step counter resets;
// otherwise the counter advances and, on reaching the growth interval, the
// scale grows by the growth factor exactly once.
func (s *LossScaler) Update(overflow bool) {
	if overflow {
		s.scale *= backoffFactor
		if s.scale < s.config.minScale {
			s.scale = s.config.minScale
		}
		s.cleanSteps = 0
		klog.V(1).Infof("amp: overflow, loss scale backed off to %g", s.scale)
		return
	}
	s.cleanSteps++
	if s.cleanSteps >= s.config.growthInterval {
		s.scale *= s.config.growthFactor
		s.cleanSteps = 0
		klog.V(1).Infof("amp: %d clean steps, loss scale grown to %g", s.config.growthInterval, s.scale)
	}
}

// Coordinator runs the global overflow decision: each worker scans the
// gradient ranges it owns, and one small max-reduction makes the skip/update
// decision identical on every worker.
type Coordinator struct {
	backend backends.Backend
	group   comm.Group
}

// NewCoordinator builds a Coordinator over the given backend and group.
func NewCoordinator(backend backends.Backend, group comm.Group) *Coordinator {
	return &Coordinator{backend: backend, group: group}
}

// CheckGlobalOverflow scans the owned range of every given gradient chunk for
// non-finite values and agrees on the verdict group-wide. It must run after
// reduction completes and before any optimizer-state update touches the
// chunks.
func (c *Coordinator) CheckGlobalOverflow(m *chunks.Manager, gradChunkIDs []int) (bool, error) {
	localOverflow := false
	for _, id := range gradChunkIDs {
		buf, bufOff, _, n, err := m.OwnedRange(id)
		if err != nil {
			return false, err
		}
		if n == 0 {
			continue
		}
		nonFinite, err := c.backend.HasNonFinite(buf, bufOff, n)
		if err != nil {
			return false, err
		}
		if nonFinite {
			localOverflow = true
			break
		}
	}

	flag, err := c.backend.Alloc(dtypes.Float32, 1, backends.Host, false)
	if err != nil {
		return false, err
	}
	defer func() { _ = c.backend.Free(flag) }()
	value := []float32{0}
	if localOverflow {
		value[0] = 1
	}
	if err := backends.WriteFloat32s(flag, 0, value); err != nil {
		return false, err
	}
	if err := c.group.AllReduce(flag, comm.ReduceMax); err != nil {
		return false, err
	}
	if err := backends.ReadFloat32s(flag, 0, value); err != nil {
		return false, err
	}
	return value[0] > 0.5, nil
}
