package zero

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/backends/purego"
	"github.com/chunkflow/chunkflow/chunks"
	"github.com/chunkflow/chunkflow/comm/inproc"
	"github.com/chunkflow/chunkflow/placement"
)

func init() {
	klog.InitFlags(nil)
}

// testModel spans two chunks at capacity 12: "w" and "b" pack the first one
// full, "u" half-fills the second, so sharded runs exercise empty owned ranges.
var testModel = []chunks.TensorDecl{
	{Name: "w", Dims: []int{2, 4}},
	{Name: "b", Dims: []int{4}},
	{Name: "u", Dims: []int{6}},
}

// initialValue and rawGradient pick values exactly representable in float16
// and bfloat16, so the distributed run must match the baseline bit for bit.
func initialValue(name string, idx int) float32 {
	return 0.25 * float32(len(name)+idx%5)
}

func rawGradient(rank int, flatIdx int) float32 {
	return 0.125 * float32(flatIdx+1) * float32(rank+1)
}

// flatOffset gives each tensor a distinct gradient range.
var flatOffset = map[string]int{"w": 0, "b": 8, "u": 12}

func modelValues(value func(name string, idx int) float32) map[string][]float32 {
	out := make(map[string][]float32, len(testModel))
	for _, decl := range testModel {
		values := make([]float32, decl.NumElements())
		for idx := range values {
			values[idx] = value(decl.Name, idx)
		}
		out[decl.Name] = values
	}
	return out
}

// runOptimizers drives fn on one goroutine per rank with a freshly built
// Optimizer and fails the test with every rank's error.
func runOptimizers(t *testing.T, world int, configure func(c *Config) *Config,
	fn func(rank int, opt *Optimizer) error) {
	t.Helper()
	groups := inproc.NewGroups(world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			rule, err := Adam().LearningRate(0.1).Done()
			if err != nil {
				errs[rank] = err
				return
			}
			config := New(purego.New(), groups[rank], testModel, rule).
				ExplicitCapacity(12).
				InitialLossScale(64)
			opt, err := configure(config).Done()
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = fn(rank, opt)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
}

// loadInitialValues sets every parameter on every rank.
func loadInitialValues(opt *Optimizer) error {
	for name, values := range modelValues(initialValue) {
		if err := opt.LoadParameter(name, values); err != nil {
			return err
		}
	}
	return nil
}

// accumulateScaledGradients feeds this rank's gradient, pre-multiplied by the
// current loss scale as a backward pass through ScaledLoss would produce.
func accumulateScaledGradients(opt *Optimizer, rank int) error {
	scale := float32(opt.Scale())
	for _, decl := range testModel {
		values := make([]float32, decl.NumElements())
		for idx := range values {
			values[idx] = rawGradient(rank, flatOffset[decl.Name]+idx) * scale
		}
		if err := opt.AccumulateGradient(decl.Name, values); err != nil {
			return err
		}
	}
	return nil
}

// baselineState runs the same steps on plain float32 slices with the group's
// average gradient: the reference every distributed configuration must match.
func baselineState(t *testing.T, world, steps int) map[string][]float32 {
	t.Helper()
	rule, err := Adam().LearningRate(0.1).Done()
	require.NoError(t, err)
	params := modelValues(initialValue)
	slots := make(map[string][][]float32, len(testModel))
	for _, decl := range testModel {
		slots[decl.Name] = [][]float32{
			make([]float32, decl.NumElements()),
			make([]float32, decl.NumElements()),
		}
	}
	for step := 1; step <= steps; step++ {
		for _, decl := range testModel {
			grads := make([]float32, decl.NumElements())
			for idx := range grads {
				for rank := 0; rank < world; rank++ {
					grads[idx] += rawGradient(rank, flatOffset[decl.Name]+idx)
				}
				grads[idx] /= float32(world)
			}
			rule.Step(params[decl.Name], grads, slots[decl.Name], int64(step), 1)
		}
	}
	return params
}

func requireStateMatches(rank int, got, want map[string][]float32, tolerance float64) error {
	for name, wantValues := range want {
		gotValues, found := got[name]
		if !found {
			return fmt.Errorf("rank %d: tensor %q missing from exported state", rank, name)
		}
		for idx := range wantValues {
			if math.Abs(float64(gotValues[idx]-wantValues[idx])) > tolerance {
				return fmt.Errorf("rank %d: %s[%d] = %g, want %g", rank, name, idx, gotValues[idx], wantValues[idx])
			}
		}
	}
	return nil
}

func TestOptimizerMatchesBaselineAcrossPlacements(t *testing.T) {
	const world = 4
	const steps = 3
	want := baselineState(t, world, steps)

	// Fraction triples: parameter sharding, optimizer-state offload,
	// parameter offload.
	for _, fracs := range [][3]float64{
		{0, 0, 0},
		{1, 0, 0},
		{1, 1, 0},
		{1, 1, 1},
		{0.5, 0.5, 0.5},
	} {
		for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16} {
			name := fmt.Sprintf("shard=%g,optim=%g,param=%g/%s", fracs[0], fracs[1], fracs[2], dtype)
			t.Run(name, func(t *testing.T) {
				runOptimizers(t, world,
					func(c *Config) *Config {
						return c.ComputeDType(dtype).StaticPlacement(fracs[0], fracs[1], fracs[2])
					},
					func(rank int, opt *Optimizer) error {
						if err := loadInitialValues(opt); err != nil {
							return err
						}
						for step := 0; step < steps; step++ {
							if err := accumulateScaledGradients(opt, rank); err != nil {
								return err
							}
							result, err := opt.Step()
							if err != nil {
								return err
							}
							if result.Skipped {
								return fmt.Errorf("rank %d: step %d unexpectedly skipped", rank, step)
							}
							if result.GlobalStep != int64(step+1) {
								return fmt.Errorf("rank %d: global step %d, want %d", rank, result.GlobalStep, step+1)
							}
							if err := opt.ZeroGradients(); err != nil {
								return err
							}
						}
						got, err := opt.ExportState(false)
						if err != nil {
							return err
						}
						return requireStateMatches(rank, got, want, 1e-6)
					})
			})
		}
	}
}

func TestOptimizerSingleWorkerMatchesBaseline(t *testing.T) {
	const steps = 5
	want := baselineState(t, 1, steps)
	runOptimizers(t, 1,
		func(c *Config) *Config { return c },
		func(rank int, opt *Optimizer) error {
			if err := loadInitialValues(opt); err != nil {
				return err
			}
			for step := 0; step < steps; step++ {
				if err := accumulateScaledGradients(opt, rank); err != nil {
					return err
				}
				if _, err := opt.Step(); err != nil {
					return err
				}
				if err := opt.ZeroGradients(); err != nil {
					return err
				}
			}
			got, err := opt.ExportState(false)
			if err != nil {
				return err
			}
			return requireStateMatches(rank, got, want, 1e-6)
		})
}

func TestOptimizerSkipsStepOnOverflow(t *testing.T) {
	const world = 2
	runOptimizers(t, world,
		func(c *Config) *Config { return c.StaticPlacement(1, 0, 0) },
		func(rank int, opt *Optimizer) error {
			if err := loadInitialValues(opt); err != nil {
				return err
			}
			before, err := opt.ExportState(false)
			if err != nil {
				return err
			}
			scaleBefore := opt.Scale()

			// Rank 1 produces an infinite gradient; the whole group must skip.
			if err := accumulateScaledGradients(opt, rank); err != nil {
				return err
			}
			if rank == 1 {
				poisoned := make([]float32, 4)
				poisoned[2] = float32(math.Inf(1))
				if err := opt.AccumulateGradient("b", poisoned); err != nil {
					return err
				}
			}
			result, err := opt.Step()
			if err != nil {
				return err
			}
			if !result.Skipped {
				return fmt.Errorf("rank %d: overflow step was not skipped", rank)
			}
			if result.GlobalStep != 0 {
				return fmt.Errorf("rank %d: skipped step advanced the global step to %d", rank, result.GlobalStep)
			}
			if result.Scale != scaleBefore/2 {
				return fmt.Errorf("rank %d: scale %g after overflow, want %g", rank, result.Scale, scaleBefore/2)
			}

			// No parameter may have moved.
			after, err := opt.ExportState(false)
			if err != nil {
				return err
			}
			if err := requireStateMatches(rank, after, before, 0); err != nil {
				return err
			}

			// The next clean step applies, at the reduced scale.
			if err := opt.ZeroGradients(); err != nil {
				return err
			}
			if err := accumulateScaledGradients(opt, rank); err != nil {
				return err
			}
			result, err = opt.Step()
			if err != nil {
				return err
			}
			if result.Skipped || result.GlobalStep != 1 {
				return fmt.Errorf("rank %d: recovery step got %+v", rank, result)
			}
			return nil
		})
}

func TestOptimizerPhaseGuards(t *testing.T) {
	runOptimizers(t, 1,
		func(c *Config) *Config { return c },
		func(rank int, opt *Optimizer) error {
			if opt.Phase() != PhaseAccumulating {
				return fmt.Errorf("fresh optimizer in phase %s", opt.Phase())
			}
			if err := accumulateScaledGradients(opt, rank); err != nil {
				return err
			}
			if _, err := opt.Step(); err != nil {
				return err
			}
			if opt.Phase() != PhaseDone {
				return fmt.Errorf("after Step, phase is %s", opt.Phase())
			}

			// Both re-entry paths must be refused until ZeroGradients rearms.
			if err := accumulateScaledGradients(opt, rank); err == nil {
				return fmt.Errorf("AccumulateGradient accepted in phase %s", opt.Phase())
			}
			if _, err := opt.Step(); err == nil {
				return fmt.Errorf("Step accepted twice without ZeroGradients")
			}
			if err := opt.ZeroGradients(); err != nil {
				return err
			}
			if opt.Phase() != PhaseAccumulating {
				return fmt.Errorf("after ZeroGradients, phase is %s", opt.Phase())
			}
			return nil
		})
}

func TestOptimizerInputValidation(t *testing.T) {
	runOptimizers(t, 1,
		func(c *Config) *Config { return c },
		func(rank int, opt *Optimizer) error {
			if err := opt.LoadParameter("nope", []float32{1}); err == nil {
				return fmt.Errorf("LoadParameter accepted an unknown tensor")
			}
			if err := opt.LoadParameter("b", []float32{1}); err == nil {
				return fmt.Errorf("LoadParameter accepted a wrong-sized value")
			}
			if err := opt.AccumulateGradient("nope", []float32{1}); err == nil {
				return fmt.Errorf("AccumulateGradient accepted an unknown tensor")
			}
			if err := opt.AccumulateGradient("b", []float32{1}); err == nil {
				return fmt.Errorf("AccumulateGradient accepted a wrong-sized value")
			}
			if _, err := opt.ComputeParameter("nope"); err == nil {
				return fmt.Errorf("ComputeParameter accepted an unknown tensor")
			}
			return nil
		})
}

func TestExportStateOnlyRank0(t *testing.T) {
	const world = 2
	runOptimizers(t, world,
		func(c *Config) *Config { return c.StaticPlacement(1, 0, 0) },
		func(rank int, opt *Optimizer) error {
			if err := loadInitialValues(opt); err != nil {
				return err
			}
			state, err := opt.ExportState(true)
			if err != nil {
				return err
			}
			if rank == 0 {
				return requireStateMatches(rank, state, modelValues(initialValue), 0)
			}
			if state != nil {
				return fmt.Errorf("rank %d received state from a rank-0-only export", rank)
			}
			return nil
		})
}

func TestExportStateDTypeTruncates(t *testing.T) {
	runOptimizers(t, 1,
		func(c *Config) *Config { return c },
		func(rank int, opt *Optimizer) error {
			// 1/3 is inexact in every float format: the float16 export must
			// differ from the float32 one by the truncation error.
			values := make([]float32, 8)
			for idx := range values {
				values[idx] = 1.0 / 3
			}
			if err := opt.LoadParameter("w", values); err != nil {
				return err
			}
			full, err := opt.ExportState(false)
			if err != nil {
				return err
			}
			truncated, err := opt.ExportStateDType(false, dtypes.Float16)
			if err != nil {
				return err
			}
			if full["w"][0] != values[0] {
				return fmt.Errorf("float32 export altered the master value")
			}
			if truncated["w"][0] == full["w"][0] {
				return fmt.Errorf("float16 export did not truncate")
			}
			// And the truncated export matches the compute-precision copy.
			computed, err := opt.ComputeParameter("w")
			if err != nil {
				return err
			}
			if computed[0] != truncated["w"][0] {
				return fmt.Errorf("compute copy %g differs from float16 export %g", computed[0], truncated["w"][0])
			}
			return nil
		})
}

func TestTensorNames(t *testing.T) {
	runOptimizers(t, 1,
		func(c *Config) *Config { return c },
		func(rank int, opt *Optimizer) error {
			names := opt.TensorNames()
			if len(names) != 3 || names[0] != "b" || names[1] != "u" || names[2] != "w" {
				return fmt.Errorf("TensorNames = %v", names)
			}
			return nil
		})
}

func TestSyncParametersBroadcastsRank0(t *testing.T) {
	const world = 2
	runOptimizers(t, world,
		func(c *Config) *Config { return c },
		func(rank int, opt *Optimizer) error {
			// Ranks load diverging values, then rank 0's win.
			values := modelValues(initialValue)
			if rank != 0 {
				for _, tensor := range values {
					for idx := range tensor {
						tensor[idx] += 1
					}
				}
			}
			for name, tensor := range values {
				if err := opt.LoadParameter(name, tensor); err != nil {
					return err
				}
			}
			if err := opt.SyncParameters(); err != nil {
				return err
			}
			state, err := opt.ExportState(false)
			if err != nil {
				return err
			}
			return requireStateMatches(rank, state, modelValues(initialValue), 0)
		})
}

func TestConfigValidation(t *testing.T) {
	backend := purego.New()
	group := inproc.NewGroups(1)[0]
	rule, err := Adam().Done()
	require.NoError(t, err)

	_, err = New(backend, group, testModel, rule).ComputeDType(dtypes.Float32).Done()
	require.True(t, chunks.IsConfiguration(err))

	_, err = New(backend, group, testModel, nil).Done()
	require.True(t, chunks.IsConfiguration(err))

	_, err = New(nil, nil, testModel, rule).Done()
	require.True(t, chunks.IsConfiguration(err))

	// A bad placement fraction surfaces at Done.
	_, err = New(backend, group, testModel, rule).StaticPlacement(2, 0, 0).Done()
	require.True(t, chunks.IsConfiguration(err))

	// Planner failures propagate: the explicit capacity is below the
	// largest tensor.
	_, err = New(backend, group, testModel, rule).ExplicitCapacity(4).Done()
	require.True(t, chunks.IsConfiguration(err))
}

func TestOptimizerWithAdaptivePlacement(t *testing.T) {
	// Registration allocates everything DEVICE_FULL before the policy runs,
	// so a device too small for the chunk groups fails construction outright.
	backend, err := purego.NewWithConfig("device=256B")
	require.NoError(t, err)
	group := inproc.NewGroups(1)[0]
	rule, err := Adam().Done()
	require.NoError(t, err)
	_, err = New(backend, group, testModel, rule).AdaptivePlacement().Done()
	require.ErrorContains(t, err, "out of device memory")

	// With an unbounded device the adaptive policy is a no-op and the
	// optimizer behaves like the all-device static configuration.
	want := baselineState(t, 1, 2)
	runOptimizers(t, 1,
		func(c *Config) *Config { return c.AdaptivePlacement() },
		func(rank int, opt *Optimizer) error {
			if err := loadInitialValues(opt); err != nil {
				return err
			}
			for step := 0; step < 2; step++ {
				if err := accumulateScaledGradients(opt, rank); err != nil {
					return err
				}
				if _, err := opt.Step(); err != nil {
					return err
				}
				if err := opt.ZeroGradients(); err != nil {
					return err
				}
			}
			got, err := opt.ExportState(false)
			if err != nil {
				return err
			}
			return requireStateMatches(rank, got, want, 1e-6)
		})
}

func TestKeepGatheredPinsParameters(t *testing.T) {
	policy, err := placement.Static().ShardParamFrac(1).Done()
	require.NoError(t, err)
	runOptimizers(t, 2,
		func(c *Config) *Config { return c.KeepGathered(true).Placement(policy) },
		func(rank int, opt *Optimizer) error {
			// Sharding is requested but parameters are pinned: every
			// parameter chunk must still be device-resident and full.
			for _, id := range opt.Manager().GroupChunkIDs(paramGroup) {
				if tier := opt.Manager().Chunk(id).Tier(); tier != chunks.DeviceFull {
					return fmt.Errorf("rank %d: pinned parameter chunk %d is %s", rank, id, tier)
				}
			}
			return nil
		})
}
