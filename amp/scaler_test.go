package amp

import (
	"math"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/backends"
	"github.com/chunkflow/chunkflow/backends/purego"
	"github.com/chunkflow/chunkflow/chunks"
	"github.com/chunkflow/chunkflow/comm/inproc"
)

func init() {
	klog.InitFlags(nil)
}

func TestScalerValidation(t *testing.T) {
	for name, build := range map[string]*ScalerConfig{
		"zero initial scale":    Scaler().InitialScale(0),
		"growth factor of one":  Scaler().GrowthFactor(1),
		"zero growth interval":  Scaler().GrowthInterval(0),
		"zero min scale":        Scaler().MinScale(0),
		"min above the initial": Scaler().InitialScale(8).MinScale(16),
	} {
		_, err := build.Done()
		require.True(t, chunks.IsConfiguration(err), "%s must be rejected", name)
	}
}

func TestScalerBacksOffOnOverflowAndFloors(t *testing.T) {
	scaler, err := Scaler().InitialScale(8).MinScale(2).Done()
	require.NoError(t, err)
	require.Equal(t, 8.0, scaler.Scale())
	require.Equal(t, 24.0, scaler.ScaledLoss(3))

	scaler.Update(true)
	require.Equal(t, 4.0, scaler.Scale())
	scaler.Update(true)
	require.Equal(t, 2.0, scaler.Scale())
	scaler.Update(true) // floored
	require.Equal(t, 2.0, scaler.Scale())
}

func TestScalerGrowsAfterCleanInterval(t *testing.T) {
	scaler, err := Scaler().InitialScale(1024).GrowthInterval(3).Done()
	require.NoError(t, err)

	scaler.Update(false)
	scaler.Update(false)
	require.Equal(t, 1024.0, scaler.Scale()) // two clean steps: not yet
	scaler.Update(false)
	require.Equal(t, 2048.0, scaler.Scale()) // exactly at the interval

	// The counter restarts after growth, and an overflow resets it: growth
	// needs a full interval of consecutive clean steps.
	scaler.Update(false)
	scaler.Update(false)
	scaler.Update(true)
	require.Equal(t, 1024.0, scaler.Scale())
	scaler.Update(false)
	scaler.Update(false)
	scaler.Update(false)
	require.Equal(t, 2048.0, scaler.Scale())
}

// writeGrads puts values into the owned range of the group's single chunk.
func writeGrads(m *chunks.Manager, id int, values []float32) error {
	buf, bufOff, globalOff, n, err := m.OwnedRange(id)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return backends.WriteFloat32s(buf, bufOff, values[globalOff:globalOff+n])
}

func TestCheckGlobalOverflowAgreesGroupWide(t *testing.T) {
	const world = 4
	groups := inproc.NewGroups(world)

	// dirtyRank poisons its local gradients; every rank must still reach the
	// same verdict. -1 means no rank overflows.
	for _, dirtyRank := range []int{-1, 0, 2} {
		verdicts := make([]bool, world)
		errs := make([]error, world)
		var wg sync.WaitGroup
		for rank := 0; rank < world; rank++ {
			wg.Add(1)
			go func(rank int) {
				defer wg.Done()
				backend := purego.New()
				m := chunks.NewManager(backend, groups[rank], chunks.ManagerOptions{})
				layouts, err := chunks.Plan([]chunks.TensorDecl{{Name: "g", Dims: []int{16}}}).
					ExplicitCapacity(16).WorldSizes(world).Done()
				if err != nil {
					errs[rank] = err
					return
				}
				ids, err := m.RegisterGroup("grad", layouts[world], chunks.KindGradient, dtypes.Float32, true)
				if err != nil {
					errs[rank] = err
					return
				}
				values := make([]float32, 16)
				for idx := range values {
					values[idx] = float32(idx)
				}
				if rank == dirtyRank {
					values[5] = float32(math.Inf(1))
				}
				if errs[rank] = writeGrads(m, ids[0], values); errs[rank] != nil {
					return
				}
				coord := NewCoordinator(backend, groups[rank])
				verdicts[rank], errs[rank] = coord.CheckGlobalOverflow(m, ids)
			}(rank)
		}
		wg.Wait()
		for rank := 0; rank < world; rank++ {
			require.NoErrorf(t, errs[rank], "rank %d (dirty rank %d)", rank, dirtyRank)
			require.Equalf(t, dirtyRank >= 0, verdicts[rank], "rank %d (dirty rank %d)", rank, dirtyRank)
		}
	}
}

func TestCheckGlobalOverflowDetectsNaN(t *testing.T) {
	backend := purego.New()
	group := inproc.NewGroups(1)[0]
	m := chunks.NewManager(backend, group, chunks.ManagerOptions{})
	layouts, err := chunks.Plan([]chunks.TensorDecl{{Name: "g", Dims: []int{8}}}).
		ExplicitCapacity(8).Done()
	require.NoError(t, err)
	ids, err := m.RegisterGroup("grad", layouts[1], chunks.KindGradient, dtypes.Float16, true)
	require.NoError(t, err)

	coord := NewCoordinator(backend, group)
	overflow, err := coord.CheckGlobalOverflow(m, ids)
	require.NoError(t, err)
	require.False(t, overflow)

	require.NoError(t, writeGrads(m, ids[0], []float32{1, 2, float32(math.NaN()), 4, 5, 6, 7, 8}))
	overflow, err = coord.CheckGlobalOverflow(m, ids)
	require.NoError(t, err)
	require.True(t, overflow)
}
