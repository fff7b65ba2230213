package purego

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/backends"
)

func init() {
	klog.InitFlags(nil)
}

func TestConfigParsing(t *testing.T) {
	b, err := NewWithConfig("")
	require.NoError(t, err)
	require.Zero(t, b.DeviceMemStats().Capacity)
	require.Zero(t, b.HostMemStats().Capacity)

	b, err = NewWithConfig("device=1MiB,host=2MiB")
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), b.DeviceMemStats().Capacity)
	require.Equal(t, int64(2<<20), b.HostMemStats().Capacity)

	_, err = NewWithConfig("device=1MiB,bogus=3")
	require.Error(t, err)
	_, err = NewWithConfig("device")
	require.Error(t, err)
}

func TestAllocAccountingAndCapacity(t *testing.T) {
	b, err := NewWithConfig("device=1KiB")
	require.NoError(t, err)

	// 128 float32 elements = 512 bytes on the device.
	buf, err := b.Alloc(dtypes.Float32, 128, backends.Device, false)
	require.NoError(t, err)
	require.Equal(t, int64(512), b.DeviceMemStats().InUse)
	require.Equal(t, int64(512), b.DeviceMemStats().Headroom())

	// A second 512-byte buffer fills the device exactly.
	buf2, err := b.Alloc(dtypes.Float32, 128, backends.Device, false)
	require.NoError(t, err)
	require.Zero(t, b.DeviceMemStats().Headroom())

	// The next allocation must fail and leave accounting untouched.
	_, err = b.Alloc(dtypes.Float32, 1, backends.Device, false)
	require.ErrorContains(t, err, "out of device memory")
	require.Equal(t, int64(1024), b.DeviceMemStats().InUse)

	// Host is unbounded and accounted separately.
	hostBuf, err := b.Alloc(dtypes.Float32, 128, backends.Host, true)
	require.NoError(t, err)
	require.Equal(t, int64(512), b.HostMemStats().InUse)

	require.NoError(t, b.Free(buf))
	require.NoError(t, b.Free(buf2))
	require.NoError(t, b.Free(hostBuf))
	require.Zero(t, b.DeviceMemStats().InUse)
	require.Zero(t, b.HostMemStats().InUse)
}

func TestFreedBufferIsRejected(t *testing.T) {
	b := New()
	buf, err := b.Alloc(dtypes.Float32, 8, backends.Device, false)
	require.NoError(t, err)
	require.NoError(t, b.Free(buf))
	require.Error(t, b.Free(buf))
	require.Error(t, b.Zero(buf, 0, 8))
	require.Panics(t, func() { _ = buf.Flat() })
}

func TestAllocReturnsZeroed(t *testing.T) {
	b := New()
	buf, err := b.Alloc(dtypes.Float32, 4, backends.Device, false)
	require.NoError(t, err)
	flat := buf.Flat().([]float32)
	copy(flat, []float32{1, 2, 3, 4})
	require.NoError(t, b.Free(buf))

	// The pool recycles the storage; a fresh Alloc must not see stale values.
	buf, err = b.Alloc(dtypes.Float32, 4, backends.Device, false)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0, 0, 0}, buf.Flat().([]float32))
	require.NoError(t, b.Free(buf))
}

func TestCopyAndZero(t *testing.T) {
	b := New()
	src, err := b.Alloc(dtypes.Float32, 6, backends.Device, false)
	require.NoError(t, err)
	dst, err := b.Alloc(dtypes.Float32, 6, backends.Host, false)
	require.NoError(t, err)
	copy(src.Flat().([]float32), []float32{1, 2, 3, 4, 5, 6})

	require.NoError(t, b.Copy(dst, 2, src, 1, 3))
	require.Equal(t, []float32{0, 0, 2, 3, 4, 0}, dst.Flat().([]float32))

	require.NoError(t, b.Zero(dst, 2, 2))
	require.Equal(t, []float32{0, 0, 0, 0, 4, 0}, dst.Flat().([]float32))

	require.Error(t, b.Copy(dst, 4, src, 0, 3)) // out of range
	half, err := b.Alloc(dtypes.Float16, 6, backends.Device, false)
	require.NoError(t, err)
	require.ErrorContains(t, b.Copy(half, 0, src, 0, 6), "dtype mismatch")
}

func TestConvertRoundTrip(t *testing.T) {
	b := New()
	values := []float32{0, 1, -2.5, 0.25, 1024}
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float64} {
		full, err := b.Alloc(dtypes.Float32, len(values), backends.Device, false)
		require.NoError(t, err)
		copy(full.Flat().([]float32), values)
		low, err := b.Alloc(dtype, len(values), backends.Device, false)
		require.NoError(t, err)
		back, err := b.Alloc(dtypes.Float32, len(values), backends.Device, false)
		require.NoError(t, err)

		require.NoError(t, b.Convert(low, 0, full, 0, len(values)))
		require.NoError(t, b.Convert(back, 0, low, 0, len(values)))
		// All test values are exactly representable in every dtype tried.
		require.Equal(t, values, back.Flat().([]float32), "dtype %s", dtype)
	}
}

func TestAccumulate(t *testing.T) {
	b := New()
	acc, err := b.Alloc(dtypes.Float32, 4, backends.Device, false)
	require.NoError(t, err)
	delta, err := b.Alloc(dtypes.Float32, 4, backends.Device, false)
	require.NoError(t, err)
	copy(acc.Flat().([]float32), []float32{1, 1, 1, 1})
	copy(delta.Flat().([]float32), []float32{0.5, 1, 1.5, 2})

	require.NoError(t, b.Accumulate(acc, 0, delta, 0, 4))
	require.NoError(t, b.Accumulate(acc, 2, delta, 0, 2))
	require.Equal(t, []float32{1.5, 2, 3, 4}, acc.Flat().([]float32))
}

func TestHasNonFinite(t *testing.T) {
	b := New()
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
		buf, err := b.Alloc(dtypes.Float32, 4, backends.Device, false)
		require.NoError(t, err)
		copy(buf.Flat().([]float32), []float32{1, float32(math.Inf(1)), 3, float32(math.NaN())})
		low, err := b.Alloc(dtype, 4, backends.Device, false)
		require.NoError(t, err)
		require.NoError(t, b.Convert(low, 0, buf, 0, 4))

		got, err := b.HasNonFinite(low, 0, 4)
		require.NoError(t, err)
		require.True(t, got, "dtype %s", dtype)

		// The leading finite prefix is clean.
		got, err = b.HasNonFinite(low, 0, 1)
		require.NoError(t, err)
		require.False(t, got, "dtype %s", dtype)
	}
}

func TestReadWriteFloat32s(t *testing.T) {
	b := New()
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16, dtypes.Float64} {
		buf, err := b.Alloc(dtype, 8, backends.Device, false)
		require.NoError(t, err)
		want := []float32{0.5, -1, 2, 3}
		require.NoError(t, backends.WriteFloat32s(buf, 2, want))
		got := make([]float32, 4)
		require.NoError(t, backends.ReadFloat32s(buf, 2, got))
		require.Equal(t, want, got, "dtype %s", dtype)
	}
}
