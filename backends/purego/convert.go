package purego

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/chunkflow/chunkflow/backends"
)

// convertFloat32SliceToFloat16 converts a Float32 segment to Float16.
func convertFloat32SliceToFloat16(input []float32, output []float16.Float16) {
	for idx, value := range input {
		output[idx] = float16.Fromfloat32(value)
	}
}

// convertFloat16SliceToFloat32 converts a Float16 segment to Float32.
func convertFloat16SliceToFloat32(input []float16.Float16, output []float32) {
	for idx, value := range input {
		output[idx] = value.Float32()
	}
}

// loadFn reads element idx of a flat slice as float32.
type loadFn func(idx int) float32

// storeFn writes element idx of a flat slice from float32.
type storeFn func(idx int, value float32)

func loaderFor(flat any) loadFn {
	switch typed := flat.(type) {
	case []float32:
		return func(idx int) float32 { return typed[idx] }
	case []float64:
		return func(idx int) float32 { return float32(typed[idx]) }
	case []float16.Float16:
		return func(idx int) float32 { return typed[idx].Float32() }
	case []bfloat16.BFloat16:
		return func(idx int) float32 { return typed[idx].Float32() }
	}
	return nil
}

func storerFor(flat any) storeFn {
	switch typed := flat.(type) {
	case []float32:
		return func(idx int, value float32) { typed[idx] = value }
	case []float64:
		return func(idx int, value float32) { typed[idx] = float64(value) }
	case []float16.Float16:
		return func(idx int, value float32) { typed[idx] = float16.Fromfloat32(value) }
	case []bfloat16.BFloat16:
		return func(idx int, value float32) { typed[idx] = bfloat16.FromFloat32(value) }
	}
	return nil
}

// Convert implements backends.Backend.
func (b *Backend) Convert(dst backends.Buffer, dstOff int, src backends.Buffer, srcOff, n int) error {
	dstBuf, err := b.ownBuffer(dst, "Convert(dst)")
	if err != nil {
		return err
	}
	srcBuf, err := b.ownBuffer(src, "Convert(src)")
	if err != nil {
		return err
	}
	if err := checkRange(dstBuf, dstOff, n, "Convert(dst)"); err != nil {
		return err
	}
	if err := checkRange(srcBuf, srcOff, n, "Convert(src)"); err != nil {
		return err
	}
	if dstBuf.dtype == srcBuf.dtype {
		return b.Copy(dst, dstOff, src, srcOff, n)
	}

	// Fast paths for the common master<->compute truncation pair.
	if srcBuf.dtype == dtypes.Float32 && dstBuf.dtype == dtypes.Float16 {
		convertFloat32SliceToFloat16(
			srcBuf.flat.([]float32)[srcOff:srcOff+n],
			dstBuf.flat.([]float16.Float16)[dstOff:dstOff+n])
		return nil
	}
	if srcBuf.dtype == dtypes.Float16 && dstBuf.dtype == dtypes.Float32 {
		convertFloat16SliceToFloat32(
			srcBuf.flat.([]float16.Float16)[srcOff:srcOff+n],
			dstBuf.flat.([]float32)[dstOff:dstOff+n])
		return nil
	}

	load := loaderFor(srcBuf.flat)
	store := storerFor(dstBuf.flat)
	if load == nil || store == nil {
		return errors.Errorf("purego.Convert: unsupported dtype pair %s -> %s", srcBuf.dtype, dstBuf.dtype)
	}
	for idx := 0; idx < n; idx++ {
		store(dstOff+idx, load(srcOff+idx))
	}
	return nil
}

// Accumulate implements backends.Backend.
func (b *Backend) Accumulate(dst backends.Buffer, dstOff int, src backends.Buffer, srcOff, n int) error {
	dstBuf, err := b.ownBuffer(dst, "Accumulate(dst)")
	if err != nil {
		return err
	}
	srcBuf, err := b.ownBuffer(src, "Accumulate(src)")
	if err != nil {
		return err
	}
	if dstBuf.dtype != srcBuf.dtype {
		return errors.Errorf("purego.Accumulate: dtype mismatch, dst=%s src=%s", dstBuf.dtype, srcBuf.dtype)
	}
	if err := checkRange(dstBuf, dstOff, n, "Accumulate(dst)"); err != nil {
		return err
	}
	if err := checkRange(srcBuf, srcOff, n, "Accumulate(src)"); err != nil {
		return err
	}
	switch dstFlat := dstBuf.flat.(type) {
	case []float32:
		srcFlat := srcBuf.flat.([]float32)
		for idx := 0; idx < n; idx++ {
			dstFlat[dstOff+idx] += srcFlat[srcOff+idx]
		}
	case []float64:
		srcFlat := srcBuf.flat.([]float64)
		for idx := 0; idx < n; idx++ {
			dstFlat[dstOff+idx] += srcFlat[srcOff+idx]
		}
	case []float16.Float16:
		srcFlat := srcBuf.flat.([]float16.Float16)
		for idx := 0; idx < n; idx++ {
			sum := dstFlat[dstOff+idx].Float32() + srcFlat[srcOff+idx].Float32()
			dstFlat[dstOff+idx] = float16.Fromfloat32(sum)
		}
	case []bfloat16.BFloat16:
		srcFlat := srcBuf.flat.([]bfloat16.BFloat16)
		for idx := 0; idx < n; idx++ {
			sum := dstFlat[dstOff+idx].Float32() + srcFlat[srcOff+idx].Float32()
			dstFlat[dstOff+idx] = bfloat16.FromFloat32(sum)
		}
	default:
		return errors.Errorf("purego.Accumulate: unsupported dtype %s", dstBuf.dtype)
	}
	return nil
}

// HasNonFinite implements backends.Backend.
func (b *Backend) HasNonFinite(buf backends.Buffer, off, n int) (bool, error) {
	buffer, err := b.ownBuffer(buf, "HasNonFinite")
	if err != nil {
		return false, err
	}
	if err := checkRange(buffer, off, n, "HasNonFinite"); err != nil {
		return false, err
	}
	load := loaderFor(buffer.flat)
	if load == nil {
		// Integer dtypes have no non-finite values.
		return false, nil
	}
	for idx := 0; idx < n; idx++ {
		value := float64(load(off + idx))
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return true, nil
		}
	}
	return false, nil
}
