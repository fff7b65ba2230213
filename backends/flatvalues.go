package backends

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ReadFloat32s reads len(dst) elements from buf[off:] into dst, converting
// from the buffer's dtype. Works for any backend whose Flat returns the
// standard slice types for float dtypes.
func ReadFloat32s(buf Buffer, off int, dst []float32) error {
	switch flat := buf.Flat().(type) {
	case []float32:
		copy(dst, flat[off:off+len(dst)])
	case []float64:
		for idx := range dst {
			dst[idx] = float32(flat[off+idx])
		}
	case []float16.Float16:
		for idx := range dst {
			dst[idx] = flat[off+idx].Float32()
		}
	case []bfloat16.BFloat16:
		for idx := range dst {
			dst[idx] = flat[off+idx].Float32()
		}
	default:
		return errors.Errorf("backends.ReadFloat32s: unsupported buffer dtype %s", buf.DType())
	}
	return nil
}

// WriteFloat32s writes src into buf[off:], converting to the buffer's dtype.
func WriteFloat32s(buf Buffer, off int, src []float32) error {
	switch flat := buf.Flat().(type) {
	case []float32:
		copy(flat[off:off+len(src)], src)
	case []float64:
		for idx, value := range src {
			flat[off+idx] = float64(value)
		}
	case []float16.Float16:
		for idx, value := range src {
			flat[off+idx] = float16.Fromfloat32(value)
		}
	case []bfloat16.BFloat16:
		for idx, value := range src {
			flat[off+idx] = bfloat16.FromFloat32(value)
		}
	default:
		return errors.Errorf("backends.WriteFloat32s: unsupported buffer dtype %s", buf.DType())
	}
	return nil
}
