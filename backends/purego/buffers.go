package purego

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/chunkflow/chunkflow/backends"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Buffer holds a flat Go slice plus its tier bookkeeping.
//
// The flat data may be recycled through the backend pools, so a freed buffer
// must never be used again -- `valid` catches the common offenders.
type Buffer struct {
	dtype dtypes.DType
	loc   backends.Location

	// flat is always a slice of the dtype's Go type, len == cap == numElements.
	flat  any
	valid bool
}

var _ backends.Buffer = (*Buffer)(nil)

// DType implements backends.Buffer.
func (buf *Buffer) DType() dtypes.DType { return buf.dtype }

// Len implements backends.Buffer.
func (buf *Buffer) Len() int { return reflect.ValueOf(buf.flat).Len() }

// Location implements backends.Buffer.
func (buf *Buffer) Location() backends.Location { return buf.loc }

// Flat implements backends.Buffer.
func (buf *Buffer) Flat() any {
	if !buf.valid {
		exceptions.Panicf("purego.Buffer.Flat: buffer was already freed")
	}
	return buf.flat
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for the given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					dtype: dtype,
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// accountFor returns the usage counter and the capacity (0 for unbounded) of a tier.
func (b *Backend) accountFor(loc backends.Location) (*atomic.Int64, int64) {
	if loc == backends.Device {
		return &b.deviceInUse, b.deviceCapacity
	}
	return &b.hostInUse, b.hostCapacity
}

// Alloc implements backends.Backend.
//
// The pinned hint is accepted and ignored: plain Go memory is not page-locked.
func (b *Backend) Alloc(dtype dtypes.DType, numElements int, loc backends.Location, _ bool) (backends.Buffer, error) {
	if numElements <= 0 {
		return nil, errors.Errorf("purego.Alloc: numElements must be positive, got %d", numElements)
	}
	byteSize := int64(dtype.Memory()) * int64(numElements)
	account, capacity := b.accountFor(loc)
	if newInUse := account.Add(byteSize); capacity > 0 && newInUse > capacity {
		account.Add(-byteSize)
		return nil, errors.Errorf("purego.Alloc: out of %s memory: requested %s, in use %s of %s",
			loc, humanBytes(byteSize), humanBytes(newInUse-byteSize), humanBytes(capacity))
	}
	buffer := b.getBufferPool(dtype, numElements).Get().(*Buffer)
	buffer.loc = loc
	buffer.valid = true
	if err := b.Zero(buffer, 0, numElements); err != nil {
		return nil, err
	}
	return buffer, nil
}

// Free implements backends.Backend: returns the buffer to its pool.
func (b *Backend) Free(buf backends.Buffer) error {
	buffer, err := b.ownBuffer(buf, "Free")
	if err != nil {
		return err
	}
	buffer.valid = false
	account, _ := b.accountFor(buffer.loc)
	account.Add(-int64(buffer.dtype.Memory()) * int64(buffer.Len()))
	b.getBufferPool(buffer.dtype, buffer.Len()).Put(buffer)
	return nil
}

// Copy implements backends.Backend.
func (b *Backend) Copy(dst backends.Buffer, dstOff int, src backends.Buffer, srcOff, n int) error {
	dstBuf, err := b.ownBuffer(dst, "Copy(dst)")
	if err != nil {
		return err
	}
	srcBuf, err := b.ownBuffer(src, "Copy(src)")
	if err != nil {
		return err
	}
	if dstBuf.dtype != srcBuf.dtype {
		return errors.Errorf("purego.Copy: dtype mismatch, dst=%s src=%s (use Convert)", dstBuf.dtype, srcBuf.dtype)
	}
	if err := checkRange(dstBuf, dstOff, n, "Copy(dst)"); err != nil {
		return err
	}
	if err := checkRange(srcBuf, srcOff, n, "Copy(src)"); err != nil {
		return err
	}
	reflect.Copy(
		reflect.ValueOf(dstBuf.flat).Slice(dstOff, dstOff+n),
		reflect.ValueOf(srcBuf.flat).Slice(srcOff, srcOff+n))
	return nil
}

// Zero implements backends.Backend.
func (b *Backend) Zero(buf backends.Buffer, off, n int) error {
	buffer, err := b.ownBuffer(buf, "Zero")
	if err != nil {
		return err
	}
	if err := checkRange(buffer, off, n, "Zero"); err != nil {
		return err
	}
	segment := reflect.ValueOf(buffer.flat).Slice(off, off+n)
	zero := reflect.Zero(reflect.TypeOf(buffer.flat).Elem())
	for idx := 0; idx < n; idx++ {
		segment.Index(idx).Set(zero)
	}
	return nil
}

// ownBuffer asserts buf is a live *Buffer from this backend.
func (b *Backend) ownBuffer(buf backends.Buffer, op string) (*Buffer, error) {
	buffer, ok := buf.(*Buffer)
	if !ok {
		return nil, errors.Errorf("purego.%s: buffer is a %T, not from the purego backend", op, buf)
	}
	if !buffer.valid {
		return nil, errors.Errorf("purego.%s: buffer was already freed", op)
	}
	return buffer, nil
}

func checkRange(buf *Buffer, off, n int, op string) error {
	if off < 0 || n < 0 || off+n > buf.Len() {
		return errors.Errorf("purego.%s: range [%d, %d) out of bounds for buffer of %d elements",
			op, off, off+n, buf.Len())
	}
	return nil
}
