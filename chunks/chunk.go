// Package chunks implements the chunked storage layer: the planner that packs
// many small tensors into a few size-bounded contiguous buffers, and the
// manager that owns those buffers and moves them between the device tier, the
// host tier, and their sharded variants.
//
// Tensors never own memory: they are ranges into a chunk, accessed through
// epoch-checked views handed out by the Manager. Chunk storage is exclusively
// owned by the Manager; every tier move goes through Manager.Transition.
package chunks

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/chunkflow/chunkflow/backends"
)

// Tier is the storage location and replication mode of a chunk.
type Tier int

const (
	// DeviceFull: the whole chunk is resident on the compute device, replicated on every worker.
	DeviceFull Tier = iota

	// DeviceSharded: each worker holds only its 1/W slice of the chunk, on the device.
	DeviceSharded

	// HostFull: the whole chunk is offloaded to host memory, replicated on every worker.
	HostFull

	// HostSharded: each worker holds only its 1/W slice, in host memory.
	HostSharded

	// Freed: the chunk's storage was released; any further operation on it is a
	// programming error and panics.
	Freed
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case DeviceFull:
		return "DEVICE_FULL"
	case DeviceSharded:
		return "DEVICE_SHARDED"
	case HostFull:
		return "HOST_FULL"
	case HostSharded:
		return "HOST_SHARDED"
	case Freed:
		return "FREED"
	}
	return "INVALID"
}

// Location of a tier's bytes.
func (t Tier) Location() backends.Location {
	if t == DeviceFull || t == DeviceSharded {
		return backends.Device
	}
	return backends.Host
}

// Sharded reports whether each worker holds only its slice of the chunk.
func (t Tier) Sharded() bool { return t == DeviceSharded || t == HostSharded }

// Kind marks what a chunk holds.
type Kind int

const (
	KindParameter Kind = iota
	KindGradient
	KindOptimState
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindParameter:
		return "parameter"
	case KindGradient:
		return "gradient"
	case KindOptimState:
		return "optimizer-state"
	}
	return "invalid"
}

// TensorDecl declares one model tensor to the planner.
type TensorDecl struct {
	Name string
	Dims []int
}

// NumElements of the declared tensor.
func (d TensorDecl) NumElements() int {
	n := 1
	for _, dim := range d.Dims {
		n *= dim
	}
	return n
}

// TensorSpec is a tensor's (or tensor segment's) assigned range within a chunk.
// Immutable after planning.
//
// A tensor too large for the chunk capacity is split into consecutive segments,
// each covering [SegmentStart, SegmentStart+NumElements) of the flattened
// tensor; for tensors that fit whole, Segment is 0 and NumSegments is 1.
type TensorSpec struct {
	Name        string
	Dims        []int
	ChunkIndex  int // index of the chunk within its Layout
	Offset      int // element offset within the chunk
	NumElements int

	Segment      int
	NumSegments  int
	SegmentStart int // element offset within the flattened tensor
}

// Chunk is one contiguous buffer holding several tensors end to end.
// All fields are managed by the Manager; read accessors are safe from the
// owning worker's control thread.
type Chunk struct {
	id          int
	layoutIndex int
	kind        Kind
	dtype       dtypes.DType

	capacity int // elements; divisible by the group's world size
	occupied int // elements covered by tensor specs
	tensors  []TensorSpec

	// keepGathered pins the chunk to DEVICE_FULL for its whole life.
	keepGathered bool

	tier      Tier
	epoch     uint64
	inflight  int
	lastTouch int64

	full  backends.Buffer // set when tier is DeviceFull or HostFull
	shard backends.Buffer // set when tier is sharded
}

// ID is the manager-wide unique chunk id.
func (c *Chunk) ID() int { return c.id }

// LayoutIndex is the chunk's index within the layout it was registered from.
// Chunks registered from the same layout under different kinds share indices.
func (c *Chunk) LayoutIndex() int { return c.layoutIndex }

// Kind of payload the chunk holds.
func (c *Chunk) Kind() Kind { return c.kind }

// DType of the chunk's elements.
func (c *Chunk) DType() dtypes.DType { return c.dtype }

// Tier the chunk currently occupies.
func (c *Chunk) Tier() Tier { return c.tier }

// Capacity in elements.
func (c *Chunk) Capacity() int { return c.capacity }

// Occupied elements, always <= Capacity.
func (c *Chunk) Occupied() int { return c.occupied }

// Tensors returns the specs whose ranges partition [0, Occupied).
func (c *Chunk) Tensors() []TensorSpec { return c.tensors }

// ByteSize is the chunk's full (un-sharded) capacity in bytes.
func (c *Chunk) ByteSize() int64 {
	return int64(c.dtype.Memory()) * int64(c.capacity)
}

// Epoch increments on every tier transition; views check it.
func (c *Chunk) Epoch() uint64 { return c.epoch }

// InFlight is the number of outstanding operations holding the chunk.
func (c *Chunk) InFlight() int { return c.inflight }

// LastTouch is a logical timestamp of the most recent view or gradient access,
// used by the adaptive placement policy for LRU ordering.
func (c *Chunk) LastTouch() int64 { return c.lastTouch }

// KeepGathered reports whether the chunk is pinned to DEVICE_FULL.
func (c *Chunk) KeepGathered() bool { return c.keepGathered }
