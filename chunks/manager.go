package chunks

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/backends"
	"github.com/chunkflow/chunkflow/comm"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// PinHostMemory requests page-locked host buffers for offloaded chunks,
	// where the backend supports it.
	PinHostMemory bool
}

// SegmentLoc locates one tensor segment inside a registered chunk group.
type SegmentLoc struct {
	ChunkID int
	Spec    TensorSpec
}

type registeredGroup struct {
	name     string
	kind     Kind
	dtype    dtypes.DType
	layout   *Layout
	chunkIDs []int
	// tensorIndex maps tensor name to its segments in declaration order.
	tensorIndex map[string][]SegmentLoc
}

// Manager exclusively owns chunk storage and all tier transitions.
//
// It is driven by a single control goroutine per worker; collective-backed
// operations (gathering transitions, Snapshot) must be issued by every worker
// of the group in the same order.
type Manager struct {
	id      string
	backend backends.Backend
	group   comm.Group
	opts    ManagerOptions

	chunks []*Chunk
	groups map[string]*registeredGroup
	clock  int64
}

// NewManager creates a Manager on top of the given numeric backend and
// collective group.
func NewManager(backend backends.Backend, group comm.Group, opts ManagerOptions) *Manager {
	return &Manager{
		id:      uuid.NewString(),
		backend: backend,
		group:   group,
		opts:    opts,
		groups:  make(map[string]*registeredGroup),
	}
}

// Backend the manager allocates from.
func (m *Manager) Backend() backends.Backend { return m.backend }

// Group the manager communicates over.
func (m *Manager) Group() comm.Group { return m.group }

// RegisterGroup materializes one chunk group from a planner layout: one Chunk
// per ChunkSpec, allocated DEVICE_FULL. keepGathered pins every chunk of the
// group to DEVICE_FULL for its lifetime.
//
// The same layout may be registered several times under different names (for
// parameters, gradients and each optimizer-state slot); chunks registered from
// the same layout share LayoutIndex values.
func (m *Manager) RegisterGroup(name string, layout *Layout, kind Kind, dtype dtypes.DType, keepGathered bool) ([]int, error) {
	if _, exists := m.groups[name]; exists {
		return nil, Configurationf("chunk group %q already registered", name)
	}
	if layout.WorldSize != m.group.WorldSize() {
		return nil, Configurationf("layout was planned for world size %d, group has %d",
			layout.WorldSize, m.group.WorldSize())
	}
	g := &registeredGroup{
		name:        name,
		kind:        kind,
		dtype:       dtype,
		layout:      layout,
		tensorIndex: make(map[string][]SegmentLoc),
	}
	for _, spec := range layout.Chunks {
		if spec.Occupied > spec.Capacity {
			return nil, Configurationf("chunk %d of group %q occupies %d of %d elements",
				spec.Index, name, spec.Occupied, spec.Capacity)
		}
		buf, err := m.backend.Alloc(dtype, spec.Capacity, backends.Device, false)
		if err != nil {
			return nil, errors.WithMessagef(err, "registering chunk group %q", name)
		}
		chunk := &Chunk{
			id:           len(m.chunks),
			layoutIndex:  spec.Index,
			kind:         kind,
			dtype:        dtype,
			capacity:     spec.Capacity,
			occupied:     spec.Occupied,
			tensors:      spec.Tensors,
			keepGathered: keepGathered,
			tier:         DeviceFull,
			full:         buf,
		}
		m.chunks = append(m.chunks, chunk)
		g.chunkIDs = append(g.chunkIDs, chunk.id)
		for _, tensor := range spec.Tensors {
			g.tensorIndex[tensor.Name] = append(g.tensorIndex[tensor.Name],
				SegmentLoc{ChunkID: chunk.id, Spec: tensor})
		}
	}
	m.groups[name] = g
	klog.V(1).Infof("chunk manager %s: registered group %q: %d chunks, kind=%s, dtype=%s",
		m.id, name, len(g.chunkIDs), kind, dtype)
	return append([]int(nil), g.chunkIDs...), nil
}

// GroupChunkIDs returns the chunk ids of a registered group, in layout order.
func (m *Manager) GroupChunkIDs(name string) []int {
	g, found := m.groups[name]
	if !found {
		return nil
	}
	return append([]int(nil), g.chunkIDs...)
}

// Locate returns the segment(s) of a tensor within a registered group, in
// segment order. Tensors that fit whole have exactly one segment.
func (m *Manager) Locate(groupName, tensorName string) ([]SegmentLoc, error) {
	g, found := m.groups[groupName]
	if !found {
		return nil, errors.Errorf("chunk group %q not registered", groupName)
	}
	segments, found := g.tensorIndex[tensorName]
	if !found {
		return nil, errors.Errorf("tensor %q not in chunk group %q", tensorName, groupName)
	}
	return segments, nil
}

// Chunk returns the chunk with the given id.
func (m *Manager) Chunk(id int) *Chunk {
	if id < 0 || id >= len(m.chunks) {
		exceptions.Panicf("chunk manager %s: no chunk with id %d", m.id, id)
	}
	return m.chunks[id]
}

// Chunks returns all chunks in id order.
func (m *Manager) Chunks() []*Chunk { return m.chunks }

// Retain marks the chunk as having an operation in flight; tier transitions
// are refused until the matching Release.
func (m *Manager) Retain(id int) {
	chunk := m.Chunk(id)
	m.checkNotFreed(chunk, "Retain")
	chunk.inflight++
}

// Release the in-flight hold taken by Retain.
func (m *Manager) Release(id int) {
	chunk := m.Chunk(id)
	if chunk.inflight <= 0 {
		exceptions.Panicf("chunk manager %s: Release of chunk %d without matching Retain", m.id, id)
	}
	chunk.inflight--
}

// Touch records a logical-time access for LRU placement decisions.
func (m *Manager) Touch(id int) {
	m.clock++
	m.Chunk(id).lastTouch = m.clock
}

// ShardLen is the per-worker slice length of the chunk, in elements.
func (m *Manager) ShardLen(id int) int {
	return m.Chunk(id).capacity / m.group.WorldSize()
}

// FullBuffer returns the chunk's full replicated buffer. The chunk must be in
// a full tier; callers issuing asynchronous or collective work against the
// buffer must bracket it with Retain/Release.
func (m *Manager) FullBuffer(id int) (backends.Buffer, error) {
	chunk := m.Chunk(id)
	m.checkNotFreed(chunk, "FullBuffer")
	if chunk.tier.Sharded() {
		return nil, errors.Errorf("chunk %d is %s; gather it before requesting the full buffer", id, chunk.tier)
	}
	m.Touch(id)
	return chunk.full, nil
}

// OwnedRange returns the buffer region this worker owns: the whole occupied
// range for full tiers, this worker's slice for sharded tiers.
//
// bufOff is the owned range's offset within the returned buffer; globalOff is
// its offset within the un-sharded chunk; n is its length in elements (may be
// zero for the trailing workers of a mostly-empty sharded chunk).
func (m *Manager) OwnedRange(id int) (buf backends.Buffer, bufOff, globalOff, n int, err error) {
	chunk := m.Chunk(id)
	m.checkNotFreed(chunk, "OwnedRange")
	if !chunk.tier.Sharded() {
		return chunk.full, 0, 0, chunk.occupied, nil
	}
	shardLen := m.ShardLen(id)
	globalOff = m.group.Rank() * shardLen
	n = chunk.occupied - globalOff
	if n < 0 {
		n = 0
	}
	if n > shardLen {
		n = shardLen
	}
	return chunk.shard, 0, globalOff, n, nil
}

// AcquireView returns an epoch-checked view over one tensor segment. The
// chunk must be in a full tier. Views become invalid at the chunk's next tier
// transition and must not be retained across step boundaries.
func (m *Manager) AcquireView(loc SegmentLoc) (*View, error) {
	chunk := m.Chunk(loc.ChunkID)
	m.checkNotFreed(chunk, "AcquireView")
	if chunk.tier.Sharded() {
		return nil, errors.Errorf("chunk %d is %s; views need a full tier", loc.ChunkID, chunk.tier)
	}
	m.Touch(loc.ChunkID)
	return &View{manager: m, chunk: chunk, spec: loc.Spec, epoch: chunk.epoch}, nil
}

// Transition moves a chunk to the target tier.
//
// Moves that gather a sharded chunk are collective: every worker must request
// the same transition in the same order. Requesting a transition on a chunk
// with in-flight operations fails with ChunkBusyError; the caller retries
// after the outstanding operation completes. Transitions on FREED chunks are
// programming errors and panic.
func (m *Manager) Transition(id int, target Tier) error {
	chunk := m.Chunk(id)
	m.checkNotFreed(chunk, "Transition")
	if target == Freed {
		exceptions.Panicf("chunk manager %s: use Free to release chunk %d, not Transition", m.id, id)
	}
	if chunk.inflight > 0 {
		return errors.WithStack(&ChunkBusyError{ChunkID: id, InFlight: chunk.inflight})
	}
	if chunk.tier == target {
		return nil
	}
	if chunk.keepGathered && target != DeviceFull {
		return errors.Errorf("chunk %d is keep-gathered and cannot leave %s", id, DeviceFull)
	}
	// The in-flight gate doubles as the single-transition-per-chunk guarantee:
	// the transition holds the chunk until it completes.
	chunk.inflight++
	defer func() { chunk.inflight-- }()

	from := chunk.tier
	var err error
	switch {
	case !from.Sharded() && !target.Sharded():
		err = m.moveFull(chunk, target)
	case !from.Sharded() && target.Sharded():
		err = m.shardFull(chunk, target)
	case from.Sharded() && !target.Sharded():
		err = m.gatherShard(chunk, target)
	default:
		err = m.moveShard(chunk, target)
	}
	if err != nil {
		return errors.WithMessagef(err, "transitioning chunk %d %s -> %s", id, from, target)
	}
	chunk.tier = target
	chunk.epoch++
	klog.V(2).Infof("chunk manager %s: chunk %d %s -> %s", m.id, id, from, target)
	return nil
}

// moveFull relocates a replicated chunk between device and host.
func (m *Manager) moveFull(chunk *Chunk, target Tier) error {
	dst, err := m.alloc(chunk.dtype, chunk.capacity, target)
	if err != nil {
		return err
	}
	if err := m.backend.Copy(dst, 0, chunk.full, 0, chunk.capacity); err != nil {
		return err
	}
	if err := m.backend.Free(chunk.full); err != nil {
		return err
	}
	chunk.full = dst
	return nil
}

// shardFull drops everything but this worker's slice. No communication: shard
// boundaries are implied by chunk capacity and worker rank.
func (m *Manager) shardFull(chunk *Chunk, target Tier) error {
	shardLen := chunk.capacity / m.group.WorldSize()
	shard, err := m.alloc(chunk.dtype, shardLen, target)
	if err != nil {
		return err
	}
	if err := m.backend.Copy(shard, 0, chunk.full, m.group.Rank()*shardLen, shardLen); err != nil {
		return err
	}
	if err := m.backend.Free(chunk.full); err != nil {
		return err
	}
	chunk.full, chunk.shard = nil, shard
	return nil
}

// gatherShard reconstructs the full buffer from all workers' shards.
func (m *Manager) gatherShard(chunk *Chunk, target Tier) error {
	full, err := m.alloc(chunk.dtype, chunk.capacity, target)
	if err != nil {
		return err
	}
	if err := m.group.AllGather(chunk.shard, full); err != nil {
		return err
	}
	if err := m.backend.Free(chunk.shard); err != nil {
		return err
	}
	chunk.shard, chunk.full = nil, full
	return nil
}

// moveShard relocates this worker's slice between device and host.
func (m *Manager) moveShard(chunk *Chunk, target Tier) error {
	shardLen := chunk.capacity / m.group.WorldSize()
	dst, err := m.alloc(chunk.dtype, shardLen, target)
	if err != nil {
		return err
	}
	if err := m.backend.Copy(dst, 0, chunk.shard, 0, shardLen); err != nil {
		return err
	}
	if err := m.backend.Free(chunk.shard); err != nil {
		return err
	}
	chunk.shard = dst
	return nil
}

func (m *Manager) alloc(dtype dtypes.DType, numElements int, tier Tier) (backends.Buffer, error) {
	pinned := m.opts.PinHostMemory && tier.Location() == backends.Host
	return m.backend.Alloc(dtype, numElements, tier.Location(), pinned)
}

// Snapshot gathers the chunk's full occupied contents, whatever its tier,
// into a fresh float32 slice, without mutating the chunk's stored tier or
// epoch. For sharded chunks this is a collective: every worker must call it.
func (m *Manager) Snapshot(id int) ([]float32, error) {
	chunk := m.Chunk(id)
	m.checkNotFreed(chunk, "Snapshot")
	out := make([]float32, chunk.occupied)
	if !chunk.tier.Sharded() {
		if err := backends.ReadFloat32s(chunk.full, 0, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	tmp, err := m.backend.Alloc(chunk.dtype, chunk.capacity, backends.Host, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.backend.Free(tmp) }()
	if err := m.group.AllGather(chunk.shard, tmp); err != nil {
		return nil, err
	}
	if err := backends.ReadFloat32s(tmp, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Free releases the chunk's storage and marks it FREED.
func (m *Manager) Free(id int) error {
	chunk := m.Chunk(id)
	m.checkNotFreed(chunk, "Free")
	if chunk.inflight > 0 {
		return errors.WithStack(&ChunkBusyError{ChunkID: id, InFlight: chunk.inflight})
	}
	if chunk.full != nil {
		if err := m.backend.Free(chunk.full); err != nil {
			return err
		}
		chunk.full = nil
	}
	if chunk.shard != nil {
		if err := m.backend.Free(chunk.shard); err != nil {
			return err
		}
		chunk.shard = nil
	}
	chunk.tier = Freed
	chunk.epoch++
	return nil
}

// DeviceBytes returns the total bytes of chunk storage currently on the device tier.
func (m *Manager) DeviceBytes() int64 {
	var total int64
	for _, chunk := range m.chunks {
		switch chunk.tier {
		case DeviceFull:
			total += chunk.ByteSize()
		case DeviceSharded:
			total += chunk.ByteSize() / int64(m.group.WorldSize())
		}
	}
	return total
}

func (m *Manager) checkNotFreed(chunk *Chunk, op string) {
	if chunk.tier == Freed {
		exceptions.Panicf("chunk manager %s: %s on FREED chunk %d", m.id, op, chunk.id)
	}
}

// View is an epoch-checked window over one tensor segment inside a chunk.
// A tier transition of the chunk invalidates the view; using it then panics.
type View struct {
	manager *Manager
	chunk   *Chunk
	spec    TensorSpec
	epoch   uint64
}

// Spec of the tensor segment the view covers.
func (v *View) Spec() TensorSpec { return v.spec }

// Range returns the chunk buffer and the segment's offset and length within
// it, after checking the view is still valid.
func (v *View) Range() (buf backends.Buffer, off, n int) {
	v.check()
	return v.chunk.full, v.spec.Offset, v.spec.NumElements
}

// ReadFloat32s copies the segment's values out, converting to float32.
func (v *View) ReadFloat32s() ([]float32, error) {
	buf, off, n := v.Range()
	out := make([]float32, n)
	if err := backends.ReadFloat32s(buf, off, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteFloat32s overwrites the segment's values, converting from float32.
func (v *View) WriteFloat32s(values []float32) error {
	buf, off, n := v.Range()
	if len(values) != n {
		return errors.Errorf("view over %q expects %d elements, got %d", v.spec.Name, n, len(values))
	}
	return backends.WriteFloat32s(buf, off, values)
}

func (v *View) check() {
	if v.chunk.epoch != v.epoch {
		exceptions.Panicf("chunk manager %s: view over %q (chunk %d) is stale: chunk transitioned since the view was acquired",
			v.manager.id, v.spec.Name, v.chunk.id)
	}
}
