package zero

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/amp"
	"github.com/chunkflow/chunkflow/backends"
	"github.com/chunkflow/chunkflow/chunks"
	"github.com/chunkflow/chunkflow/comm"
	"github.com/chunkflow/chunkflow/placement"
)

// Chunk group names registered by the optimizer.
const (
	paramGroup  = "param"
	gradGroup   = "grad"
	masterGroup = "master"
	slotPrefix  = "slot:"
)

// segmentEntry ties one tensor segment to its chunk across all groups.
// The groups share a single layout, so the segment geometry is identical in each.
type segmentEntry struct {
	spec   chunks.TensorSpec
	param  int
	grad   int
	master int
	slots  []int
}

type tensorEntry struct {
	decl     chunks.TensorDecl
	segments []segmentEntry
}

// Optimizer owns one worker's share of the distributed optimizer step.
// It is driven by a single control goroutine; collectives inside Step and
// ExportState synchronize it with the rest of the group.
type Optimizer struct {
	backend backends.Backend
	group   comm.Group
	manager *chunks.Manager
	policy  placement.Policy
	scaler  *amp.LossScaler
	coord   *amp.Coordinator
	rule    UpdateRule

	computeDType dtypes.DType
	layout       *chunks.Layout

	tensors     map[string]*tensorEntry
	paramChunks []int // parallel arrays indexed by layout position
	gradChunks  []int
	masterChunk []int
	slotChunks  [][]int // one list per rule slot

	phase      Phase
	globalStep int64
}

func newOptimizer(c *Config, scaler *amp.LossScaler) (*Optimizer, error) {
	world := c.group.WorldSize()
	planner := chunks.Plan(c.model).WorldSizes(world)
	if c.explicitCapacity > 0 {
		planner.ExplicitCapacity(c.explicitCapacity)
	} else {
		if c.searchLo > 0 || c.searchHi > 0 {
			planner.SearchCapacityRange(c.searchLo, c.searchHi)
		}
		if c.searchInterval > 0 {
			planner.SearchInterval(c.searchInterval)
		}
	}
	layouts, err := planner.Done()
	if err != nil {
		return nil, err
	}
	layout := layouts[world]

	manager := chunks.NewManager(c.backend, c.group, chunks.ManagerOptions{PinHostMemory: c.pinHostMemory})
	paramChunks, err := manager.RegisterGroup(paramGroup, layout, chunks.KindParameter, c.computeDType, c.keepGathered)
	if err != nil {
		return nil, err
	}
	// Gradient chunks stay DEVICE_FULL for their whole life: accumulation needs
	// the full buffer and the reduced values are consumed within the same step.
	gradChunks, err := manager.RegisterGroup(gradGroup, layout, chunks.KindGradient, c.computeDType, true)
	if err != nil {
		return nil, err
	}
	masterChunks, err := manager.RegisterGroup(masterGroup, layout, chunks.KindOptimState, dtypes.Float32, false)
	if err != nil {
		return nil, err
	}
	slots := c.rule.Slots()
	slotChunks := make([][]int, len(slots))
	for idx, slot := range slots {
		slotChunks[idx], err = manager.RegisterGroup(slotPrefix+slot, layout, chunks.KindOptimState, dtypes.Float32, false)
		if err != nil {
			return nil, err
		}
	}

	opt := &Optimizer{
		backend:      c.backend,
		group:        c.group,
		manager:      manager,
		policy:       c.policy,
		scaler:       scaler,
		coord:        amp.NewCoordinator(c.backend, c.group),
		rule:         c.rule,
		computeDType: c.computeDType,
		layout:       layout,
		tensors:      make(map[string]*tensorEntry, len(c.model)),
		paramChunks:  paramChunks,
		gradChunks:   gradChunks,
		masterChunk:  masterChunks,
		slotChunks:   slotChunks,
		phase:        PhaseAccumulating,
	}
	for _, decl := range c.model {
		entry := &tensorEntry{decl: decl}
		segments, err := manager.Locate(paramGroup, decl.Name)
		if err != nil {
			return nil, err
		}
		for _, loc := range segments {
			layoutIdx := loc.Spec.ChunkIndex
			seg := segmentEntry{
				spec:   loc.Spec,
				param:  paramChunks[layoutIdx],
				grad:   gradChunks[layoutIdx],
				master: masterChunks[layoutIdx],
				slots:  make([]int, len(slots)),
			}
			for slotIdx := range slots {
				seg.slots[slotIdx] = slotChunks[slotIdx][layoutIdx]
			}
			entry.segments = append(entry.segments, seg)
		}
		opt.tensors[decl.Name] = entry
	}

	if err := opt.policy.Place(manager); err != nil {
		return nil, err
	}
	klog.V(1).Infof("zero: optimizer ready: world=%d, %d tensors in %d chunks (capacity %d elements), compute dtype %s",
		world, len(c.model), len(layout.Chunks), layout.Capacity, c.computeDType)
	return opt, nil
}

// Manager exposes the underlying chunk manager, mainly for inspection and tests.
func (o *Optimizer) Manager() *chunks.Manager { return o.manager }

// Phase returns the step state machine's current phase.
func (o *Optimizer) Phase() Phase { return o.phase }

// GlobalStep counts applied (non-skipped) steps.
func (o *Optimizer) GlobalStep() int64 { return o.globalStep }

// Scale returns the current loss scale.
func (o *Optimizer) Scale() float64 { return o.scaler.Scale() }

// ScaledLoss returns loss multiplied by the current loss scale; apply it
// before the backward pass so gradients arrive pre-scaled.
func (o *Optimizer) ScaledLoss(loss float64) float64 { return o.scaler.ScaledLoss(loss) }

// LoadParameter sets a parameter's value: the float32 master copy, truncated
// into the compute-precision copy. Every worker must call it with identical
// values (only the locally-owned range of sharded chunks is written).
func (o *Optimizer) LoadParameter(name string, values []float32) error {
	entry, found := o.tensors[name]
	if !found {
		return errors.Errorf("zero: unknown parameter %q", name)
	}
	if len(values) != entry.decl.NumElements() {
		return errors.Errorf("zero: parameter %q has %d elements, got %d values",
			name, entry.decl.NumElements(), len(values))
	}
	for _, seg := range entry.segments {
		if err := o.writeOwnedSegment(seg.master, seg.spec, values); err != nil {
			return err
		}
		if err := o.writeOwnedSegment(seg.param, seg.spec, values); err != nil {
			return err
		}
	}
	return nil
}

// writeOwnedSegment writes the overlap of a tensor segment with this worker's
// owned range of the chunk, converting from float32 into the chunk's dtype.
func (o *Optimizer) writeOwnedSegment(chunkID int, spec chunks.TensorSpec, values []float32) error {
	buf, bufOff, globalOff, n, err := o.manager.OwnedRange(chunkID)
	if err != nil {
		return err
	}
	lo := max(spec.Offset, globalOff)
	hi := min(spec.Offset+spec.NumElements, globalOff+n)
	if lo >= hi {
		return nil
	}
	src := values[spec.SegmentStart+(lo-spec.Offset) : spec.SegmentStart+(lo-spec.Offset)+(hi-lo)]
	return backends.WriteFloat32s(buf, bufOff+(lo-globalOff), src)
}

// AccumulateGradient adds a tensor's (pre-scaled) gradient into its gradient
// chunk, accumulating in place when called repeatedly for the same tensor
// within a step.
func (o *Optimizer) AccumulateGradient(name string, values []float32) error {
	if o.phase != PhaseAccumulating {
		return errors.Errorf("zero: AccumulateGradient in phase %s; call ZeroGradients to start a new step", o.phase)
	}
	entry, found := o.tensors[name]
	if !found {
		return errors.Errorf("zero: unknown parameter %q", name)
	}
	if len(values) != entry.decl.NumElements() {
		return errors.Errorf("zero: gradient for %q has %d elements, got %d values",
			name, entry.decl.NumElements(), len(values))
	}
	for _, seg := range entry.segments {
		full, err := o.manager.FullBuffer(seg.grad)
		if err != nil {
			return err
		}
		scratch, err := o.backend.Alloc(o.computeDType, seg.spec.NumElements, backends.Device, false)
		if err != nil {
			return err
		}
		src := values[seg.spec.SegmentStart : seg.spec.SegmentStart+seg.spec.NumElements]
		if err := backends.WriteFloat32s(scratch, 0, src); err != nil {
			_ = o.backend.Free(scratch)
			return err
		}
		err = o.backend.Accumulate(full, seg.spec.Offset, scratch, 0, seg.spec.NumElements)
		if freeErr := o.backend.Free(scratch); err == nil {
			err = freeErr
		}
		if err != nil {
			return err
		}
		o.manager.Touch(seg.param)
	}
	return nil
}

// ZeroGradients clears all gradient chunks and arms a new step.
func (o *Optimizer) ZeroGradients() error {
	for _, id := range o.gradChunks {
		chunk := o.manager.Chunk(id)
		full, err := o.manager.FullBuffer(id)
		if err != nil {
			return err
		}
		if err := o.backend.Zero(full, 0, chunk.Occupied()); err != nil {
			return err
		}
	}
	o.phase = PhaseAccumulating
	return nil
}

// Step runs the optimizer step state machine. All workers must call it in
// lockstep; it returns only after every collective it issues has completed
// locally.
func (o *Optimizer) Step() (StepResult, error) {
	if o.phase != PhaseAccumulating {
		return StepResult{}, errors.Errorf("zero: Step in phase %s", o.phase)
	}
	if err := o.policy.Step(o.manager); err != nil {
		return StepResult{}, err
	}

	o.phase = PhaseReducing
	if err := o.reduceGradients(); err != nil {
		return StepResult{}, err
	}

	o.phase = PhaseOverflowCheck
	overflow, err := o.coord.CheckGlobalOverflow(o.manager, o.gradChunks)
	if err != nil {
		return StepResult{}, err
	}
	if overflow {
		// SKIPPED: discard gradients, back the scale off, touch no parameter.
		if err := o.ZeroGradients(); err != nil {
			return StepResult{}, err
		}
		o.scaler.Update(true)
		o.phase = PhaseDone
		klog.V(1).Infof("zero: step skipped on overflow, scale now %g", o.scaler.Scale())
		return StepResult{Skipped: true, Scale: o.scaler.Scale(), GlobalStep: o.globalStep}, nil
	}

	o.phase = PhaseUpdating
	if err := o.updateOwnedChunks(); err != nil {
		return StepResult{}, err
	}

	o.scaler.Update(false)
	o.globalStep++
	o.phase = PhaseDone
	return StepResult{Scale: o.scaler.Scale(), GlobalStep: o.globalStep}, nil
}

// reduceGradients reduces every gradient chunk across the group, in chunk-id
// order: all-reduce when the parameter chunk is replicated, reduce-scatter
// when it is sharded (each worker then owns the reduced values of its slice).
func (o *Optimizer) reduceGradients() error {
	for idx, gradID := range o.gradChunks {
		paramSharded := o.manager.Chunk(o.paramChunks[idx]).Tier().Sharded()
		o.manager.Retain(gradID)
		err := o.reduceChunk(gradID, paramSharded)
		o.manager.Release(gradID)
		if err != nil {
			return errors.WithMessagef(err, "reducing gradient chunk %d", gradID)
		}
	}
	return nil
}

func (o *Optimizer) reduceChunk(gradID int, paramSharded bool) error {
	full, err := o.manager.FullBuffer(gradID)
	if err != nil {
		return err
	}
	if !paramSharded {
		return o.group.AllReduce(full, comm.ReduceSum)
	}
	shardLen := o.manager.ShardLen(gradID)
	scratch, err := o.backend.Alloc(o.computeDType, shardLen, backends.Device, false)
	if err != nil {
		return err
	}
	defer func() { _ = o.backend.Free(scratch) }()
	if err := o.group.ReduceScatter(full, scratch, comm.ReduceSum); err != nil {
		return err
	}
	return o.backend.Copy(full, o.group.Rank()*shardLen, scratch, 0, shardLen)
}

// updateOwnedChunks applies the update rule to this worker's owned range of
// every chunk: the full occupied range for replicated chunks (all workers
// compute the identical update), the local slice for sharded ones. The loss
// scale and the group-size averaging divisor are fused into gradScale; no
// unscaled gradient buffer is ever materialized.
func (o *Optimizer) updateOwnedChunks() error {
	gradScale := float32(1 / (o.scaler.Scale() * float64(o.group.WorldSize())))
	step := o.globalStep + 1
	for idx := range o.layout.Chunks {
		masterBuf, masterOff, globalOff, n, err := o.manager.OwnedRange(o.masterChunk[idx])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		master, err := float32Range(masterBuf, masterOff, n)
		if err != nil {
			return err
		}
		slots := make([][]float32, len(o.slotChunks))
		for slotIdx := range o.slotChunks {
			slotBuf, slotOff, slotGlobalOff, slotN, err := o.manager.OwnedRange(o.slotChunks[slotIdx][idx])
			if err != nil {
				return err
			}
			if slotGlobalOff != globalOff || slotN != n {
				return errors.Errorf("zero: slot chunk %d ownership [%d,%d) does not match master [%d,%d)",
					o.slotChunks[slotIdx][idx], slotGlobalOff, slotGlobalOff+slotN, globalOff, globalOff+n)
			}
			if slots[slotIdx], err = float32Range(slotBuf, slotOff, slotN); err != nil {
				return err
			}
		}

		// The reduced gradient values for [globalOff, globalOff+n) sit at the
		// same offsets of the (always full) gradient buffer.
		gradFull, err := o.manager.FullBuffer(o.gradChunks[idx])
		if err != nil {
			return err
		}
		grad := make([]float32, n)
		if err := backends.ReadFloat32s(gradFull, globalOff, grad); err != nil {
			return err
		}

		o.rule.Step(master, grad, slots, step, gradScale)

		// Truncate the updated master values into the compute-precision copy.
		paramBuf, paramOff, paramGlobalOff, paramN, err := o.manager.OwnedRange(o.paramChunks[idx])
		if err != nil {
			return err
		}
		if paramGlobalOff != globalOff || paramN != n {
			return errors.Errorf("zero: param chunk %d ownership [%d,%d) does not match master [%d,%d)",
				o.paramChunks[idx], paramGlobalOff, paramGlobalOff+paramN, globalOff, globalOff+n)
		}
		if err := o.backend.Convert(paramBuf, paramOff, masterBuf, masterOff, n); err != nil {
			return err
		}
	}
	return nil
}

// SyncParameters broadcasts rank 0's replicated parameter and master chunks
// to the whole group. Sharded chunks are skipped: their shards are local by
// construction.
func (o *Optimizer) SyncParameters() error {
	for idx := range o.layout.Chunks {
		for _, id := range []int{o.masterChunk[idx], o.paramChunks[idx]} {
			if o.manager.Chunk(id).Tier().Sharded() {
				continue
			}
			full, err := o.manager.FullBuffer(id)
			if err != nil {
				return err
			}
			if err := o.group.Broadcast(full, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// float32Range returns the mutable float32 slice for buf[off:off+n].
// Master and slot chunks are always float32, so Flat is the real storage.
func float32Range(buf backends.Buffer, off, n int) ([]float32, error) {
	flat, ok := buf.Flat().([]float32)
	if !ok {
		return nil, errors.Errorf("zero: expected a float32 buffer, got %s", buf.DType())
	}
	return flat[off : off+n], nil
}
