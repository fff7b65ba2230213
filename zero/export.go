package zero

import (
	"sort"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// ExportState reconstructs the full-precision master value of every parameter,
// un-sharded and un-offloaded, without mutating any chunk's tier. It is a
// collective: every worker must call it in lockstep. With onlyRank0 set, the
// other ranks participate in the gathers but return a nil map.
func (o *Optimizer) ExportState(onlyRank0 bool) (map[string][]float32, error) {
	return o.exportState(onlyRank0, dtypes.Float32)
}

// ExportStateDType is ExportState with the values round-tripped through the
// given dtype first, mirroring what a consumer of the compute-precision
// weights would see. Float32 is a plain export.
func (o *Optimizer) ExportStateDType(onlyRank0 bool, dtype dtypes.DType) (map[string][]float32, error) {
	return o.exportState(onlyRank0, dtype)
}

func (o *Optimizer) exportState(onlyRank0 bool, dtype dtypes.DType) (map[string][]float32, error) {
	// Snapshot each master chunk once, in id order so the gathers are
	// group-consistent, then slice tensors out of the snapshots.
	snapshots := make(map[int][]float32, len(o.masterChunk))
	for _, id := range o.masterChunk {
		snapshot, err := o.manager.Snapshot(id)
		if err != nil {
			return nil, err
		}
		snapshots[id] = snapshot
	}
	if onlyRank0 && o.group.Rank() != 0 {
		return nil, nil
	}
	state := make(map[string][]float32, len(o.tensors))
	for name, entry := range o.tensors {
		values := make([]float32, entry.decl.NumElements())
		for _, seg := range entry.segments {
			snapshot := snapshots[seg.master]
			copy(values[seg.spec.SegmentStart:seg.spec.SegmentStart+seg.spec.NumElements],
				snapshot[seg.spec.Offset:seg.spec.Offset+seg.spec.NumElements])
		}
		truncateInPlace(values, dtype)
		state[name] = values
	}
	return state, nil
}

// truncateInPlace round-trips values through dtype.
func truncateInPlace(values []float32, dtype dtypes.DType) {
	switch dtype {
	case dtypes.Float16:
		for idx, value := range values {
			values[idx] = float16.Fromfloat32(value).Float32()
		}
	case dtypes.BFloat16:
		for idx, value := range values {
			values[idx] = bfloat16.FromFloat32(value).Float32()
		}
	}
}

// TensorNames returns the model's tensor names, usable as ExportState keys.
func (o *Optimizer) TensorNames() []string {
	names := maps.Keys(o.tensors)
	sort.Strings(names)
	return names
}

// ComputeParameter reconstructs a parameter's current compute-precision
// value, as float32. Collective, like ExportState.
func (o *Optimizer) ComputeParameter(name string) ([]float32, error) {
	entry, found := o.tensors[name]
	if !found {
		return nil, errors.Errorf("zero: unknown parameter %q", name)
	}
	values := make([]float32, entry.decl.NumElements())
	for _, seg := range entry.segments {
		snapshot, err := o.manager.Snapshot(seg.param)
		if err != nil {
			return nil, err
		}
		copy(values[seg.spec.SegmentStart:seg.spec.SegmentStart+seg.spec.NumElements],
			snapshot[seg.spec.Offset:seg.spec.Offset+seg.spec.NumElements])
	}
	return values, nil
}
