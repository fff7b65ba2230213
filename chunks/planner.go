package chunks

import (
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

const (
	// DefaultSearchInterval is the spacing between candidate capacities, in elements.
	DefaultSearchInterval = 1024

	// DefaultSearchSpan is how far above the minimum viable capacity the search
	// looks, in elements (1Mi elements, mirroring a 1M-element search range).
	DefaultSearchSpan = 1 << 20
)

// Layout is the result of planning for one world size: the selected capacity
// and the chunk list, with every chunk's capacity divisible by WorldSize.
type Layout struct {
	WorldSize int
	Capacity  int // selected base capacity, already rounded for WorldSize
	Chunks    []ChunkSpec
}

// ChunkSpec describes one planned chunk.
type ChunkSpec struct {
	Index    int
	Capacity int
	Occupied int
	Tensors  []TensorSpec

	// Dedicated chunks belong to a single oversized tensor and accept no other
	// tensors. The last chunk of a dedicated run is exactly sized to the
	// tensor's remainder (up to world-size rounding).
	Dedicated bool
}

// Waste is the layout's total unused tail elements across chunks.
func (l *Layout) Waste() int {
	waste := 0
	for _, c := range l.Chunks {
		waste += c.Capacity - c.Occupied
	}
	return waste
}

// NumElements is the total tensor elements packed in the layout.
func (l *Layout) NumElements() int {
	n := 0
	for _, c := range l.Chunks {
		n += c.Occupied
	}
	return n
}

// PlannerConfig is built with Plan and finished with Done.
type PlannerConfig struct {
	decls          []TensorDecl
	searchLo       int
	searchHi       int
	searchInterval int
	explicit       int
	worldSizes     []int
}

// Plan starts a chunk-layout search over the given tensors, in declaration
// order. Configure with the methods below, then call Done.
//
// Defaults: the candidate capacities start at the smallest interval multiple
// that is at least DefaultSearchInterval, span DefaultSearchSpan elements,
// and are spaced DefaultSearchInterval apart; layouts are produced for world
// size 1 only.
func Plan(decls []TensorDecl) *PlannerConfig {
	return &PlannerConfig{
		decls:          decls,
		searchInterval: DefaultSearchInterval,
		worldSizes:     []int{1},
	}
}

// SearchCapacityRange sets the candidate capacity range [lo, hi], in elements.
func (c *PlannerConfig) SearchCapacityRange(lo, hi int) *PlannerConfig {
	c.searchLo, c.searchHi = lo, hi
	return c
}

// SearchInterval sets the spacing between candidate capacities, in elements.
func (c *PlannerConfig) SearchInterval(interval int) *PlannerConfig {
	c.searchInterval = interval
	return c
}

// ExplicitCapacity skips the search and forces the given capacity.
// It is an error if any tensor is larger than the explicit capacity.
func (c *PlannerConfig) ExplicitCapacity(capacity int) *PlannerConfig {
	c.explicit = capacity
	return c
}

// WorldSizes sets the participating worker-group sizes to produce layouts for.
func (c *PlannerConfig) WorldSizes(worldSizes ...int) *PlannerConfig {
	c.worldSizes = worldSizes
	return c
}

// Done runs the search and returns one layout per requested world size.
func (c *PlannerConfig) Done() (map[int]*Layout, error) {
	if len(c.decls) == 0 {
		return nil, Configurationf("chunk planner: no tensors to pack")
	}
	seen := make(map[string]bool, len(c.decls))
	maxTensor := 0
	for _, decl := range c.decls {
		if decl.Name == "" {
			return nil, Configurationf("chunk planner: tensor with empty name")
		}
		if seen[decl.Name] {
			return nil, Configurationf("chunk planner: duplicate tensor name %q", decl.Name)
		}
		seen[decl.Name] = true
		n := decl.NumElements()
		if n <= 0 {
			return nil, Configurationf("chunk planner: tensor %q has no elements (dims=%v)", decl.Name, decl.Dims)
		}
		if n > maxTensor {
			maxTensor = n
		}
	}
	if c.searchInterval <= 0 {
		return nil, Configurationf("chunk planner: search interval must be positive, got %d", c.searchInterval)
	}
	if len(c.worldSizes) == 0 {
		return nil, Configurationf("chunk planner: no world sizes requested")
	}
	for _, world := range c.worldSizes {
		if world <= 0 {
			return nil, Configurationf("chunk planner: invalid world size %d", world)
		}
	}

	var candidates []int
	if c.explicit > 0 {
		if maxTensor > c.explicit {
			return nil, Configurationf(
				"chunk planner: explicit capacity %s is smaller than the largest tensor (%s elements)",
				humanize.Comma(int64(c.explicit)), humanize.Comma(int64(maxTensor)))
		}
		candidates = []int{c.explicit}
	} else {
		lo, hi := c.searchLo, c.searchHi
		if lo <= 0 {
			lo = roundUp(maxTensor, c.searchInterval)
		}
		if hi <= 0 {
			hi = lo + DefaultSearchSpan
		}
		if lo > hi {
			return nil, Configurationf("chunk planner: empty capacity search range [%d, %d]", lo, hi)
		}
		for capacity := lo; capacity <= hi; capacity += c.searchInterval {
			candidates = append(candidates, capacity)
		}
	}

	layouts := make(map[int]*Layout, len(c.worldSizes))
	for _, world := range c.worldSizes {
		var best *Layout
		for _, capacity := range candidates {
			layout := pack(c.decls, capacity, world)
			if best == nil ||
				layout.Waste() < best.Waste() ||
				(layout.Waste() == best.Waste() && len(layout.Chunks) < len(best.Chunks)) {
				best = layout
			}
		}
		layouts[world] = best
		klog.V(1).Infof("chunk planner: world=%d selected capacity=%s elements, %d chunks, waste=%s elements",
			world, humanize.Comma(int64(best.Capacity)), len(best.Chunks), humanize.Comma(int64(best.Waste())))
	}
	return layouts, nil
}

// pack greedily packs tensors in declaration order at the given capacity,
// opening a new chunk whenever the current one would overflow. Oversized
// tensors get a dedicated run of capacity-sized chunks plus an exactly-sized
// remainder chunk.
func pack(decls []TensorDecl, capacity, world int) *Layout {
	capacity = roundUp(capacity, world)
	layout := &Layout{WorldSize: world, Capacity: capacity}
	var open *ChunkSpec

	closeOpen := func() {
		if open != nil {
			layout.Chunks = append(layout.Chunks, *open)
			open = nil
		}
	}
	addDedicated := func(spec TensorSpec, chunkCapacity int) {
		spec.ChunkIndex = len(layout.Chunks)
		layout.Chunks = append(layout.Chunks, ChunkSpec{
			Index:     spec.ChunkIndex,
			Capacity:  chunkCapacity,
			Occupied:  spec.NumElements,
			Tensors:   []TensorSpec{spec},
			Dedicated: true,
		})
	}

	for _, decl := range decls {
		n := decl.NumElements()
		if n > capacity {
			closeOpen()
			numFull := n / capacity
			remainder := n % capacity
			numSegments := numFull
			if remainder > 0 {
				numSegments++
			}
			for segment := 0; segment < numFull; segment++ {
				addDedicated(TensorSpec{
					Name:         decl.Name,
					Dims:         decl.Dims,
					NumElements:  capacity,
					Segment:      segment,
					NumSegments:  numSegments,
					SegmentStart: segment * capacity,
				}, capacity)
			}
			if remainder > 0 {
				addDedicated(TensorSpec{
					Name:         decl.Name,
					Dims:         decl.Dims,
					NumElements:  remainder,
					Segment:      numFull,
					NumSegments:  numSegments,
					SegmentStart: numFull * capacity,
				}, roundUp(remainder, world))
			}
			continue
		}
		if open != nil && open.Occupied+n > capacity {
			closeOpen()
		}
		if open == nil {
			open = &ChunkSpec{Index: len(layout.Chunks), Capacity: capacity}
		}
		open.Tensors = append(open.Tensors, TensorSpec{
			Name:        decl.Name,
			Dims:        decl.Dims,
			ChunkIndex:  open.Index,
			Offset:      open.Occupied,
			NumElements: n,
			NumSegments: 1,
		})
		open.Occupied += n
	}
	closeOpen()
	return layout
}

func roundUp(value, multiple int) int {
	if multiple <= 1 {
		return value
	}
	return (value + multiple - 1) / multiple * multiple
}
