// Package inproc implements comm.Group for workers that are goroutines of the
// same process. It exists for tests and single-host simulation: collectives
// rendezvous on a shared barrier, and the last worker to arrive performs the
// reduction for everyone.
package inproc

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/chunkflow/chunkflow/backends"
	"github.com/chunkflow/chunkflow/comm"
)

// NewGroups returns worldSize connected groups, one per rank, sharing a single
// in-process universe. Each returned Group must be driven by its own goroutine;
// a collective blocks until all ranks have issued the matching call.
func NewGroups(worldSize int) []comm.Group {
	if worldSize <= 0 {
		exceptions.Panicf("inproc.NewGroups: worldSize must be positive, got %d", worldSize)
	}
	u := &universe{
		world: worldSize,
		calls: make([]*call, worldSize),
	}
	u.cond = sync.NewCond(&u.mu)
	groups := make([]comm.Group, worldSize)
	for rank := range groups {
		groups[rank] = &group{universe: u, rank: rank}
	}
	return groups
}

type kind int

const (
	kindAllReduce kind = iota
	kindReduceScatter
	kindAllGather
	kindBroadcast
)

// call is one rank's contribution to a collective.
type call struct {
	kind      kind
	op        comm.ReduceOp
	root      int
	numElems  int // element count of the primary buffer
	primary   backends.Buffer
	secondary backends.Buffer // shard (reduce-scatter) or full (all-gather)
}

// signature is the part of a call every rank must agree on.
// Disagreement means the workers diverged; that is fatal by contract.
func (c *call) signature() string {
	return fmt.Sprintf("%d/%d/%d/%d", c.kind, c.op, c.root, c.numElems)
}

type universe struct {
	mu    sync.Mutex
	cond  *sync.Cond
	world int

	// Barrier state: phase 0 gathers calls, phase 1 drains results.
	phase             int
	arrived, departed int
	calls             []*call
	execErr           error
}

// rendezvous blocks until all ranks contribute, executes the collective once
// (on the last arriver), and returns its result to every rank.
func (u *universe) rendezvous(rank int, c *call) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for u.phase != 0 {
		u.cond.Wait()
	}
	for _, other := range u.calls {
		if other != nil && other.signature() != c.signature() {
			exceptions.Panicf("inproc: collective mismatch across workers: rank %d issued %q, another rank issued %q",
				rank, c.signature(), other.signature())
		}
	}
	if u.calls[rank] != nil {
		exceptions.Panicf("inproc: rank %d issued a second collective before the group completed the first", rank)
	}
	u.calls[rank] = c
	u.arrived++
	if u.arrived == u.world {
		u.execErr = u.execute()
		u.phase = 1
		u.cond.Broadcast()
	} else {
		for u.phase != 1 {
			u.cond.Wait()
		}
	}
	err := u.execErr
	u.departed++
	if u.departed == u.world {
		u.arrived, u.departed, u.phase = 0, 0, 0
		for idx := range u.calls {
			u.calls[idx] = nil
		}
		u.cond.Broadcast()
	}
	return err
}

// execute runs under u.mu with all ranks' calls present.
func (u *universe) execute() error {
	first := u.calls[0]
	switch first.kind {
	case kindAllReduce:
		return u.execAllReduce()
	case kindReduceScatter:
		return u.execReduceScatter()
	case kindAllGather:
		return u.execAllGather()
	case kindBroadcast:
		return u.execBroadcast()
	}
	exceptions.Panicf("inproc: unknown collective kind %d", first.kind)
	return nil
}

func (u *universe) execAllReduce() error {
	n := u.calls[0].numElems
	reduced, err := u.reduceAcrossRanks(func(c *call) backends.Buffer { return c.primary }, n, u.calls[0].op)
	if err != nil {
		return err
	}
	for _, c := range u.calls {
		if err := backends.WriteFloat32s(c.primary, 0, reduced); err != nil {
			return err
		}
	}
	return nil
}

func (u *universe) execReduceScatter() error {
	n := u.calls[0].numElems
	shardLen := u.calls[0].secondary.Len()
	if n != shardLen*u.world {
		return fmt.Errorf("inproc.ReduceScatter: full length %d != worldSize %d * shard length %d", n, u.world, shardLen)
	}
	reduced, err := u.reduceAcrossRanks(func(c *call) backends.Buffer { return c.primary }, n, u.calls[0].op)
	if err != nil {
		return err
	}
	for rank, c := range u.calls {
		if err := backends.WriteFloat32s(c.secondary, 0, reduced[rank*shardLen:(rank+1)*shardLen]); err != nil {
			return err
		}
	}
	return nil
}

func (u *universe) execAllGather() error {
	shardLen := u.calls[0].numElems
	fullLen := u.calls[0].secondary.Len()
	if fullLen != shardLen*u.world {
		return fmt.Errorf("inproc.AllGather: full length %d != worldSize %d * shard length %d", fullLen, u.world, shardLen)
	}
	gathered := make([]float32, fullLen)
	for rank, c := range u.calls {
		if err := backends.ReadFloat32s(c.primary, 0, gathered[rank*shardLen:(rank+1)*shardLen]); err != nil {
			return err
		}
	}
	for _, c := range u.calls {
		if err := backends.WriteFloat32s(c.secondary, 0, gathered); err != nil {
			return err
		}
	}
	return nil
}

func (u *universe) execBroadcast() error {
	root := u.calls[0].root
	if root < 0 || root >= u.world {
		return fmt.Errorf("inproc.Broadcast: root %d out of range for world size %d", root, u.world)
	}
	values := make([]float32, u.calls[root].numElems)
	if err := backends.ReadFloat32s(u.calls[root].primary, 0, values); err != nil {
		return err
	}
	for rank, c := range u.calls {
		if rank == root {
			continue
		}
		if err := backends.WriteFloat32s(c.primary, 0, values); err != nil {
			return err
		}
	}
	return nil
}

// reduceAcrossRanks loads every rank's buffer and folds them element-wise in float32.
func (u *universe) reduceAcrossRanks(pick func(*call) backends.Buffer, n int, op comm.ReduceOp) ([]float32, error) {
	reduced := make([]float32, n)
	scratch := make([]float32, n)
	for rank, c := range u.calls {
		buf := pick(c)
		if buf.Len() != n {
			return nil, fmt.Errorf("inproc: rank %d buffer has %d elements, rank 0 has %d", rank, buf.Len(), n)
		}
		if err := backends.ReadFloat32s(buf, 0, scratch); err != nil {
			return nil, err
		}
		if rank == 0 {
			copy(reduced, scratch)
			continue
		}
		switch op {
		case comm.ReduceSum:
			for idx := range reduced {
				reduced[idx] += scratch[idx]
			}
		case comm.ReduceMax:
			for idx := range reduced {
				if scratch[idx] > reduced[idx] {
					reduced[idx] = scratch[idx]
				}
			}
		default:
			return nil, fmt.Errorf("inproc: unsupported reduce op %s", op)
		}
	}
	return reduced, nil
}

// group is one rank's view of the universe.
type group struct {
	universe *universe
	rank     int
}

var _ comm.Group = (*group)(nil)

func (g *group) Rank() int      { return g.rank }
func (g *group) WorldSize() int { return g.universe.world }

func (g *group) AllReduce(buf backends.Buffer, op comm.ReduceOp) error {
	return g.universe.rendezvous(g.rank, &call{kind: kindAllReduce, op: op, numElems: buf.Len(), primary: buf})
}

func (g *group) ReduceScatter(full backends.Buffer, shard backends.Buffer, op comm.ReduceOp) error {
	return g.universe.rendezvous(g.rank, &call{
		kind: kindReduceScatter, op: op, numElems: full.Len(), primary: full, secondary: shard,
	})
}

func (g *group) AllGather(shard backends.Buffer, full backends.Buffer) error {
	return g.universe.rendezvous(g.rank, &call{
		kind: kindAllGather, numElems: shard.Len(), primary: shard, secondary: full,
	})
}

func (g *group) Broadcast(buf backends.Buffer, root int) error {
	return g.universe.rendezvous(g.rank, &call{kind: kindBroadcast, root: root, numElems: buf.Len(), primary: buf})
}
