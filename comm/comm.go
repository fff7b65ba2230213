// Package comm defines the collective transport contract used by chunkflow.
//
// A Group connects W workers; every collective must be called by all members
// of the group, in the same order, with dtype- and length-consistent buffers.
// Calls block until the collective completes on the issuing worker, making
// every collective a synchronization barrier. Group membership is fixed for
// the lifetime of the Group; membership or call-order disagreements are fatal
// by contract (there is no consistent state to recover to).
package comm

import "github.com/chunkflow/chunkflow/backends"

// ReduceOp selects the element-wise reduction applied by AllReduce/ReduceScatter.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	}
	return "invalid"
}

// Group is one worker's handle into a fixed set of cooperating workers.
type Group interface {
	// Rank of this worker, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of workers in the group.
	WorldSize() int

	// AllReduce reduces buf element-wise across all workers; every worker ends
	// with the same reduced values in buf.
	AllReduce(buf backends.Buffer, op ReduceOp) error

	// ReduceScatter reduces full element-wise across all workers and scatters
	// the result: worker r receives elements [r*len(shard), (r+1)*len(shard))
	// of the reduced buffer into shard. len(full) must equal
	// WorldSize()*len(shard) on every worker.
	ReduceScatter(full backends.Buffer, shard backends.Buffer, op ReduceOp) error

	// AllGather concatenates each worker's shard in rank order into full on
	// every worker. len(full) must equal WorldSize()*len(shard).
	AllGather(shard backends.Buffer, full backends.Buffer) error

	// Broadcast copies root's buf into every other worker's buf.
	Broadcast(buf backends.Buffer, root int) error
}
