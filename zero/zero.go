// Package zero drives the distributed mixed-precision optimizer step over
// chunked model state.
//
// Every worker runs the same per-step state machine in lockstep:
//
//	ACCUMULATING -> REDUCING -> OVERFLOW_CHECK -> {SKIPPED | UPDATING} -> DONE
//
// Gradients from the backward pass are accumulated into gradient chunks
// (AccumulateGradient), reduced across the group (all-reduce for replicated
// parameters, reduce-scatter for sharded ones), checked for non-finite values
// with one group-wide verdict, and then either discarded (the loss scale backs
// off) or applied to the float32 master weights through the external
// UpdateRule, with the result truncated back into the compute-precision
// parameter chunks.
//
// Collectives double as synchronization barriers, and chunks are always
// visited in id order, so all workers issue group-consistent collective
// sequences by construction.
package zero

import "fmt"

// UpdateRule is the external single-parameter update rule (e.g. Adam) the
// driver applies per owned chunk range. The driver never exposes an unscaled
// gradient buffer: grad still carries the loss scale (and the group-size
// averaging divisor), and the rule must multiply it by gradScale on use.
type UpdateRule interface {
	// Slots names the per-parameter state slots the rule needs, e.g. ["m", "v"].
	// One float32 chunk group is materialized per slot.
	Slots() []string

	// Step updates param in place. grad, param and every slots[i] have equal
	// length; step is the 1-based count of applied (non-skipped) steps.
	Step(param, grad []float32, slots [][]float32, step int64, gradScale float32)
}

// Phase of the per-step state machine.
type Phase int

const (
	PhaseAccumulating Phase = iota
	PhaseReducing
	PhaseOverflowCheck
	PhaseUpdating
	PhaseDone
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseAccumulating:
		return "ACCUMULATING"
	case PhaseReducing:
		return "REDUCING"
	case PhaseOverflowCheck:
		return "OVERFLOW_CHECK"
	case PhaseUpdating:
		return "UPDATING"
	case PhaseDone:
		return "DONE"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// StepResult reports what one Step did.
type StepResult struct {
	// Skipped is true when a non-finite gradient was detected anywhere in the
	// group: no parameter was touched and the loss scale backed off. Expected
	// control flow, not an error.
	Skipped bool

	// Scale is the loss scale after the step's scale update.
	Scale float64

	// GlobalStep counts applied (non-skipped) steps.
	GlobalStep int64
}
