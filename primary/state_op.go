package primary

import (
	"github.com/iykyk-syn/braid/vertex"
)

// defines types of state machine operations
type stateOpKind uint8

const (
	headerOp stateOpKind = iota
	voteOp
	certificateOp
	ackOp
	awaitRoundOp
	roundQueryOp
	evidenceOp
	tickOp
)

// awaitResult resolves an awaitRoundOp subscription once the Core reaches the
// awaited round, carrying the candidate parent certificates of the prior round.
type awaitResult struct {
	parents []*vertex.Certificate
}

// stateOp defines operations on the Core state machine. All mutating and
// reading access to the DAG index goes through these, keeping single-writer
// semantics over every DAG slot.
type stateOp struct {
	kind   stateOpKind
	doneCh chan struct{}

	// request data:
	header *vertex.Header      // headerOp
	vote   *vertex.Vote        // voteOp
	cert   *vertex.Certificate // certificateOp
	round  uint64              // ackOp, awaitRoundOp
	sub    chan awaitResult    // awaitRoundOp

	// response data:
	outcome  Outcome
	err      error
	current  uint64     // roundQueryOp
	evidence []Evidence // evidenceOp
}

func newStateOp(kind stateOpKind) *stateOp {
	return &stateOp{kind: kind, doneCh: make(chan struct{})}
}

// complete publishes the op results and notifies the submitter.
func (op *stateOp) complete(outcome Outcome, err error) {
	op.outcome = outcome
	op.err = err
	close(op.doneCh)
}
