package primary

import "github.com/iykyk-syn/braid/vertex"

// Outcome classifies the result of processing an externally delivered
// protocol message. Byzantine input is classified, never panicked on.
type Outcome uint8

const (
	// OutcomeUnknown is the zero value, reported on infrastructure errors.
	OutcomeUnknown Outcome = iota
	// OutcomeAccepted covers successful processing, including idempotent
	// re-delivery of an already known message.
	OutcomeAccepted
	// OutcomeRejectedPermanent covers protocol violations: bad signatures,
	// wrong committee, equivocation, stale rounds. Never retried.
	OutcomeRejectedPermanent
	// OutcomeRejectedTransient covers conditions expected to resolve, like
	// missing parents awaiting synchronization. Retried via re-delivery.
	OutcomeRejectedTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejectedPermanent:
		return "rejected-permanent"
	case OutcomeRejectedTransient:
		return "rejected-transient"
	default:
		return "unknown"
	}
}

// Evidence records two conflicting signed artifacts from one identity for the
// same round. Retained for reporting, never fatal to liveness.
type Evidence struct {
	// Offender is the equivocating identity: a header author or a voter.
	Offender []byte
	Round    uint64
	// First is the digest of the artifact that was kept.
	First vertex.Digest
	// Second is the digest of the conflicting artifact.
	Second vertex.Digest
}
