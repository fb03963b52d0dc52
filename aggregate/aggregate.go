// Package aggregate accumulates votes into quorum certificates.
package aggregate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/iykyk-syn/braid/committee"
	"github.com/iykyk-syn/braid/crypto"
	"github.com/iykyk-syn/braid/vertex"
)

var (
	// ErrDuplicateVote reports a repeated vote from the same signer over the
	// same header. Harmless under message re-delivery.
	ErrDuplicateVote = errors.New("duplicate vote")
	// ErrStaleRound reports a vote for a round already garbage-collected.
	ErrStaleRound = errors.New("vote for stale round")
)

// ConflictError reports a signer voting for two different headers of the same
// (author, round): equivocation by the voter. The first vote is kept.
type ConflictError struct {
	Existing    *vertex.Vote
	Conflicting *vertex.Vote
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting vote from %X for round %d", e.Conflicting.Signature.Signer, e.Conflicting.Round)
}

type slot struct {
	author string
	round  uint64
}

type voteSet struct {
	// votes keyed by signer identity. A signer's first vote is kept, later
	// conflicting ones are equivocation evidence.
	votes map[string]*vertex.Vote
	// stake collected per header digest. Only votes over one digest can ever
	// form a certificate.
	stake map[vertex.Digest]int64
}

// Aggregator maintains per (author, round) vote sets and produces exactly one
// Certificate per slot once the stake-weighted quorum threshold is crossed.
// The earliest-completing quorum wins; the vote set is cleared afterwards to
// bound memory. Not safe for concurrent use: the Core's single processing
// loop owns it.
type Aggregator struct {
	comm *committee.Committee

	sets  map[slot]*voteSet
	done  map[slot]struct{}
	floor uint64

	log *slog.Logger
}

// New instantiates an Aggregator over the given committee snapshot.
func New(comm *committee.Committee) *Aggregator {
	return &Aggregator{
		comm: comm,
		sets: make(map[slot]*voteSet),
		done: make(map[slot]struct{}),
		log:  slog.With("module", "aggregator"),
	}
}

// Add verifies and records a vote over the given header. It returns a
// Certificate exactly once: when the vote crosses the quorum threshold for
// the header's (author, round) slot. Subsequent votes for a completed slot
// report (nil, nil).
func (a *Aggregator) Add(v *vertex.Vote, h *vertex.Header) (*vertex.Certificate, error) {
	if v.Round < a.floor {
		return nil, ErrStaleRound
	}
	if err := v.Validate(a.comm); err != nil {
		return nil, err
	}

	dgst, err := h.Digest()
	if err != nil {
		return nil, err
	}
	if dgst != v.Header {
		return nil, errors.New("vote does not match the header")
	}

	key := slot{author: string(v.Author), round: v.Round}
	if _, ok := a.done[key]; ok {
		return nil, nil
	}

	set, ok := a.sets[key]
	if !ok {
		set = &voteSet{
			votes: make(map[string]*vertex.Vote),
			stake: make(map[vertex.Digest]int64),
		}
		a.sets[key] = set
	}

	signer := string(v.Signature.Signer)
	if existing, ok := set.votes[signer]; ok {
		if existing.Header == v.Header {
			return nil, ErrDuplicateVote
		}
		return nil, &ConflictError{Existing: existing, Conflicting: v}
	}

	set.votes[signer] = v
	set.stake[v.Header] += a.comm.StakeOf(v.Signature.Signer)
	if set.stake[v.Header] < a.comm.QuorumStake() {
		return nil, nil
	}

	// quorum crossed: assemble the certificate from the votes over this
	// exact digest and drop the in-progress state
	sigs := make([]crypto.Signature, 0, len(set.votes))
	for _, vote := range set.votes {
		if vote.Header == v.Header {
			sigs = append(sigs, vote.Signature)
		}
	}

	cert := vertex.NewCertificate(*h, sigs)
	delete(a.sets, key)
	a.done[key] = struct{}{}

	a.log.Debug("certificate formed",
		"author", fmt.Sprintf("%X", v.Author), "round", v.Round, "signatures", len(sigs))
	return cert, nil
}

// ClearBelow drops all vote state for rounds strictly below the given round
// and refuses votes for them from now on.
func (a *Aggregator) ClearBelow(round uint64) {
	if round <= a.floor {
		return
	}
	a.floor = round
	for key := range a.sets {
		if key.round < round {
			delete(a.sets, key)
		}
	}
	for key := range a.done {
		if key.round < round {
			delete(a.done, key)
		}
	}
}
