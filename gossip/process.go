package gossip

import (
	"context"
	"fmt"

	"github.com/iykyk-syn/braid/primary"
	"github.com/iykyk-syn/braid/vertex"
)

const (
	kindHeader uint8 = iota + 1
	kindVote
	kindCertificate
)

// envelope is the wire frame of a gossiped protocol message.
type envelope struct {
	Kind    uint8
	Payload []byte
}

func (bro *Broadcaster) processGossip(ctx context.Context, env *envelope) (primary.Outcome, error) {
	switch env.Kind {
	case kindHeader:
		var h vertex.Header
		if err := h.UnmarshalBinary(env.Payload); err != nil {
			return primary.OutcomeRejectedPermanent, fmt.Errorf("unmarshalling header: %w", err)
		}
		bro.log.DebugContext(ctx, "processing header message", "round", h.Round)
		return bro.handler.SubmitHeader(ctx, &h)
	case kindVote:
		var v vertex.Vote
		if err := v.UnmarshalBinary(env.Payload); err != nil {
			return primary.OutcomeRejectedPermanent, fmt.Errorf("unmarshalling vote: %w", err)
		}
		bro.log.DebugContext(ctx, "processing vote message", "round", v.Round)
		return bro.handler.SubmitVote(ctx, &v)
	case kindCertificate:
		var cert vertex.Certificate
		if err := cert.UnmarshalBinary(env.Payload); err != nil {
			return primary.OutcomeRejectedPermanent, fmt.Errorf("unmarshalling certificate: %w", err)
		}
		bro.log.DebugContext(ctx, "processing certificate message", "round", cert.Round())
		return bro.handler.SubmitCertificate(ctx, &cert)
	default:
		return primary.OutcomeRejectedPermanent, fmt.Errorf("unknown message type %d", env.Kind)
	}
}
