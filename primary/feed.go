package primary

import (
	"context"

	"github.com/iykyk-syn/braid/vertex"
)

// Feed is the boundary with the downstream consensus-ordering stage: an
// append-only sequence of certified vertices, parents always before children,
// with deterministic author order within a round. The consumer acknowledges
// rounds it has fully consumed; garbage collection never evicts a round past
// the acknowledged frontier.
type Feed struct {
	deliveries chan *vertex.Certificate
	ack        func(context.Context, uint64) error
}

func newFeed(size int, ack func(context.Context, uint64) error) *Feed {
	return &Feed{
		deliveries: make(chan *vertex.Certificate, size),
		ack:        ack,
	}
}

// Deliveries streams newly certified vertices. The channel is bounded: a slow
// consumer backpressures certificate insertion rather than growing memory.
func (f *Feed) Deliveries() <-chan *vertex.Certificate {
	return f.deliveries
}

// Ack marks all rounds up to and including the given round as consumed,
// releasing them for garbage collection.
func (f *Feed) Ack(ctx context.Context, round uint64) error {
	return f.ack(ctx, round)
}
