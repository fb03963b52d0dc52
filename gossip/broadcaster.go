// Package gossip broadcasts and delivers protocol messages between peer
// primaries over a PubSub network.
package gossip

import (
	"context"
	"encoding"
	"errors"
	"log/slog"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/iykyk-syn/braid/primary"
	"github.com/iykyk-syn/braid/vertex"
)

// NetworkID identifies a particular network of nodes.
type NetworkID string

// String returns string representation of NetworkID.
func (nid NetworkID) String() string {
	return string(nid)
}

// Handler consumes delivered protocol messages. Satisfied by the primary Core.
type Handler interface {
	SubmitHeader(context.Context, *vertex.Header) (primary.Outcome, error)
	SubmitVote(context.Context, *vertex.Vote) (primary.Outcome, error)
	SubmitCertificate(context.Context, *vertex.Certificate) (primary.Outcome, error)
}

// Broadcaster publishes headers, votes and certificates on a single topic per
// network and delivers inbound ones into the Handler through a topic
// validator, so invalid messages are not propagated further.
type Broadcaster struct {
	networkID NetworkID

	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	handler Handler

	log *slog.Logger
}

// NewBroadcaster instantiates a new gossiping [Broadcaster].
func NewBroadcaster(networkID NetworkID, handler Handler, ps *pubsub.PubSub) *Broadcaster {
	return &Broadcaster{
		networkID: networkID,
		pubsub:    ps,
		handler:   handler,
		log:       slog.With("module", "gossip"),
	}
}

func (bro *Broadcaster) Start() (err error) {
	bro.topic, err = bro.pubsub.Join(bro.networkID.String())
	if err != nil {
		return err
	}

	// pubsub forces us to create at least one subscription
	bro.sub, err = bro.topic.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		for {
			_, err := bro.sub.Next(context.Background())
			if err != nil {
				return
			}
		}
	}()

	err = bro.pubsub.RegisterTopicValidator(
		bro.networkID.String(),
		bro.deliverGossip,
		pubsub.WithValidatorTimeout(time.Second*5),
	)
	if err != nil {
		return err
	}

	return nil
}

func (bro *Broadcaster) Stop(ctx context.Context) (err error) {
	bro.sub.Cancel()
	err = errors.Join(err, bro.topic.Close())
	err = errors.Join(err, bro.pubsub.UnregisterTopicValidator(bro.networkID.String()))
	return err
}

// BroadcastHeader publishes a header to the network.
func (bro *Broadcaster) BroadcastHeader(ctx context.Context, h *vertex.Header) error {
	return bro.publish(ctx, kindHeader, h)
}

// BroadcastVote publishes a vote to the network.
func (bro *Broadcaster) BroadcastVote(ctx context.Context, v *vertex.Vote) error {
	return bro.publish(ctx, kindVote, v)
}

// BroadcastCertificate publishes a certificate to the network.
func (bro *Broadcaster) BroadcastCertificate(ctx context.Context, cert *vertex.Certificate) error {
	return bro.publish(ctx, kindCertificate, cert)
}

func (bro *Broadcaster) publish(ctx context.Context, kind uint8, msg encoding.BinaryMarshaler) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	bin, err := vertex.Marshal(&envelope{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return bro.topic.Publish(ctx, bin)
}

// deliverGossip delivers a PubSub gossip and reports its validity status.
func (bro *Broadcaster) deliverGossip(ctx context.Context, _ peer.ID, gossip *pubsub.Message) (res pubsub.ValidationResult) {
	defer func() {
		// recover from potential panics caused by network gossips
		if err := recover(); err != nil {
			bro.log.ErrorContext(ctx, "deliver gossip panic", "err", err)
			res = pubsub.ValidationReject
		}
	}()

	var env envelope
	if err := vertex.Unmarshal(gossip.Data, &env); err != nil {
		bro.log.ErrorContext(ctx, "unmarshalling gossip data", "err", err)
		return pubsub.ValidationReject
	}

	outcome, err := bro.processGossip(ctx, &env)
	if err != nil {
		bro.log.DebugContext(ctx, "processing gossip", "outcome", outcome.String(), "err", err)
	}

	switch outcome {
	case primary.OutcomeAccepted:
		return pubsub.ValidationAccept
	case primary.OutcomeRejectedTransient:
		// expected to resolve after synchronization: do not penalize the
		// sender, do not propagate
		return pubsub.ValidationIgnore
	default:
		return pubsub.ValidationReject
	}
}
