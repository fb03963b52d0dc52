// Package proposer builds this validator's own headers, one per round.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iykyk-syn/braid/board"
	"github.com/iykyk-syn/braid/crypto"
	"github.com/iykyk-syn/braid/primary"
	"github.com/iykyk-syn/braid/store"
	"github.com/iykyk-syn/braid/vertex"
)

// Rounds is the proposer's view of the Core: round progression and header
// submission. The proposer never mutates the DAG directly.
type Rounds interface {
	CurrentRound(context.Context) (uint64, error)
	AwaitRound(context.Context, uint64) ([]*vertex.Certificate, error)
	SubmitHeader(context.Context, *vertex.Header) (primary.Outcome, error)
}

// Broadcaster publishes headers to peer primaries.
type Broadcaster interface {
	BroadcastHeader(context.Context, *vertex.Header) error
}

// Config carries the proposer tunables.
type Config struct {
	// MinDelay is the minimum interval between consecutive proposals. It
	// bounds the round production rate so slower validators keep up, trading
	// a little latency for DAG stability.
	MinDelay time.Duration
	// MaxBatches caps the number of batch digests per header.
	MaxBatches int
	// BatchWait is how long to wait for at least one fresh batch before
	// proposing an empty header to keep rounds alive.
	BatchWait time.Duration
}

// DefaultConfig returns the default proposer tunables.
func DefaultConfig() Config {
	return Config{
		MinDelay:   500 * time.Millisecond,
		MaxBatches: 32,
		BatchWait:  2 * time.Second,
	}
}

// Proposer assembles, signs, persists and broadcasts this validator's Header
// once per round, once the Core advanced there and enough parents exist.
// Signing plus persistence is the commit point: nothing after it rolls back.
type Proposer struct {
	cfg    Config
	rounds Rounds
	board  *board.Board
	store  *store.Store
	signer crypto.Signer
	bcast  Broadcaster

	lastProposal time.Time

	log    *slog.Logger
	cancel context.CancelFunc
}

// New instantiates a Proposer.
func New(
	cfg Config,
	rounds Rounds,
	b *board.Board,
	st *store.Store,
	signer crypto.Signer,
	bcast Broadcaster,
) *Proposer {
	return &Proposer{
		cfg:    cfg,
		rounds: rounds,
		board:  b,
		store:  st,
		signer: signer,
		bcast:  bcast,
		log:    slog.With("module", "proposer"),
	}
}

func (p *Proposer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	p.log.Debug("started")
}

func (p *Proposer) Stop() {
	p.cancel()
}

// run is indefinitely producing new headers as the Core advances rounds.
func (p *Proposer) run(ctx context.Context) {
	round, err := p.startRoundNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("resolving starting round", "err", err)
		}
		return
	}

	for ctx.Err() == nil {
		err := p.propose(ctx, round)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.ErrorContext(ctx, "proposing header", "round", round, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		round++
	}
}

// startRoundNumber picks the first round to propose in, re-publishing a
// pre-crash proposal instead of equivocating against it.
func (p *Proposer) startRoundNumber(ctx context.Context) (uint64, error) {
	round, err := p.rounds.CurrentRound(ctx)
	if err != nil {
		return 0, err
	}

	last, err := p.store.LastProposed()
	if errors.Is(err, store.ErrNotFound) {
		return round, nil
	}
	if err != nil {
		return 0, err
	}

	if last.Round >= round {
		p.log.Info("re-publishing recovered proposal", "round", last.Round)
		if err := p.bcast.BroadcastHeader(ctx, last); err != nil {
			p.log.Warn("re-broadcasting recovered header", "err", err)
		}
		if _, err := p.rounds.SubmitHeader(ctx, last); err != nil {
			p.log.Warn("re-submitting recovered header", "err", err)
		}
		return last.Round + 1, nil
	}
	return round, nil
}

// propose assembles this validator's header for the round and hands it to the
// network and the local Core.
//
// assembling stages:
// * await the Core advancing to the round, collecting last round's certificates as parents
// * respect the minimum inter-proposal delay
// * drain fresh batch digests from the board, bounded by the cap
// * sign and persist the header: the commit point
// * broadcast it and submit it to the local Core for voting
func (p *Proposer) propose(ctx context.Context, round uint64) error {
	// a retry after a post-commit-point failure must re-publish the persisted
	// header rather than sign a conflicting one for the same round
	last, err := p.store.LastProposed()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && last.Round == round {
		if err := p.bcast.BroadcastHeader(ctx, last); err != nil {
			p.log.WarnContext(ctx, "re-broadcasting header", "round", round, "err", err)
		}
		if _, err := p.rounds.SubmitHeader(ctx, last); err != nil {
			return fmt.Errorf("re-submitting own header: %w", err)
		}
		return nil
	}

	parentCerts, err := p.rounds.AwaitRound(ctx, round)
	if err != nil {
		return err
	}

	parents := make([]vertex.Digest, len(parentCerts))
	for i, cert := range parentCerts {
		parents[i], err = cert.Digest()
		if err != nil {
			return err
		}
	}

	if wait := p.cfg.MinDelay - time.Since(p.lastProposal); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.board.Len() == 0 && p.cfg.BatchWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchWait)
		_ = p.board.Wait(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	batches := p.board.Take(p.cfg.MaxBatches)
	digests := make([]vertex.Digest, len(batches))
	for i, b := range batches {
		digests[i] = b.Digest
	}

	h := &vertex.Header{
		Author:    p.signer.ID(),
		Round:     round,
		Batches:   digests,
		Parents:   parents,
		Timestamp: time.Now().UnixNano(),
	}
	if err := h.Sign(p.signer); err != nil {
		p.board.Return(batches)
		return fmt.Errorf("signing header: %w", err)
	}

	if err := p.store.PutOwnHeader(h); err != nil {
		p.board.Return(batches)
		return fmt.Errorf("persisting own header: %w", err)
	}
	p.lastProposal = time.Now()

	if err := p.bcast.BroadcastHeader(ctx, h); err != nil {
		p.log.WarnContext(ctx, "broadcasting header", "err", err)
	}
	if _, err := p.rounds.SubmitHeader(ctx, h); err != nil {
		return fmt.Errorf("submitting own header: %w", err)
	}

	p.log.InfoContext(ctx, "proposed header",
		"round", round, "batches", len(digests), "parents", len(parents))
	return nil
}
