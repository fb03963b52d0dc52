// Package primary implements the protocol state machine of the DAG mempool:
// it validates headers, casts votes, aggregates certificates, maintains the
// certified DAG and feeds it downstream.
package primary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/iykyk-syn/braid/aggregate"
	"github.com/iykyk-syn/braid/committee"
	"github.com/iykyk-syn/braid/crypto"
	"github.com/iykyk-syn/braid/store"
	"github.com/iykyk-syn/braid/vertex"
)

// errClosedCore signals that the Core is accessed after being stopped.
var errClosedCore = errors.New("closed core access")

// Broadcaster sends protocol messages to peer primaries.
type Broadcaster interface {
	// BroadcastVote publishes a vote to the network.
	BroadcastVote(context.Context, *vertex.Vote) error
}

// Fetcher backfills missing causal ancestors from peers. Requests are
// asynchronous: resolved certificates come back through SubmitCertificate.
type Fetcher interface {
	// RequestCertificates asks for the certificates with the given digests,
	// preferring the origin author as the first source.
	RequestCertificates(origin []byte, digests []vertex.Digest)
}

// Config carries the operational tunables of the Core. None of them are
// protocol invariants.
type Config struct {
	// GCDepth is the number of trailing rounds retained before eviction.
	GCDepth uint64
	// RoundWindow is how far ahead of the local round inbound vertices are
	// buffered instead of processed.
	RoundWindow uint64
	// PendingLimit bounds the buffer of vertices awaiting missing parents.
	PendingLimit int
	// PendingTimeout is how long a vertex may await its parents before it is
	// dropped and must be re-delivered by its origin.
	PendingTimeout time.Duration
	// OpBuffer is the capacity of the state operation channel.
	OpBuffer int
	// FeedBuffer is the capacity of the downstream delivery channel.
	FeedBuffer int
}

// DefaultConfig returns the default Core tunables.
func DefaultConfig() Config {
	return Config{
		GCDepth:        64,
		RoundWindow:    16,
		PendingLimit:   1024,
		PendingTimeout: time.Minute,
		OpBuffer:       64,
		FeedBuffer:     1024,
	}
}

type slotKey struct {
	author string
	round  uint64
}

type certInfo struct {
	author string
	round  uint64
}

// pendingVertex is a header or certificate suspended on missing parents.
type pendingVertex struct {
	header   *vertex.Header
	cert     *vertex.Certificate
	deadline time.Time
}

func (p *pendingVertex) round() uint64 {
	if p.cert != nil {
		return p.cert.Round()
	}
	return p.header.Round
}

func (p *pendingVertex) author() []byte {
	if p.cert != nil {
		return p.cert.Author()
	}
	return p.header.Author
}

func (p *pendingVertex) parents() []vertex.Digest {
	if p.cert != nil {
		return p.cert.Header.Parents
	}
	return p.header.Parents
}

// Core is the protocol state machine. It exclusively owns the DAG index and
// the Store; every mutating operation routes through its single processing
// loop, giving total order over any (author, round) slot.
type Core struct {
	cfg    Config
	comm   *committee.Committee
	signer crypto.Signer
	store  *store.Store
	agg    *aggregate.Aggregator
	bcast  Broadcaster
	fetch  Fetcher
	feed   *Feed

	round uint64
	acked uint64

	certs      map[vertex.Digest]certInfo
	slots      map[uint64]map[string]vertex.Digest
	roundStake map[uint64]int64
	headers    map[vertex.Digest]*vertex.Header
	voted      map[slotKey]vertex.Digest
	votes      map[slotKey]*vertex.Vote

	equivocators map[string][]Evidence
	pending      *lru.Cache
	roundSubs    map[uint64][]chan awaitResult

	recovered []*vertex.Certificate

	opCh              chan *stateOp
	closeCh, closedCh chan struct{}
	cancel            context.CancelFunc
	fatalErr          error

	log *slog.Logger
}

// New instantiates a Core over the given collaborators and recovers its round
// and DAG index from the Store.
func New(
	cfg Config,
	comm *committee.Committee,
	signer crypto.Signer,
	st *store.Store,
	bcast Broadcaster,
	fetch Fetcher,
) (*Core, error) {
	pending, err := lru.New(cfg.PendingLimit)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:          cfg,
		comm:         comm,
		signer:       signer,
		store:        st,
		agg:          aggregate.New(comm),
		bcast:        bcast,
		fetch:        fetch,
		certs:        make(map[vertex.Digest]certInfo),
		slots:        make(map[uint64]map[string]vertex.Digest),
		roundStake:   make(map[uint64]int64),
		headers:      make(map[vertex.Digest]*vertex.Header),
		voted:        make(map[slotKey]vertex.Digest),
		votes:        make(map[slotKey]*vertex.Vote),
		equivocators: make(map[string][]Evidence),
		pending:      pending,
		roundSubs:    make(map[uint64][]chan awaitResult),
		opCh:         make(chan *stateOp, cfg.OpBuffer),
		closeCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		log:          slog.With("module", "core"),
	}
	c.feed = newFeed(cfg.FeedBuffer, c.submitAck)

	if err := c.recover(); err != nil {
		return nil, fmt.Errorf("recovering core state: %w", err)
	}
	return c, nil
}

// recover rebuilds the DAG index and the current round purely from the Store.
func (c *Core) recover() error {
	committed, err := c.store.CommittedRound()
	if err != nil {
		return err
	}
	c.acked = committed
	c.round = committed

	// the store retains GCDepth rounds below the committed marker; index them
	// too so headers citing them resolve without a refetch
	var start uint64
	if committed > c.cfg.GCDepth {
		start = committed - c.cfg.GCDepth
	}
	for r := start; ; r++ {
		certs, err := c.store.CertificatesInRound(r)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			if r < committed {
				continue
			}
			break
		}

		sortCertificates(certs)
		for _, cert := range certs {
			dgst, err := cert.Digest()
			if err != nil {
				return err
			}
			c.index(dgst, cert)
			// the zero marker means nothing was ever acknowledged, so even
			// genesis certificates must be re-emitted
			if committed == 0 || cert.Round() > committed {
				c.recovered = append(c.recovered, cert)
			}
		}
		if c.roundStake[r] >= c.comm.QuorumStake() {
			c.round = r + 1
		}
	}

	if len(c.recovered) > 0 || c.round > 0 {
		c.log.Info("recovered from store", "round", c.round, "committed", committed,
			"replayed", len(c.recovered))
	}
	return nil
}

// Start launches the processing loop.
func (c *Core) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.stateLoop()
	go c.tickLoop(ctx)
	c.log.Debug("started")
}

// Stop terminates the processing loop, waiting for in-flight operations to
// complete or the context to expire.
func (c *Core) Stop(ctx context.Context) error {
	select {
	case <-c.closeCh:
		return errClosedCore
	default:
	}

	c.cancel()
	close(c.closeCh)
	select {
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Feed returns the downstream consensus delivery boundary.
func (c *Core) Feed() *Feed {
	return c.feed
}

// Err reports the fatal storage error that stopped the Core, if any.
func (c *Core) Err() error {
	select {
	case <-c.closedCh:
		return c.fatalErr
	default:
		return nil
	}
}

// SubmitHeader processes a header delivered by a peer or by the local proposer.
func (c *Core) SubmitHeader(ctx context.Context, h *vertex.Header) (Outcome, error) {
	op := newStateOp(headerOp)
	op.header = h
	return c.execOp(ctx, op)
}

// SubmitVote processes a vote delivered by a peer.
func (c *Core) SubmitVote(ctx context.Context, v *vertex.Vote) (Outcome, error) {
	op := newStateOp(voteOp)
	op.vote = v
	return c.execOp(ctx, op)
}

// SubmitCertificate processes a certificate delivered by a peer or resolved
// by the synchronizer.
func (c *Core) SubmitCertificate(ctx context.Context, cert *vertex.Certificate) (Outcome, error) {
	op := newStateOp(certificateOp)
	op.cert = cert
	return c.execOp(ctx, op)
}

// CurrentRound reports the Core's current round.
func (c *Core) CurrentRound(ctx context.Context) (uint64, error) {
	op := newStateOp(roundQueryOp)
	if _, err := c.execOp(ctx, op); err != nil {
		return 0, err
	}
	return op.current, nil
}

// AwaitRound blocks until the Core advances to the given round and returns
// the candidate parent certificates of the prior round.
func (c *Core) AwaitRound(ctx context.Context, round uint64) ([]*vertex.Certificate, error) {
	op := newStateOp(awaitRoundOp)
	op.round = round
	op.sub = make(chan awaitResult, 1)
	if _, err := c.execOp(ctx, op); err != nil {
		return nil, err
	}

	select {
	case res := <-op.sub:
		return res.parents, nil
	case <-c.closedCh:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Equivocators lists the equivocation evidence collected so far.
func (c *Core) Equivocators(ctx context.Context) ([]Evidence, error) {
	op := newStateOp(evidenceOp)
	if _, err := c.execOp(ctx, op); err != nil {
		return nil, err
	}
	return op.evidence, nil
}

func (c *Core) submitAck(ctx context.Context, round uint64) error {
	op := newStateOp(ackOp)
	op.round = round
	_, err := c.execOp(ctx, op)
	return err
}

// execOp submits an operation to the state loop and awaits its completion.
func (c *Core) execOp(ctx context.Context, op *stateOp) (Outcome, error) {
	select {
	case c.opCh <- op:
	case <-c.closedCh:
		return OutcomeUnknown, c.closedErr()
	case <-ctx.Done():
		return OutcomeUnknown, ctx.Err()
	}

	select {
	case <-op.doneCh:
		return op.outcome, op.err
	case <-c.closedCh:
		return OutcomeUnknown, c.closedErr()
	case <-ctx.Done():
		return OutcomeUnknown, ctx.Err()
	}
}

func (c *Core) closedErr() error {
	if c.fatalErr != nil {
		return c.fatalErr
	}
	return errClosedCore
}

// stateLoop executes state operations sequentially, making the Core the
// single writer over the DAG index and the Store.
func (c *Core) stateLoop() {
	defer close(c.closedCh)

	// re-emit recovered but unacknowledged vertices downstream
	for _, cert := range c.recovered {
		select {
		case c.feed.deliveries <- cert:
		case <-c.closeCh:
			return
		}
	}
	c.recovered = nil

	for {
		select {
		case op := <-c.opCh:
			c.doOp(op)
			if c.fatalErr != nil {
				return
			}
		case <-c.closeCh:
			// drain pending ops before closing
			for {
				select {
				case op := <-c.opCh:
					c.doOp(op)
					if c.fatalErr != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Core) doOp(op *stateOp) {
	switch op.kind {
	case headerOp:
		outcome, err := c.processHeader(op.header)
		op.complete(outcome, err)
	case voteOp:
		outcome, err := c.processVote(op.vote)
		op.complete(outcome, err)
	case certificateOp:
		outcome, err := c.processCertificate(op.cert)
		op.complete(outcome, err)
	case ackOp:
		c.stateAck(op)
	case awaitRoundOp:
		c.stateAwaitRound(op)
	case roundQueryOp:
		op.current = c.round
		op.complete(OutcomeAccepted, nil)
	case evidenceOp:
		for _, evs := range c.equivocators {
			op.evidence = append(op.evidence, evs...)
		}
		op.complete(OutcomeAccepted, nil)
	case tickOp:
		c.expirePending()
		op.complete(OutcomeAccepted, nil)
	default:
		panic("unknown operation type")
	}
}

// fail records a fatal storage fault. Crash-and-restart is the recovery
// strategy: the Store's durability makes restart safe.
func (c *Core) fail(err error) {
	c.log.Error("fatal storage fault", "err", err)
	c.fatalErr = err
}

func (c *Core) gcFloor() uint64 {
	base := min(c.round, c.acked)
	if base <= c.cfg.GCDepth {
		return 0
	}
	return base - c.cfg.GCDepth
}

func (c *Core) processHeader(h *vertex.Header) (Outcome, error) {
	dgst, err := h.Digest()
	if err != nil {
		return OutcomeRejectedPermanent, err
	}

	author := string(h.Author)
	if _, ok := c.equivocators[author]; ok {
		return OutcomeRejectedPermanent, fmt.Errorf("header from flagged equivocator %X", h.Author)
	}

	floor := c.gcFloor()
	if h.Round < floor {
		return OutcomeRejectedPermanent, fmt.Errorf("header round %d below gc floor %d", h.Round, floor)
	}

	key := slotKey{author: author, round: h.Round}
	if prev, ok := c.voted[key]; ok {
		if prev == dgst {
			// idempotent re-delivery: repeat our vote so the origin can
			// still form its certificate
			if v, ok := c.votes[key]; ok {
				c.broadcastVote(v)
			}
			return OutcomeAccepted, nil
		}
		c.flagEquivocator(h.Author, h.Round, prev, dgst)
		return OutcomeRejectedPermanent, fmt.Errorf("equivocating header from %X in round %d", h.Author, h.Round)
	}
	if certified, ok := c.slots[h.Round][author]; ok {
		if certified == dgst {
			return OutcomeAccepted, nil
		}
		c.flagEquivocator(h.Author, h.Round, certified, dgst)
		return OutcomeRejectedPermanent, fmt.Errorf("header conflicts with certificate of %X in round %d", h.Author, h.Round)
	}

	if err := h.Validate(c.comm); err != nil {
		return OutcomeRejectedPermanent, err
	}

	if h.Round > c.round+c.cfg.RoundWindow {
		c.suspend(&pendingVertex{header: h})
		return OutcomeRejectedTransient, fmt.Errorf("header round %d too far ahead of %d", h.Round, c.round)
	}

	if h.Round > 0 && h.Round-1 >= floor {
		missing := c.missingParents(h.Parents)
		if len(missing) > 0 {
			c.suspend(&pendingVertex{header: h})
			c.fetch.RequestCertificates(h.Author, missing)
			return OutcomeRejectedTransient, fmt.Errorf("header %s awaits %d parents", dgst, len(missing))
		}

		var parentStake int64
		for _, p := range h.Parents {
			info := c.certs[p]
			if info.round != h.Round-1 {
				return OutcomeRejectedPermanent, fmt.Errorf(
					"header parent %s certified in round %d, want %d", p, info.round, h.Round-1)
			}
			parentStake += c.comm.StakeOf([]byte(info.author))
		}
		if parentStake < c.comm.QuorumStake() {
			return OutcomeRejectedPermanent, fmt.Errorf(
				"header parents carry stake %d below quorum %d", parentStake, c.comm.QuorumStake())
		}
	}

	if err := c.store.PutHeader(h); err != nil {
		c.fail(err)
		return OutcomeUnknown, err
	}
	c.headers[dgst] = h

	vote, err := vertex.NewVote(h, c.signer)
	if err != nil {
		return OutcomeUnknown, err
	}
	c.voted[key] = dgst
	c.votes[key] = vote
	c.broadcastVote(vote)

	c.log.Debug("voted", "header", dgst, "round", h.Round)

	// count our own vote immediately: pubsub does not echo our publications
	if _, err := c.processVote(vote); err != nil {
		c.log.Warn("processing own vote", "err", err)
	}
	return OutcomeAccepted, nil
}

func (c *Core) processVote(v *vertex.Vote) (Outcome, error) {
	author := string(v.Author)
	if certified, ok := c.slots[v.Round][author]; ok && certified == v.Header {
		// certificate already exists for this slot
		return OutcomeAccepted, nil
	}

	h, ok := c.headers[v.Header]
	if !ok {
		var err error
		h, err = c.store.Header(v.Header)
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeRejectedTransient, fmt.Errorf("vote for unknown header %s", v.Header)
		}
		if err != nil {
			c.fail(err)
			return OutcomeUnknown, err
		}
	}

	cert, err := c.agg.Add(v, h)
	switch {
	case errors.Is(err, aggregate.ErrDuplicateVote):
		return OutcomeAccepted, nil
	case errors.Is(err, aggregate.ErrStaleRound):
		return OutcomeRejectedPermanent, err
	case err != nil:
		var conflict *aggregate.ConflictError
		if errors.As(err, &conflict) {
			c.flagEquivocator(v.Signature.Signer, v.Round,
				conflict.Existing.Header, conflict.Conflicting.Header)
		}
		return OutcomeRejectedPermanent, err
	}

	if cert != nil {
		return c.processCertificate(cert)
	}
	return OutcomeAccepted, nil
}

func (c *Core) processCertificate(cert *vertex.Certificate) (Outcome, error) {
	dgst, err := cert.Digest()
	if err != nil {
		return OutcomeRejectedPermanent, err
	}
	if _, ok := c.certs[dgst]; ok {
		// idempotent under retries and re-delivery
		return OutcomeAccepted, nil
	}

	author := string(cert.Author())
	if existing, ok := c.slots[cert.Round()][author]; ok && existing != dgst {
		c.flagEquivocator(cert.Author(), cert.Round(), existing, dgst)
		return OutcomeRejectedPermanent, fmt.Errorf(
			"conflicting certificate for %X in round %d", cert.Author(), cert.Round())
	}

	floor := c.gcFloor()
	if cert.Round() < floor {
		return OutcomeRejectedPermanent, fmt.Errorf(
			"certificate round %d below gc floor %d", cert.Round(), floor)
	}

	if err := cert.Validate(c.comm); err != nil {
		return OutcomeRejectedPermanent, err
	}

	if cert.Round() > c.round+c.cfg.RoundWindow {
		c.suspend(&pendingVertex{cert: cert})
		return OutcomeRejectedTransient, fmt.Errorf(
			"certificate round %d too far ahead of %d", cert.Round(), c.round)
	}

	// parents referencing evicted rounds are treated as already satisfied
	if cert.Round() > 0 && cert.Round()-1 >= floor {
		missing := c.missingParents(cert.Header.Parents)
		if len(missing) > 0 {
			c.suspend(&pendingVertex{cert: cert})
			c.fetch.RequestCertificates(cert.Author(), missing)
			return OutcomeRejectedTransient, fmt.Errorf(
				"certificate %s awaits %d parents", dgst, len(missing))
		}
		for _, p := range cert.Header.Parents {
			if info := c.certs[p]; info.round != cert.Round()-1 {
				return OutcomeRejectedPermanent, fmt.Errorf(
					"certificate parent %s certified in round %d, want %d", p, info.round, cert.Round()-1)
			}
		}
	}

	if err := c.insert(dgst, cert); err != nil {
		return OutcomeUnknown, err
	}

	c.resumePending()
	return OutcomeAccepted, nil
}

// insert persists the certificate and adds it to the DAG index, advancing
// the round and collecting garbage as warranted.
func (c *Core) insert(dgst vertex.Digest, cert *vertex.Certificate) error {
	if err := c.store.PutCertificate(cert); err != nil {
		c.fail(err)
		return err
	}

	c.index(dgst, cert)
	c.log.Debug("certificate inserted",
		"digest", dgst, "round", cert.Round(), "author", fmt.Sprintf("%X", cert.Author()))

	select {
	case c.feed.deliveries <- cert:
	case <-c.closeCh:
	}

	c.maybeAdvance()
	return nil
}

// index records the certificate in the in-memory DAG index.
func (c *Core) index(dgst vertex.Digest, cert *vertex.Certificate) {
	author := string(cert.Author())
	c.certs[dgst] = certInfo{author: author, round: cert.Round()}

	slot, ok := c.slots[cert.Round()]
	if !ok {
		slot = make(map[string]vertex.Digest)
		c.slots[cert.Round()] = slot
	}
	if _, ok := slot[author]; !ok {
		slot[author] = dgst
		c.roundStake[cert.Round()] += c.comm.StakeOf(cert.Author())
	}
}

// maybeAdvance bumps the current round for as long as a quorum of authors is
// certified in it, notifying round waiters and collecting garbage.
func (c *Core) maybeAdvance() {
	advanced := false
	for c.roundStake[c.round] >= c.comm.QuorumStake() {
		c.round++
		advanced = true
		c.log.Info("round advanced", "round", c.round)
	}
	if !advanced {
		return
	}

	for r, subs := range c.roundSubs {
		if r > c.round {
			continue
		}
		parents, err := c.parentsOf(r)
		if err != nil {
			return
		}
		for _, sub := range subs {
			sub <- awaitResult{parents: parents} // subs are always buffered
		}
		delete(c.roundSubs, r)
	}

	c.collectGarbage()
}

// parentsOf lists the certificates of round-1 as candidate parents for a
// header of the given round, in deterministic author order.
func (c *Core) parentsOf(round uint64) ([]*vertex.Certificate, error) {
	if round == 0 {
		return nil, nil
	}

	slot := c.slots[round-1]
	parents := make([]*vertex.Certificate, 0, len(slot))
	for _, dgst := range slot {
		cert, err := c.store.Certificate(dgst)
		if err != nil {
			c.fail(err)
			return nil, err
		}
		parents = append(parents, cert)
	}
	sortCertificates(parents)
	return parents, nil
}

func (c *Core) stateAck(op *stateOp) {
	if op.round > c.acked {
		c.acked = op.round
		c.collectGarbage()
	}
	op.complete(OutcomeAccepted, nil)
}

func (c *Core) stateAwaitRound(op *stateOp) {
	if c.round >= op.round {
		parents, err := c.parentsOf(op.round)
		if err != nil {
			op.complete(OutcomeUnknown, err)
			return
		}
		op.sub <- awaitResult{parents: parents}
		op.complete(OutcomeAccepted, nil)
		return
	}

	c.roundSubs[op.round] = append(c.roundSubs[op.round], op.sub)
	op.complete(OutcomeAccepted, nil)
}

// collectGarbage evicts all state for rounds behind the acknowledged frontier
// by more than the configured depth. Evicted rounds can no longer serve as
// parents.
func (c *Core) collectGarbage() {
	floor := c.gcFloor()
	if floor == 0 {
		return
	}

	for r := range c.slots {
		if r >= floor {
			continue
		}
		for _, dgst := range c.slots[r] {
			delete(c.certs, dgst)
		}
		delete(c.slots, r)
		delete(c.roundStake, r)
	}
	// uncertified slots never reach the index, so sweep votes and headers by
	// their own rounds
	for key := range c.voted {
		if key.round < floor {
			delete(c.voted, key)
			delete(c.votes, key)
		}
	}
	for dgst, h := range c.headers {
		if h.Round < floor {
			delete(c.headers, dgst)
		}
	}

	for _, k := range c.pending.Keys() {
		if entry, ok := c.pending.Peek(k); ok && entry.(*pendingVertex).round() < floor {
			c.pending.Remove(k)
		}
	}

	c.agg.ClearBelow(floor)

	if _, err := c.store.PruneRoundsBelow(floor); err != nil {
		c.fail(err)
		return
	}
	if err := c.store.SetCommittedRound(c.acked); err != nil {
		c.fail(err)
	}
}

// missingParents filters the parent digests down to those absent from the DAG index.
func (c *Core) missingParents(parents []vertex.Digest) []vertex.Digest {
	var missing []vertex.Digest
	for _, p := range parents {
		if _, ok := c.certs[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// suspend buffers a vertex awaiting missing parents until they resolve or the
// pending deadline expires.
func (c *Core) suspend(p *pendingVertex) {
	p.deadline = time.Now().Add(c.cfg.PendingTimeout)
	var dgst vertex.Digest
	var err error
	if p.cert != nil {
		dgst, err = p.cert.Digest()
	} else {
		dgst, err = p.header.Digest()
	}
	if err != nil {
		return
	}
	c.pending.Add(dgst, p)
}

// resumePending re-processes suspended vertices whose parents have resolved,
// in deterministic (round, author) order.
func (c *Core) resumePending() {
	var ready []*pendingVertex
	for _, k := range c.pending.Keys() {
		v, ok := c.pending.Peek(k)
		if !ok {
			continue
		}
		entry := v.(*pendingVertex)
		if entry.round() > c.round+c.cfg.RoundWindow {
			continue
		}
		if len(c.missingParents(entry.parents())) > 0 {
			continue
		}
		c.pending.Remove(k)
		ready = append(ready, entry)
	}
	if len(ready) == 0 {
		return
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].round() != ready[j].round() {
			return ready[i].round() < ready[j].round()
		}
		return string(ready[i].author()) < string(ready[j].author())
	})

	for _, entry := range ready {
		var err error
		if entry.cert != nil {
			_, err = c.processCertificate(entry.cert)
		} else {
			_, err = c.processHeader(entry.header)
		}
		if err != nil {
			c.log.Debug("resuming suspended vertex", "err", err)
		}
	}
}

// expirePending drops suspended vertices past their deadline. A dropped
// vertex must be re-delivered by its origin to be reconsidered.
func (c *Core) expirePending() {
	now := time.Now()
	for _, k := range c.pending.Keys() {
		v, ok := c.pending.Peek(k)
		if !ok {
			continue
		}
		if entry := v.(*pendingVertex); now.After(entry.deadline) {
			c.pending.Remove(k)
			c.log.Warn("dropped vertex awaiting parents", "round", entry.round())
		}
	}
}

func (c *Core) flagEquivocator(offender []byte, round uint64, first, second vertex.Digest) {
	ev := Evidence{Offender: offender, Round: round, First: first, Second: second}
	c.equivocators[string(offender)] = append(c.equivocators[string(offender)], ev)
	c.log.Warn("equivocation detected", "offender", fmt.Sprintf("%X", offender), "round", round)
}

// broadcastVote publishes asynchronously: the state loop never blocks on a
// network round-trip.
func (c *Core) broadcastVote(v *vertex.Vote) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.bcast.BroadcastVote(ctx, v); err != nil {
			c.log.Warn("broadcasting vote", "err", err)
		}
	}()
}

// tickLoop periodically expires suspended vertices.
func (c *Core) tickLoop(ctx context.Context) {
	interval := c.cfg.PendingTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			op := newStateOp(tickOp)
			select {
			case c.opCh <- op:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func sortCertificates(certs []*vertex.Certificate) {
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].Round() != certs[j].Round() {
			return certs[i].Round() < certs[j].Round()
		}
		return string(certs[i].Author()) < string(certs[j].Author())
	})
}
