package primary

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/braid/committee"
	"github.com/iykyk-syn/braid/crypto"
	"github.com/iykyk-syn/braid/crypto/ed25519"
	"github.com/iykyk-syn/braid/crypto/local"
	"github.com/iykyk-syn/braid/store"
	"github.com/iykyk-syn/braid/vertex"
)

type voteRecorder struct {
	mu    sync.Mutex
	votes []*vertex.Vote
}

func (r *voteRecorder) BroadcastVote(_ context.Context, v *vertex.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.votes = append(r.votes, v)
	return nil
}

func (r *voteRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.votes)
}

type fetchRecorder struct {
	mu       sync.Mutex
	requests [][]vertex.Digest
}

func (r *fetchRecorder) RequestCertificates(_ []byte, digests []vertex.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, digests)
}

func (r *fetchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func testCommittee(t *testing.T, size int) (*committee.Committee, []*local.Signer) {
	t.Helper()

	vals := make([]*committee.Validator, size)
	signers := make([]*local.Signer, size)
	for i := range vals {
		pub, priv, err := ed25519.GenKeys()
		require.NoError(t, err)
		vals[i] = &committee.Validator{PubKey: pub, Stake: 1}
		signers[i], err = local.NewSigner(priv)
		require.NoError(t, err)
	}

	comm, err := committee.New(0, vals)
	require.NoError(t, err)
	return comm, signers
}

type testNode struct {
	core   *Core
	store  *store.Store
	bcast  *voteRecorder
	fetch  *fetchRecorder
	comm   *committee.Committee
	signer *local.Signer
}

func newTestNode(t *testing.T, cfg Config, comm *committee.Committee, signer *local.Signer) *testNode {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return restartNode(t, cfg, comm, signer, st)
}

func restartNode(t *testing.T, cfg Config, comm *committee.Committee, signer *local.Signer, st *store.Store) *testNode {
	t.Helper()

	bcast := &voteRecorder{}
	fetch := &fetchRecorder{}
	core, err := New(cfg, comm, signer, st, bcast, fetch)
	require.NoError(t, err)

	core.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		core.Stop(ctx) //nolint: errcheck
	})

	return &testNode{core: core, store: st, bcast: bcast, fetch: fetch, comm: comm, signer: signer}
}

func testHeader(
	t *testing.T, signer *local.Signer, round uint64, parents []vertex.Digest, seed string,
) *vertex.Header {
	t.Helper()

	h := &vertex.Header{
		Author:    signer.ID(),
		Round:     round,
		Batches:   []vertex.Digest{vertex.Hash([]byte(seed))},
		Parents:   parents,
		Timestamp: time.Now().UnixNano(),
	}
	require.NoError(t, h.Sign(signer))
	return h
}

// testCertificate assembles a valid quorum certificate out of band, as a peer
// primary would.
func testCertificate(
	t *testing.T, signers []*local.Signer, author int, round uint64, parents []vertex.Digest, seed string,
) *vertex.Certificate {
	t.Helper()

	h := testHeader(t, signers[author], round, parents, seed)
	quorum := len(signers)*2/3 + 1
	sigs := make([]crypto.Signature, 0, quorum)
	for i := 0; i < quorum; i++ {
		v, err := vertex.NewVote(h, signers[i])
		require.NoError(t, err)
		sigs = append(sigs, v.Signature)
	}
	return vertex.NewCertificate(*h, sigs)
}

func digestsOf(t *testing.T, certs ...*vertex.Certificate) []vertex.Digest {
	t.Helper()

	digests := make([]vertex.Digest, len(certs))
	for i, c := range certs {
		d, err := c.Digest()
		require.NoError(t, err)
		digests[i] = d
	}
	return digests
}

func receiveCert(t *testing.T, ctx context.Context, node *testNode) *vertex.Certificate {
	t.Helper()

	select {
	case cert := <-node.core.Feed().Deliveries():
		return cert
	case <-ctx.Done():
		t.Fatal("timeout waiting for delivery")
		return nil
	}
}

func TestHeaderToCertificateFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	h := testHeader(t, signers[1], 0, nil, "proposal")
	outcome, err := node.core.SubmitHeader(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	// our own vote was broadcast and counted; two peer votes complete the quorum
	require.Eventually(t, func() bool { return node.bcast.count() == 1 }, time.Second, 10*time.Millisecond)

	for _, i := range []int{2, 3} {
		v, err := vertex.NewVote(h, signers[i])
		require.NoError(t, err)
		outcome, err = node.core.SubmitVote(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
	}

	cert := receiveCert(t, ctx, node)
	assert.Equal(t, h.Author, cert.Author())
	require.NoError(t, cert.Validate(comm))

	dgst, err := h.Digest()
	require.NoError(t, err)
	has, err := node.store.HasCertificate(dgst)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHeaderIdempotentRedelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	h := testHeader(t, signers[1], 0, nil, "proposal")
	for i := 0; i < 3; i++ {
		outcome, err := node.core.SubmitHeader(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
	}

	// re-deliveries repeat the vote instead of voting anew
	require.Eventually(t, func() bool { return node.bcast.count() == 3 }, time.Second, 10*time.Millisecond)
	node.bcast.mu.Lock()
	defer node.bcast.mu.Unlock()
	for _, v := range node.bcast.votes[1:] {
		assert.Equal(t, node.bcast.votes[0].Header, v.Header)
	}
}

func TestEquivocatingHeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	first := testHeader(t, signers[1], 0, nil, "first")
	outcome, err := node.core.SubmitHeader(ctx, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	second := testHeader(t, signers[1], 0, nil, "second")
	outcome, err = node.core.SubmitHeader(ctx, second)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)

	evidence, err := node.core.Equivocators(ctx)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, signers[1].ID(), evidence[0].Offender)
	assert.EqualValues(t, 0, evidence[0].Round)

	// everything from a flagged equivocator is refused from now on
	third := testHeader(t, signers[1], 0, nil, "third")
	outcome, err = node.core.SubmitHeader(ctx, third)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)
}

func TestEquivocatingVoter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	first := testHeader(t, signers[1], 0, nil, "first")
	second := testHeader(t, signers[1], 0, nil, "second")

	// both headers must be known to accept votes for them; store the second
	// directly since submitting it flags the author
	outcome, err := node.core.SubmitHeader(ctx, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
	require.NoError(t, node.store.PutHeader(second))

	v1, err := vertex.NewVote(first, signers[2])
	require.NoError(t, err)
	_, err = node.core.SubmitVote(ctx, v1)
	require.NoError(t, err)

	v2, err := vertex.NewVote(second, signers[2])
	require.NoError(t, err)
	outcome, err = node.core.SubmitVote(ctx, v2)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)

	evidence, err := node.core.Equivocators(ctx)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, signers[2].ID(), evidence[0].Offender)
}

func TestConflictingCertificate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	first := testCertificate(t, signers, 1, 0, nil, "first")
	second := testCertificate(t, signers, 1, 0, nil, "second")

	outcome, err := node.core.SubmitCertificate(ctx, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	outcome, err = node.core.SubmitCertificate(ctx, second)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)

	evidence, err := node.core.Equivocators(ctx)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
}

func TestRoundAdvance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	round, err := node.core.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Zero(t, round)

	certs := make([]*vertex.Certificate, 3)
	for i := range certs {
		certs[i] = testCertificate(t, signers, i, 0, nil, fmt.Sprintf("genesis-%d", i))
	}

	// two certificates carry stake below quorum: no advance yet
	for _, c := range certs[:2] {
		_, err = node.core.SubmitCertificate(ctx, c)
		require.NoError(t, err)
	}
	round, err = node.core.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Zero(t, round)

	_, err = node.core.SubmitCertificate(ctx, certs[2])
	require.NoError(t, err)

	round, err = node.core.CurrentRound(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, round)

	parents, err := node.core.AwaitRound(ctx, 1)
	require.NoError(t, err)
	require.Len(t, parents, 3)
	for i := 1; i < len(parents); i++ {
		assert.True(t, string(parents[i-1].Author()) < string(parents[i].Author()),
			"parents must come in deterministic author order")
	}
}

func TestAwaitRoundBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	done := make(chan []*vertex.Certificate, 1)
	go func() {
		parents, err := node.core.AwaitRound(ctx, 1)
		require.NoError(t, err)
		done <- parents
	}()

	select {
	case <-done:
		t.Fatal("await returned before the round advanced")
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		cert := testCertificate(t, signers, i, 0, nil, fmt.Sprintf("genesis-%d", i))
		_, err := node.core.SubmitCertificate(ctx, cert)
		require.NoError(t, err)
	}

	select {
	case parents := <-done:
		assert.Len(t, parents, 3)
	case <-ctx.Done():
		t.Fatal("timeout waiting for round advance")
	}
}

func TestCertificateBufferedUntilParentsArrive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	genesis := make([]*vertex.Certificate, 3)
	for i := range genesis {
		genesis[i] = testCertificate(t, signers, i, 0, nil, fmt.Sprintf("genesis-%d", i))
	}
	child := testCertificate(t, signers, 1, 1, digestsOf(t, genesis...), "child")

	// the child arrives first: buffered, parents requested from the network
	outcome, err := node.core.SubmitCertificate(ctx, child)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedTransient, outcome)
	require.Eventually(t, func() bool { return node.fetch.count() == 1 }, time.Second, 10*time.Millisecond)

	for _, c := range genesis {
		_, err = node.core.SubmitCertificate(ctx, c)
		require.NoError(t, err)
	}

	// deliveries come parents before child
	var rounds []uint64
	for i := 0; i < 4; i++ {
		rounds = append(rounds, receiveCert(t, ctx, node).Round())
	}
	assert.Equal(t, []uint64{0, 0, 0, 1}, rounds)

	// the buffered child was inserted without re-delivery
	dgst, err := child.Digest()
	require.NoError(t, err)
	has, err := node.store.HasCertificate(dgst)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHeaderParentStakeBelowQuorum(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	parent := testCertificate(t, signers, 2, 0, nil, "lonely-parent")
	_, err := node.core.SubmitCertificate(ctx, parent)
	require.NoError(t, err)

	h := testHeader(t, signers[1], 1, digestsOf(t, parent), "thin-parents")
	outcome, err := node.core.SubmitHeader(ctx, h)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)
}

func TestHeaderParentsFromWrongRound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	genesis := make([]*vertex.Certificate, 3)
	for i := range genesis {
		genesis[i] = testCertificate(t, signers, i, 0, nil, fmt.Sprintf("genesis-%d", i))
		_, err := node.core.SubmitCertificate(ctx, genesis[i])
		require.NoError(t, err)
	}

	// parents exist in the DAG but belong to round 0, not round 1
	h := testHeader(t, signers[1], 2, digestsOf(t, genesis...), "skipped-a-round")
	outcome, err := node.core.SubmitHeader(ctx, h)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)

	cert := testCertificate(t, signers, 1, 2, digestsOf(t, genesis...), "skipped-a-round-cert")
	outcome, err = node.core.SubmitCertificate(ctx, cert)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)

	// nothing was buffered or requested: the linkage breach is conclusive
	assert.Zero(t, node.fetch.count())
}

func TestRestartRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	node := restartNode(t, DefaultConfig(), comm, signers[0], st)

	genesis := make([]*vertex.Certificate, 3)
	for i := range genesis {
		genesis[i] = testCertificate(t, signers, i, 0, nil, fmt.Sprintf("genesis-%d", i))
		_, err := node.core.SubmitCertificate(ctx, genesis[i])
		require.NoError(t, err)
	}
	child := testCertificate(t, signers, 1, 1, digestsOf(t, genesis...), "child")
	_, err = node.core.SubmitCertificate(ctx, child)
	require.NoError(t, err)

	require.NoError(t, node.core.Stop(ctx))

	// a fresh instance over the same store resumes at the same round and
	// re-emits everything the consumer never acknowledged
	revived := restartNode(t, DefaultConfig(), comm, signers[0], st)

	round, err := revived.core.CurrentRound(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, round)

	var rounds []uint64
	for i := 0; i < 4; i++ {
		rounds = append(rounds, receiveCert(t, ctx, revived).Round())
	}
	assert.Equal(t, []uint64{0, 0, 0, 1}, rounds)

	// re-submitting a recovered certificate is a harmless no-op
	outcome, err := revived.core.SubmitCertificate(ctx, genesis[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
}

func TestGarbageCollection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.GCDepth = 2

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, cfg, comm, signers[0])

	const rounds = 6
	parents := []vertex.Digest(nil)
	byRound := make([][]*vertex.Certificate, rounds)
	for r := uint64(0); r < rounds; r++ {
		certs := make([]*vertex.Certificate, 3)
		for i := range certs {
			certs[i] = testCertificate(t, signers, i, r, parents, fmt.Sprintf("r%d-%d", r, i))
			_, err := node.core.SubmitCertificate(ctx, certs[i])
			require.NoError(t, err)
		}
		byRound[r] = certs
		parents = digestsOf(t, certs...)
	}

	// drain and acknowledge everything so the gc frontier can move
	for i := 0; i < rounds*3; i++ {
		cert := receiveCert(t, ctx, node)
		require.NoError(t, node.core.Feed().Ack(ctx, cert.Round()))
	}

	// one more round triggers collection past the depth
	certs := make([]*vertex.Certificate, 3)
	for i := range certs {
		certs[i] = testCertificate(t, signers, i, rounds, parents, fmt.Sprintf("r%d-%d", rounds, i))
		_, err := node.core.SubmitCertificate(ctx, certs[i])
		require.NoError(t, err)
	}

	// rounds below min(current, acked) - depth are gone from the store;
	// the highest acknowledged round is rounds-1
	floor := uint64(rounds-1) - cfg.GCDepth

	for r := uint64(0); r < floor; r++ {
		for _, c := range byRound[r] {
			dgst, err := c.Digest()
			require.NoError(t, err)
			has, err := node.store.HasCertificate(dgst)
			require.NoError(t, err)
			assert.False(t, has, "round %d should be pruned", r)
		}
	}

	// and evicted rounds are permanently refused
	stale := testCertificate(t, signers, 3, 0, nil, "stale")
	outcome, err := node.core.SubmitCertificate(ctx, stale)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejectedPermanent, outcome)
}

func TestGarbageCollectionSweepsUncertifiedSlots(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.GCDepth = 2

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, cfg, comm, signers[0])

	// a header that never gathers a quorum still costs a vote and an index entry
	orphan := testHeader(t, signers[3], 0, nil, "orphan")
	outcome, err := node.core.SubmitHeader(ctx, orphan)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	const rounds = 6
	parents := []vertex.Digest(nil)
	for r := uint64(0); r < rounds; r++ {
		certs := make([]*vertex.Certificate, 3)
		for i := range certs {
			certs[i] = testCertificate(t, signers, i, r, parents, fmt.Sprintf("r%d-%d", r, i))
			_, err := node.core.SubmitCertificate(ctx, certs[i])
			require.NoError(t, err)
		}
		parents = digestsOf(t, certs...)
	}
	for i := 0; i < rounds*3; i++ {
		cert := receiveCert(t, ctx, node)
		require.NoError(t, node.core.Feed().Ack(ctx, cert.Round()))
	}
	for i := 0; i < 3; i++ {
		cert := testCertificate(t, signers, i, rounds, parents, fmt.Sprintf("r%d-%d", rounds, i))
		_, err := node.core.SubmitCertificate(ctx, cert)
		require.NoError(t, err)
	}

	// the slot was never certified, yet its state must not outlive the floor
	require.NoError(t, node.core.Stop(ctx))
	key := slotKey{author: string(signers[3].ID()), round: 0}
	_, ok := node.core.voted[key]
	assert.False(t, ok, "vote record for the evicted slot survived")
	_, ok = node.core.votes[key]
	assert.False(t, ok, "vote for the evicted slot survived")
	assert.Empty(t, node.core.headers, "headers below the floor survived")
}

func TestRestartIndexesRetainedRounds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.GCDepth = 2

	comm, signers := testCommittee(t, 4)
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	node := restartNode(t, cfg, comm, signers[0], st)

	const rounds = 6
	parents := []vertex.Digest(nil)
	byRound := make([][]vertex.Digest, rounds+1)
	for r := uint64(0); r < rounds; r++ {
		certs := make([]*vertex.Certificate, 3)
		for i := range certs {
			certs[i] = testCertificate(t, signers, i, r, parents, fmt.Sprintf("r%d-%d", r, i))
			_, err := node.core.SubmitCertificate(ctx, certs[i])
			require.NoError(t, err)
		}
		parents = digestsOf(t, certs...)
		byRound[r] = parents
	}
	for i := 0; i < rounds*3; i++ {
		cert := receiveCert(t, ctx, node)
		require.NoError(t, node.core.Feed().Ack(ctx, cert.Round()))
	}
	for i := 0; i < 3; i++ {
		cert := testCertificate(t, signers, i, rounds, parents, fmt.Sprintf("r%d-%d", rounds, i))
		_, err := node.core.SubmitCertificate(ctx, cert)
		require.NoError(t, err)
	}
	require.NoError(t, node.core.Stop(ctx))

	// the store still holds GCDepth rounds below the committed marker; a fresh
	// instance must treat them as resolvable parents, not missing ones
	revived := restartNode(t, cfg, comm, signers[0], st)

	late := testCertificate(t, signers, 3, 4, byRound[3], "late-arrival")
	outcome, err := revived.core.SubmitCertificate(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Zero(t, revived.fetch.count())
}

func TestNoGCWithoutAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.GCDepth = 1

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, cfg, comm, signers[0])

	parents := []vertex.Digest(nil)
	var first *vertex.Certificate
	for r := uint64(0); r < 4; r++ {
		certs := make([]*vertex.Certificate, 3)
		for i := range certs {
			certs[i] = testCertificate(t, signers, i, r, parents, fmt.Sprintf("r%d-%d", r, i))
			_, err := node.core.SubmitCertificate(ctx, certs[i])
			require.NoError(t, err)
			if first == nil {
				first = certs[i]
			}
		}
		parents = digestsOf(t, certs...)
		// keep the feed drained but never acknowledge
		for range certs {
			receiveCert(t, ctx, node)
		}
	}

	// without downstream acknowledgement nothing is evicted regardless of depth
	dgst, err := first.Digest()
	require.NoError(t, err)
	has, err := node.store.HasCertificate(dgst)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStoppedCoreRefusesOps(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comm, signers := testCommittee(t, 4)
	node := newTestNode(t, DefaultConfig(), comm, signers[0])

	require.NoError(t, node.core.Stop(ctx))

	h := testHeader(t, signers[1], 0, nil, "late")
	_, err := node.core.SubmitHeader(ctx, h)
	require.Error(t, err)

	require.Error(t, node.core.Stop(ctx))
}
