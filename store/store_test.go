package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/braid/crypto"
	"github.com/iykyk-syn/braid/crypto/ed25519"
	"github.com/iykyk-syn/braid/crypto/local"
	"github.com/iykyk-syn/braid/vertex"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func testCertificate(t *testing.T, round uint64, seed string) *vertex.Certificate {
	t.Helper()

	_, priv, err := ed25519.GenKeys()
	require.NoError(t, err)
	signer, err := local.NewSigner(priv)
	require.NoError(t, err)

	h := vertex.Header{
		Author:    signer.ID(),
		Round:     round,
		Batches:   []vertex.Digest{vertex.Hash([]byte(seed))},
		Timestamp: time.Now().UnixNano(),
	}
	if round > 0 {
		h.Parents = []vertex.Digest{vertex.Hash([]byte(seed + "-parent"))}
	}
	require.NoError(t, h.Sign(signer))

	sig, err := signer.Sign([]byte(seed))
	require.NoError(t, err)
	return vertex.NewCertificate(h, []crypto.Signature{sig})
}

func TestHeaderRoundtrip(t *testing.T) {
	s := testStore(t)
	cert := testCertificate(t, 0, "a")
	h := &cert.Header

	dgst, err := h.Digest()
	require.NoError(t, err)

	has, err := s.HasHeader(dgst)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.PutHeader(h))

	has, err = s.HasHeader(dgst)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := s.Header(dgst)
	require.NoError(t, err)
	gotDgst, err := got.Digest()
	require.NoError(t, err)
	assert.Equal(t, dgst, gotDgst)

	_, err = s.Header(vertex.Hash([]byte("unknown")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCertificateIndex(t *testing.T) {
	s := testStore(t)

	certs := make([]*vertex.Certificate, 3)
	for i := range certs {
		certs[i] = testCertificate(t, 5, fmt.Sprintf("cert-%d", i))
		require.NoError(t, s.PutCertificate(certs[i]))
	}
	other := testCertificate(t, 6, "other-round")
	require.NoError(t, s.PutCertificate(other))

	inRound, err := s.CertificatesInRound(5)
	require.NoError(t, err)
	assert.Len(t, inRound, 3)

	dgst, err := certs[0].Digest()
	require.NoError(t, err)

	got, err := s.CertificateDigest(5, certs[0].Author())
	require.NoError(t, err)
	assert.Equal(t, dgst, got)

	_, err = s.CertificateDigest(5, []byte("nobody"))
	require.ErrorIs(t, err, ErrNotFound)

	// re-put is idempotent
	require.NoError(t, s.PutCertificate(certs[0]))
	inRound, err = s.CertificatesInRound(5)
	require.NoError(t, err)
	assert.Len(t, inRound, 3)
}

func TestCommittedRoundMonotonic(t *testing.T) {
	s := testStore(t)

	round, err := s.CommittedRound()
	require.NoError(t, err)
	assert.Zero(t, round)

	require.NoError(t, s.SetCommittedRound(7))
	require.NoError(t, s.SetCommittedRound(3)) // must not regress

	round, err = s.CommittedRound()
	require.NoError(t, err)
	assert.EqualValues(t, 7, round)
}

func TestLastProposed(t *testing.T) {
	s := testStore(t)

	_, err := s.LastProposed()
	require.ErrorIs(t, err, ErrNotFound)

	first := testCertificate(t, 1, "first")
	second := testCertificate(t, 2, "second")
	require.NoError(t, s.PutOwnHeader(&first.Header))
	require.NoError(t, s.PutOwnHeader(&second.Header))

	got, err := s.LastProposed()
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Round)

	wantDgst, err := second.Header.Digest()
	require.NoError(t, err)
	gotDgst, err := got.Digest()
	require.NoError(t, err)
	assert.Equal(t, wantDgst, gotDgst)
}

func TestPruneRoundsBelow(t *testing.T) {
	s := testStore(t)

	var dgsts []vertex.Digest
	for round := uint64(1); round <= 4; round++ {
		cert := testCertificate(t, round, fmt.Sprintf("round-%d", round))
		require.NoError(t, s.PutHeader(&cert.Header))
		require.NoError(t, s.PutCertificate(cert))

		d, err := cert.Digest()
		require.NoError(t, err)
		dgsts = append(dgsts, d)
	}

	pruned, err := s.PruneRoundsBelow(3)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	for i, d := range dgsts {
		has, err := s.HasCertificate(d)
		require.NoError(t, err)
		hasHeader, err := s.HasHeader(d)
		require.NoError(t, err)

		kept := uint64(i+1) >= 3
		assert.Equal(t, kept, has, "certificate round %d", i+1)
		assert.Equal(t, kept, hasHeader, "header round %d", i+1)
	}

	// pruning again is a no-op
	pruned, err = s.PruneRoundsBelow(3)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	cert := testCertificate(t, 2, "persisted")
	require.NoError(t, s.PutCertificate(cert))
	require.NoError(t, s.SetCommittedRound(2))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	round, err := s.CommittedRound()
	require.NoError(t, err)
	assert.EqualValues(t, 2, round)

	dgst, err := cert.Digest()
	require.NoError(t, err)
	got, err := s.Certificate(dgst)
	require.NoError(t, err)
	assert.Equal(t, cert.Round(), got.Round())
}
