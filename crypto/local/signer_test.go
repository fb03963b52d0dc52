package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iykyk-syn/braid/crypto/ed25519"
)

func TestSignerRoundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenKeys()
	require.NoError(t, err)

	signer, err := NewSigner(priv)
	require.NoError(t, err)
	assert.Equal(t, pub.Bytes(), signer.ID())

	msg := []byte("message")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	assert.Equal(t, signer.ID(), sig.Signer)

	require.NoError(t, signer.Verify(msg, sig))
	require.Error(t, signer.Verify([]byte("another message"), sig))

	sig.Body[0] ^= 0xff
	require.Error(t, signer.Verify(msg, sig))
}
