package vertex

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/iykyk-syn/braid/committee"
	"github.com/iykyk-syn/braid/crypto"
)

// Certificate is a Header together with a quorum of vote signatures over it.
// It is the DAG vertex: content-addressed by the Header digest, immutable,
// eligible as a parent reference once persisted.
type Certificate struct {
	Header Header
	// Signatures are the collected vote signatures. Signers are pairwise
	// distinct committee members and every signature covers the same Header digest.
	Signatures []crypto.Signature
}

// NewCertificate assembles a Certificate from a Header and a quorum of vote signatures.
func NewCertificate(h Header, sigs []crypto.Signature) *Certificate {
	return &Certificate{Header: h, Signatures: sigs}
}

// Digest returns the content address of the Certificate, which is the digest
// of its Header.
func (c *Certificate) Digest() (Digest, error) {
	return c.Header.Digest()
}

// Author returns the identity of the Header's author.
func (c *Certificate) Author() []byte {
	return c.Header.Author
}

// Round returns the round of the Header.
func (c *Certificate) Round() uint64 {
	return c.Header.Round
}

// SignedStake sums the voting power of the distinct signers.
func (c *Certificate) SignedStake(comm *committee.Committee) int64 {
	var stake int64
	for _, sig := range c.Signatures {
		stake += comm.StakeOf(sig.Signer)
	}
	return stake
}

// Validate verifies the Certificate against the committee snapshot of its
// round: the Header itself, distinct signer identities, every signature being
// a valid vote over this exact Header, and the quorum stake threshold.
// The distinct-signer and same-digest rules are what keep an equivocating
// author out of the DAG.
func (c *Certificate) Validate(comm *committee.Committee) error {
	if err := c.Header.Validate(comm); err != nil {
		return fmt.Errorf("certificate header: %w", err)
	}

	dgst, err := c.Header.Digest()
	if err != nil {
		return err
	}

	vote := Vote{Header: dgst, Author: c.Header.Author, Round: c.Header.Round}
	bin, err := vote.SigningBytes()
	if err != nil {
		return err
	}

	var stake int64
	for i, sig := range c.Signatures {
		voter := comm.Member(sig.Signer)
		if voter == nil {
			return errors.New("certificate signer is not a committee member")
		}
		for _, prev := range c.Signatures[:i] {
			if bytes.Equal(prev.Signer, sig.Signer) {
				return errors.New("duplicate signer in certificate")
			}
		}
		if !voter.PubKey.VerifySignature(bin, sig.Body) {
			return fmt.Errorf("invalid certificate signature from %X", sig.Signer)
		}
		stake += voter.Stake
	}

	if stake < comm.QuorumStake() {
		return fmt.Errorf("certificate stake %d below quorum %d", stake, comm.QuorumStake())
	}
	return nil
}

// certificateWire strips Certificate's methods so the codec encodes its
// fields instead of recursing back into MarshalBinary.
type certificateWire Certificate

func (c *Certificate) MarshalBinary() ([]byte, error) {
	return Marshal((*certificateWire)(c))
}

func (c *Certificate) UnmarshalBinary(data []byte) error {
	return Unmarshal(data, (*certificateWire)(c))
}

func (c *Certificate) String() string {
	d, err := c.Digest()
	if err != nil {
		return "certificate(invalid)"
	}
	return d.String()
}
