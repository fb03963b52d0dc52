package vertex

import (
	"errors"
	"fmt"

	"github.com/iykyk-syn/braid/committee"
	"github.com/iykyk-syn/braid/crypto"
)

// Vote is a validator's signature over a specific Header. Votes are transient:
// they exist only until the Certificate for their (author, round) forms.
type Vote struct {
	// Header is the digest of the Header voted for.
	Header Digest
	// Author is the Header's author.
	Author []byte
	// Round is the Header's round.
	Round uint64
	// Signature is the voter's signature over the canonical (Header, Author, Round) encoding.
	Signature crypto.Signature
}

// voteBody is the signed portion of a Vote.
type voteBody struct {
	Header Digest
	Author []byte
	Round  uint64
}

// NewVote creates a signed Vote of the given signer over the Header.
func NewVote(h *Header, signer crypto.Signer) (*Vote, error) {
	dgst, err := h.Digest()
	if err != nil {
		return nil, err
	}

	v := &Vote{
		Header: dgst,
		Author: h.Author,
		Round:  h.Round,
	}
	bin, err := v.SigningBytes()
	if err != nil {
		return nil, err
	}

	v.Signature, err = signer.Sign(bin)
	if err != nil {
		return nil, fmt.Errorf("signing vote: %w", err)
	}
	return v, nil
}

// SigningBytes returns the canonical encoding of the signed portion of the Vote.
func (v *Vote) SigningBytes() ([]byte, error) {
	return Marshal(&voteBody{Header: v.Header, Author: v.Author, Round: v.Round})
}

// Validate checks the Vote's signer membership and signature against the
// committee snapshot of its round.
func (v *Vote) Validate(comm *committee.Committee) error {
	if v.Header.IsZero() {
		return errors.New("empty header digest in vote")
	}
	if len(v.Author) == 0 {
		return errors.New("empty author in vote")
	}

	voter := comm.Member(v.Signature.Signer)
	if voter == nil {
		return errors.New("vote signer is not a committee member")
	}

	bin, err := v.SigningBytes()
	if err != nil {
		return err
	}
	if !voter.PubKey.VerifySignature(bin, v.Signature.Body) {
		return errors.New("invalid vote signature")
	}
	return nil
}

// voteWire strips Vote's methods so the codec encodes its fields instead of
// recursing back into MarshalBinary.
type voteWire Vote

func (v *Vote) MarshalBinary() ([]byte, error) {
	return Marshal((*voteWire)(v))
}

func (v *Vote) UnmarshalBinary(data []byte) error {
	return Unmarshal(data, (*voteWire)(v))
}
