package vertex

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/iykyk-syn/braid/committee"
	"github.com/iykyk-syn/braid/crypto"
)

// Header is a validator's proposal for a round: the batch digests it makes
// available and the certificates of the previous round it builds upon.
// A correct author produces at most one Header per round. Immutable once signed.
type Header struct {
	// Author is the public key of the proposing validator.
	Author []byte
	// Round is the monotonically increasing round of the author.
	Round uint64
	// Batches are digests of the batches proposed in this round.
	Batches []Digest
	// Parents are digests of certificates from Round-1. Empty only at genesis.
	Parents []Digest
	// Timestamp is the creation time in unix nanoseconds.
	Timestamp int64
	// Signature is the author's signature over the canonical unsigned encoding.
	Signature []byte

	dgst Digest
}

// headerWire strips Header's methods so the codec encodes its fields instead
// of recursing back into MarshalBinary.
type headerWire Header

// SigningBytes returns the canonical encoding of the Header without its signature.
func (h *Header) SigningBytes() ([]byte, error) {
	unsigned := *h
	unsigned.Signature = nil
	return Marshal((*headerWire)(&unsigned))
}

// Digest returns the content address of the Header, computed over the
// unsigned canonical encoding so that signing does not change identity.
func (h *Header) Digest() (Digest, error) {
	if !h.dgst.IsZero() {
		return h.dgst, nil
	}

	bin, err := h.SigningBytes()
	if err != nil {
		return Digest{}, fmt.Errorf("encoding header: %w", err)
	}
	h.dgst = Hash(bin)
	return h.dgst, nil
}

// Sign signs the Header with the given signer. The signer identity must match
// the author.
func (h *Header) Sign(signer crypto.Signer) error {
	if !bytes.Equal(h.Author, signer.ID()) {
		return errors.New("signer does not match header author")
	}

	bin, err := h.SigningBytes()
	if err != nil {
		return err
	}

	sig, err := signer.Sign(bin)
	if err != nil {
		return err
	}
	h.Signature = sig.Body
	return nil
}

// Validate checks the structural well-formedness of the Header and its
// signature against the committee snapshot of its round.
func (h *Header) Validate(comm *committee.Committee) error {
	if len(h.Author) == 0 {
		return errors.New("empty header author")
	}

	member := comm.Member(h.Author)
	if member == nil {
		return errors.New("header author is not a committee member")
	}

	if h.Round > 0 && len(h.Parents) == 0 {
		return errors.New("non-genesis header without parents")
	}

	seen := make(map[Digest]struct{}, len(h.Parents))
	for _, p := range h.Parents {
		if _, ok := seen[p]; ok {
			return fmt.Errorf("duplicate parent %s", p)
		}
		seen[p] = struct{}{}
	}

	bin, err := h.SigningBytes()
	if err != nil {
		return err
	}
	if !member.PubKey.VerifySignature(bin, h.Signature) {
		return errors.New("invalid header signature")
	}
	return nil
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return Marshal((*headerWire)(h))
}

func (h *Header) UnmarshalBinary(data []byte) error {
	return Unmarshal(data, (*headerWire)(h))
}

func (h *Header) String() string {
	d, err := h.Digest()
	if err != nil {
		return "header(invalid)"
	}
	return d.String()
}
