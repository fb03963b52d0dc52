package vertex

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// DigestSize is the size of a content address in bytes.
const DigestSize = sha256.Size

// Digest is a content address of a Header, Certificate or batch.
type Digest [DigestSize]byte

// Hash computes the Digest of arbitrary bytes.
func Hash(data []byte) Digest {
	return sha256.Sum256(data)
}

// DigestFromBytes converts a raw byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	if len(b) != DigestSize {
		return Digest{}, errors.New("invalid digest length")
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
