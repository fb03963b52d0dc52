package crypto

// PubKey is a public key of an asymmetric signing scheme.
type PubKey interface {
	// VerifySignature reports whether the signature is valid over the message.
	VerifySignature(msg []byte, sig []byte) bool
	Bytes() []byte
	Equals([]byte) bool
	Type() string
}

// PrivKey is a private key of an asymmetric signing scheme.
type PrivKey interface {
	Sign([]byte) ([]byte, error)
	PubKey() PubKey
	Equals([]byte) bool
	Type() string
}

// Signature is a tuple of a signature body and the identity that produced it.
type Signature struct {
	// Body of the signature.
	Body []byte
	// Signer identity who produced the signature.
	Signer []byte
}

// Signer encapsulates the signing schema and private key management out of
// the protocol logic.
type Signer interface {
	// ID returns the signing identity, like a public key.
	ID() []byte
	// Sign produces a Signature over the given data with the internally managed identity.
	Sign([]byte) (Signature, error)
	// Verify performs cryptographic verification of the Signature over the given data.
	Verify([]byte, Signature) error
}
