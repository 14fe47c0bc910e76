package gcrypto

// PubKey is a validator or account public key.
type PubKey interface {
	PubKeyBytes() []byte

	Equal(other PubKey) bool

	Verify(msg, sig []byte) bool

	// TypeName is the name the key type was registered under
	// in a [Registry].
	TypeName() string
}
