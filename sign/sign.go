/*
Package sign implements the signature schemes used by the authorities of a committee.
Blocks are signed with the scheme selected by the committee descriptor: ED25519 or BLS on BN256.
The network identity used by the TLS layer is always an ED25519 key.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// Scheme names a signature scheme.
type Scheme string

const (
	SchemeED25519 Scheme = "ed25519"
	SchemeBLS     Scheme = "bls"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid key")
	ErrUnknownScheme    = errors.New("unknown signature scheme")
)

// Signer signs messages on behalf of one authority.
type Signer interface {
	Scheme() Scheme
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
}

// ParseScheme returns the scheme named by s.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeED25519, "":
		return SchemeED25519, nil
	case SchemeBLS:
		return SchemeBLS, nil
	default:
		return "", ErrUnknownScheme
	}
}

// NewSigner builds a signer of the given scheme from an encoded private key.
func NewSigner(scheme Scheme, privateKey []byte) (Signer, error) {
	switch scheme {
	case SchemeED25519:
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, ErrInvalidKey
		}
		return &ed25519Signer{key: ed25519.PrivateKey(privateKey)}, nil
	case SchemeBLS:
		return newBLSSigner(privateKey)
	default:
		return nil, ErrUnknownScheme
	}
}

// GenKeys generates a fresh key pair of the given scheme, returning the encoded private and public keys.
func GenKeys(scheme Scheme) ([]byte, []byte, error) {
	switch scheme {
	case SchemeED25519:
		priv, pub := GenED25519Keys()
		return priv, pub, nil
	case SchemeBLS:
		return GenBLSKeys()
	default:
		return nil, nil, ErrUnknownScheme
	}
}

// Verify checks sig over msg with the encoded public key of the given scheme.
func Verify(scheme Scheme, publicKey, msg, sig []byte) error {
	switch scheme {
	case SchemeED25519:
		ok, err := VerifySignEd25519(publicKey, msg, sig)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidSignature
		}
		return nil
	case SchemeBLS:
		return VerifyBLS(publicKey, msg, sig)
	default:
		return ErrUnknownScheme
	}
}

// GenED25519Keys generates a ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs the data with the ED25519 private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 verifies a ED25519 signature.
func VerifySignEd25519(publicKey ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidKey
	}
	return ed25519.Verify(publicKey, data, sig), nil
}

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s *ed25519Signer) Scheme() Scheme { return SchemeED25519 }

func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return SignEd25519(s.key, msg), nil
}

func (s *ed25519Signer) PublicKey() []byte {
	return s.key.Public().(ed25519.PublicKey)
}
