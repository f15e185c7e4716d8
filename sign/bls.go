package sign

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

var suite = bn256.NewSuite()

// GenBLSKeys generates a BLS key pair on BN256 and returns the encoded private and public keys.
func GenBLSKeys() ([]byte, []byte, error) {
	priv, pub := bls.NewKeyPair(suite, random.New())
	privAsBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	pubAsBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return privAsBytes, pubAsBytes, nil
}

// SignBLS signs the data with an encoded BLS private key.
func SignBLS(privateKey, data []byte) ([]byte, error) {
	priv, err := decodeBLSPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return bls.Sign(suite, priv, data)
}

// VerifyBLS verifies a BLS signature against an encoded public key.
func VerifyBLS(publicKey, data, sig []byte) error {
	pub, err := decodeBLSPublicKey(publicKey)
	if err != nil {
		return err
	}
	if err := bls.Verify(suite, pub, data, sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func decodeBLSPrivateKey(b []byte) (kyber.Scalar, error) {
	priv := suite.G2().Scalar()
	if err := priv.UnmarshalBinary(b); err != nil {
		return nil, ErrInvalidKey
	}
	return priv, nil
}

func decodeBLSPublicKey(b []byte) (kyber.Point, error) {
	pub := suite.G2().Point()
	if err := pub.UnmarshalBinary(b); err != nil {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

type blsSigner struct {
	priv kyber.Scalar
	pub  []byte
}

func newBLSSigner(privateKey []byte) (*blsSigner, error) {
	priv, err := decodeBLSPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	pub, err := suite.G2().Point().Mul(priv, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &blsSigner{priv: priv, pub: pub}, nil
}

func (s *blsSigner) Scheme() Scheme { return SchemeBLS }

func (s *blsSigner) Sign(msg []byte) ([]byte, error) {
	return bls.Sign(suite, s.priv, msg)
}

func (s *blsSigner) PublicKey() []byte { return s.pub }
