package zssp

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
)

// kyberScheme is the fixed KEM this protocol version hybridizes with: a
// compile-time choice, not something negotiated per handshake.
var kyberScheme = kyber1024.Scheme()

// kyberKeypair wraps a generated Kyber1024 keypair for the lifetime of one
// EphemeralOffer.
type kyberKeypair struct {
	public  kem.PublicKey
	private kem.PrivateKey
}

func generateKyberKeypair() (*kyberKeypair, error) {
	pub, priv, err := kyberScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &kyberKeypair{public: pub, private: priv}, nil
}

func (k *kyberKeypair) publicBytes() ([]byte, error) {
	return k.public.MarshalBinary()
}

// kyberEncapsulate runs Bob's side: given Alice's marshaled Kyber public
// key, produce a ciphertext to send back and the shared secret e1e1.
func kyberEncapsulate(peerPublicRaw []byte) (ciphertext, sharedSecret []byte, err error) {
	pub, err := kyberScheme.UnmarshalBinaryPublicKey(peerPublicRaw)
	if err != nil {
		return nil, nil, err
	}
	ct, ss, err := kyberScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, err
	}
	return ct, ss, nil
}

// kyberDecapsulate runs Alice's side: recover e1e1 from Bob's ciphertext
// using Alice's own private key.
func kyberDecapsulate(priv kem.PrivateKey, ciphertext []byte) ([]byte, error) {
	return kyberScheme.Decapsulate(priv, ciphertext)
}
