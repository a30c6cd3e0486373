package zssp

import (
	"crypto/ecdh"
	"crypto/rand"
)

// ephemeralOffer is the state Alice must remember between sending
// KEY_OFFER and receiving the matching KEY_COUNTER_OFFER.
type ephemeralOffer struct {
	id           [16]byte
	createdAtMS  int64
	localSession SessionID

	ePriv *ecdh.PrivateKey
	ePub  *ecdh.PublicKey

	kyber *kyberKeypair // nil if this offer did not include a Kyber mix-in

	// chain is the running chaining key after deriving es_key;
	// Alice resumes derivation from here once Bob's ephemeral arrives.
	chain []byte
	// ssKey is HMAC_SHA512(es_key, ecdh(alice_s, bob_s)), used for the
	// static-static proof HMAC Bob verifies.
	ssKey []byte

	prevRatchetKey   []byte // nil if this is the first handshake for the peering
	prevRatchetCount uint64
}

func newOfferID() ([16]byte, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}
