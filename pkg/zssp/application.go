package zssp

import "crypto/ecdh"

// ApplicationLayer is the set of capabilities the core requires from its
// embedder. It is deliberately small: identity, session lookup, and
// admission control. Nothing about transport binding, storage, or routing
// appears here — those are external collaborators the core never imports.
type ApplicationLayer[SessionUserData any, RemoteAddress any] interface {
	// GetLocalSPublicRaw returns the opaque bytes identifying this node,
	// embedding a P-384 public key extractable by ExtractSPublicFromRaw.
	GetLocalSPublicRaw() []byte

	// GetLocalSPublicHash returns the cached SHA-384 of the above.
	GetLocalSPublicHash() [48]byte

	// GetLocalSKeypair returns the local long-term P-384 keypair.
	GetLocalSKeypair() *ecdh.PrivateKey

	// ExtractSPublicFromRaw parses a peer static-public blob. Malformed
	// input must return ok=false, never an error or panic.
	ExtractSPublicFromRaw(raw []byte) (pub *ecdh.PublicKey, ok bool)

	// LookupSession dispatches a received packet to an existing session.
	LookupSession(id SessionID) (*Session[SessionUserData, RemoteAddress], bool)

	// CheckNewSession is a rate-limit gate called before doing any ECDH on
	// a fresh KEY_OFFER.
	CheckNewSession(remoteAddr RemoteAddress) bool

	// AcceptNewSession is the final admission check performed after a
	// KEY_OFFER has been cryptographically verified. Returning ok=false
	// rejects the session.
	AcceptNewSession(remoteAddr RemoteAddress, remoteStaticRaw []byte, remoteMetadata []byte) (id SessionID, psk [64]byte, userData SessionUserData, ok bool)

	// RekeyRateLimitMS is the minimum interval, in milliseconds, between
	// accepted inbound offers for a given session and between outbound
	// rekey attempts.
	RekeyRateLimitMS() int64
}
