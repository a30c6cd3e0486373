package zssp

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
)

// role identifies which side of a handshake this key was established as;
// it decides which of the two derived AES keys is send_key vs receive_key.
type role uint8

const (
	roleAlice role = iota
	roleBob
)

// SessionKey is a keyed, bounded-lifetime symmetric context derived from a
// 64-byte master secret produced by one handshake completion.
type SessionKey struct {
	fingerprint [16]byte // first 16 bytes of SHA-384(master)
	establishedAtCounter uint64 // Session.sendCounter value when this key was installed
	establishedAtTimeMS  int64

	rekeyAtOrAfterCounter uint64 // absolute Session.sendCounter threshold
	hardExpireAtCounter   uint64 // absolute Session.sendCounter threshold
	rekeyAtOrAfterTimeMS  int64

	ratchetKey []byte // 64 bytes, feeds the next session's chain
	ratchetCount uint64
	jedi         bool // true if Kyber1024 contributed to this key

	sendKey    []byte
	receiveKey []byte

	sendPool    *gcmPool
	receivePool *gcmPool
}

// newSessionKey derives a SessionKey from a 64-byte master secret, the
// role this side played in the handshake that produced it, the ratchet
// generation number, the owning Session's current send counter value
// (so uses of this key are measured against the one session-wide
// monotonic counter rather than a per-key counter restarting at zero),
// now (caller-supplied monotonic ms), and whether Kyber contributed to
// the derivation.
func newSessionKey(master []byte, r role, ratchetCount uint64, jedi bool, establishedAtCounter uint64, nowMS int64) (*SessionKey, error) {
	if len(master) != 64 {
		return nil, ErrInvalidParameter
	}

	fp := sha512.Sum384(master)

	aToB := gcmKey(master, kdfLabelGCMAtoB)
	bToA := gcmKey(master, kdfLabelGCMBtoA)

	sk := &SessionKey{
		ratchetKey:           ratchetKey(master),
		ratchetCount:         ratchetCount,
		jedi:                 jedi,
		establishedAtCounter: establishedAtCounter,
		establishedAtTimeMS:  nowMS,
	}
	copy(sk.fingerprint[:], fp[:16])

	if r == roleAlice {
		sk.sendKey, sk.receiveKey = aToB, bToA
	} else {
		sk.sendKey, sk.receiveKey = bToA, aToB
	}
	sk.sendPool = newGCMPool(sk.sendKey)
	sk.receivePool = newGCMPool(sk.receiveKey)

	sk.rekeyAtOrAfterCounter = establishedAtCounter + RekeyAfterUses + randUint64Below(RekeyAfterUsesMaxJitter)
	sk.hardExpireAtCounter = establishedAtCounter + ExpireAfterUses
	sk.rekeyAtOrAfterTimeMS = nowMS + RekeyAfterTimeMS + int64(randUint64Below(RekeyAfterTimeMSMaxJitter))

	return sk, nil
}

func randUint64Below(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.LittleEndian.Uint64(buf[:]) % n
}

// needsRekey reports whether this key has crossed its soft rekey
// threshold (use count, measured against the session's shared counter, or
// wall-clock time), under which a session should proactively begin a new
// handshake while the key keeps operating. sessionCounter is the owning
// Session's current send counter value.
func (sk *SessionKey) needsRekey(sessionCounter uint64, nowMS int64) bool {
	return sessionCounter >= sk.rekeyAtOrAfterCounter || nowMS >= sk.rekeyAtOrAfterTimeMS
}

// expired reports whether this key has crossed its hard-expiry use count;
// past this point sends must fail with MaxKeyLifetimeExceeded.
func (sk *SessionKey) expired(sessionCounter uint64) bool {
	return sessionCounter >= sk.hardExpireAtCounter
}

// zeroizeSend destroys only the send-direction key material, per the
// reference's deliberate asymmetry: a hard-expired key can no longer send,
// but late-arriving inbound fragments encrypted under it before expiry
// must still decrypt, so the receive key survives until this SessionKey is
// displaced from the 3-slot ring.
func (sk *SessionKey) zeroizeSend() {
	for i := range sk.sendKey {
		sk.sendKey[i] = 0
	}
	sk.sendPool.zeroize()
}

// zeroizeAll destroys both directions' key material; called when a
// SessionKey is displaced out of the ring entirely.
func (sk *SessionKey) zeroizeAll() {
	sk.zeroizeSend()
	for i := range sk.receiveKey {
		sk.receiveKey[i] = 0
	}
	sk.receivePool.zeroize()
	for i := range sk.ratchetKey {
		sk.ratchetKey[i] = 0
	}
}
