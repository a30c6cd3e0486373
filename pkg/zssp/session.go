package zssp

import (
	"crypto/ecdh"
	"crypto/sha512"
	"sync"
	"sync/atomic"
)

type sessionState uint8

const (
	stateFresh sessionState = iota
	stateOfferSent
	stateEstablished
)

// Session is one peering's state machine: it owns the peer's identity,
// the rolling 3-slot SessionKey ring, any in-flight handshake, and the
// per-session defragmenter and header-check cipher.
type Session[U any, A any] struct {
	app ApplicationLayer[U, A]

	localStaticRaw []byte
	localSKeypair  *ecdh.PrivateKey

	remoteStaticRaw []byte
	remoteStaticPub *ecdh.PublicKey
	remoteAddr      A

	noiseSS [48]byte
	psk     [64]byte

	localSessionID SessionID

	UserData U

	// sendCounter is the single 64-bit counter strictly monotonic across
	// every packet this session ever sends (handshake and data/NOP alike,
	// across every rekey); its low 32 bits go on the wire as the packet
	// counter, and SessionKey use-thresholds are measured against it.
	sendCounter atomic.Uint64

	mu              sync.RWMutex
	remoteSessionID SessionID
	state           sessionState
	keys            [KeyHistorySize]*SessionKey
	currentKeyIdx   int
	offer           *ephemeralOffer
	lastRemoteOfferMS int64

	headerCheck *headerCheckCipher
	defrag      *defragmenter
}

// SendFunc is how the core hands finished fragments to the transport; it
// never blocks the core itself, only the calling thread.
type SendFunc func(fragment []byte)

// newSessionCommon builds the parts of a Session shared between
// StartNew (Alice role) and acceptance of an inbound KEY_OFFER
// (Bob role).
func newSessionCommon[U any, A any](app ApplicationLayer[U, A], localSessionID SessionID, remoteStaticRaw []byte, remoteStaticPub *ecdh.PublicKey, remoteAddr A, psk [64]byte, userData U) (*Session[U, A], error) {
	localKeypair := app.GetLocalSKeypair()
	shared, err := localKeypair.ECDH(remoteStaticPub)
	if err != nil {
		return nil, ErrInvalidParameter
	}

	s := &Session[U, A]{
		app:             app,
		localStaticRaw:  app.GetLocalSPublicRaw(),
		localSKeypair:   localKeypair,
		remoteStaticRaw: remoteStaticRaw,
		remoteStaticPub: remoteStaticPub,
		remoteAddr:      remoteAddr,
		psk:             psk,
		localSessionID:  localSessionID,
		UserData:        userData,
		remoteSessionID: NilSessionID,
		state:           stateFresh,
		defrag:          newDefragmenter(8 * 8),
	}
	copy(s.noiseSS[:], shared)

	hcc, err := newHeaderCheckCipher(headerCheckKey(s.noiseSS[:]))
	if err != nil {
		return nil, err
	}
	s.headerCheck = hcc
	return s, nil
}

// StartNew creates a fresh Session in the Alice role and emits a KEY_OFFER.
func StartNew[U any, A any](app ApplicationLayer[U, A], send SendFunc, localSessionID SessionID, remoteAddr A, remoteStaticRaw []byte, offerMetadata []byte, psk [64]byte, userData U, mtu int, nowMS int64) (*Session[U, A], error) {
	if localSessionID.IsNil() {
		return nil, ErrInvalidParameter
	}
	remotePub, ok := app.ExtractSPublicFromRaw(remoteStaticRaw)
	if !ok {
		return nil, ErrInvalidParameter
	}
	s, err := newSessionCommon[U, A](app, localSessionID, remoteStaticRaw, remotePub, remoteAddr, psk, userData)
	if err != nil {
		return nil, err
	}
	if err := s.sendOffer(send, offerMetadata, mtu, nowMS); err != nil {
		return nil, err
	}
	return s, nil
}

// Established reports whether this session's current key slot holds a
// SessionKey. A key that is installed but not yet promoted to current does
// not count.
func (s *Session[U, A]) Established() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[s.currentKeyIdx] != nil
}

// RemoteAddr returns the transport address this session was bound to at
// construction, for callers that need to address it without threading
// their own copy through separately.
func (s *Session[U, A]) RemoteAddr() A { return s.remoteAddr }

// LocalSessionID returns this session's local identifier.
func (s *Session[U, A]) LocalSessionID() SessionID { return s.localSessionID }

// Status mirrors the reference's status() tuple.
type Status struct {
	Fingerprint  [16]byte
	EstablishAt  int64
	RatchetCount uint64
	Jedi         bool
}

func (s *Session[U, A]) Status() (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.keys[s.currentKeyIdx]
	if k == nil {
		return Status{}, false
	}
	return Status{
		Fingerprint:  k.fingerprint,
		EstablishAt:  k.establishedAtTimeMS,
		RatchetCount: k.ratchetCount,
		Jedi:         k.jedi,
	}, true
}

// Send encrypts, fragments, and transmits an application payload under the
// current SessionKey.
func (s *Session[U, A]) Send(send SendFunc, mtu int, payload []byte) error {
	return s.sendUnderCurrentKey(send, mtu, PacketTypeData, payload)
}

// sendNOP transmits an empty authenticated packet under the current key,
// used to confirm a newly-promoted key to the peer without surfacing
// anything to the application on their side.
func (s *Session[U, A]) sendNOP(send SendFunc, mtu int) error {
	return s.sendUnderCurrentKey(send, mtu, PacketTypeNOP, nil)
}

func (s *Session[U, A]) sendUnderCurrentKey(send SendFunc, mtu int, packetType uint8, payload []byte) error {
	s.mu.RLock()
	key := s.keys[s.currentKeyIdx]
	remoteSessionID := s.remoteSessionID
	s.mu.RUnlock()

	if key == nil {
		return ErrSessionNotEstablished
	}

	n := s.sendCounter.Add(1) - 1
	if key.expired(n) {
		key.zeroizeSend()
		return ErrMaxKeyLifetimeExceeded
	}
	counter := uint32(n)

	ciphertext, err := s.aeadEncrypt(key, remoteSessionID, packetType, counter, payload)
	if err != nil {
		return err
	}

	h := header{Counter: counter, SessionID: remoteSessionID, PacketType: packetType}
	fragments, err := fragmentPacket(h, ciphertext, mtu, MaxFragments, s.headerCheck)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		send(f)
	}
	return nil
}

// aeadEncrypt implements the encrypt path: init GCM with the canonical
// header as nonce, seal the payload, return ciphertext‖tag.
func (s *Session[U, A]) aeadEncrypt(key *SessionKey, sessionID SessionID, packetType uint8, counter uint32, plaintext []byte) ([]byte, error) {
	aead, err := key.sendPool.get()
	if err != nil {
		return nil, err
	}
	defer key.sendPool.put(aead)

	nonce := canonicalHeader(sessionID, packetType, counter)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// aeadDecryptWithKey tries to open a ciphertext under one specific key.
func (s *Session[U, A]) aeadDecryptWithKey(key *SessionKey, sessionID SessionID, packetType uint8, counter uint32, ciphertext []byte) ([]byte, error) {
	aead, err := key.receivePool.get()
	if err != nil {
		return nil, err
	}
	defer key.receivePool.put(aead)

	nonce := canonicalHeader(sessionID, packetType, counter)
	return aead.Open(nil, nonce[:], ciphertext, nil)
}

// Service drives time-based housekeeping: if the current key needs
// rekeying (or force is set) and the rate limit allows it, send a fresh
// KEY_OFFER while the current key keeps operating.
func (s *Session[U, A]) Service(send SendFunc, offerMetadata []byte, mtu int, nowMS int64, force bool) error {
	s.mu.RLock()
	key := s.keys[s.currentKeyIdx]
	lastOffer := s.lastRemoteOfferMS
	inFlight := s.offer
	s.mu.RUnlock()

	if key == nil {
		return ErrSessionNotEstablished
	}
	if !force && !key.needsRekey(s.sendCounter.Load(), nowMS) {
		return nil
	}
	if nowMS-lastOffer < s.app.RekeyRateLimitMS() && lastOffer != 0 {
		return ErrRateLimited
	}
	if inFlight != nil && nowMS-inFlight.createdAtMS < s.app.RekeyRateLimitMS() {
		return ErrRateLimited
	}
	return s.sendOffer(send, offerMetadata, mtu, nowMS)
}

// sendOffer builds and transmits a KEY_OFFER, recording the in-flight
// ephemeralOffer so the matching KEY_COUNTER_OFFER can be recognized.
func (s *Session[U, A]) sendOffer(send SendFunc, metadata []byte, mtu int, nowMS int64) error {
	packet, counter32, offer, err := s.buildKeyOffer(metadata, nowMS)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.offer = offer
	if s.state == stateFresh {
		s.state = stateOfferSent
	}
	s.mu.Unlock()

	hc := s.headerCheck
	if s.remoteSessionIDIsNil() {
		// First contact: Bob has no session for us yet and checks nil-session
		// traffic against his own identity hash, so the offer is stamped
		// with a key derived from the peer's static public blob.
		k, err := newHeaderCheckCipher(headerCheckKey(localStaticHash(s.remoteStaticRaw)))
		if err != nil {
			return err
		}
		hc = k
	}

	h := header{SessionID: s.remoteSessionIDSnapshot(), PacketType: PacketTypeKeyOffer, Counter: counter32}
	fragments, err := fragmentPacket(h, packet, mtu, KeyExchangeMaxFragments, hc)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		send(f)
	}
	return nil
}

// lastRemoteOfferSnapshot returns the last time (ms) this session accepted
// an inbound offer, for the rekey rate-limit check.
func (s *Session[U, A]) lastRemoteOfferSnapshot() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRemoteOfferMS
}

// decryptAny is the decrypt dispatch: try every resident key starting
// from the current slot, promoting whichever one first succeeds.
func (s *Session[U, A]) decryptAny(hdr header, ciphertext []byte) ([]byte, error) {
	keys, cur := s.keysSnapshot()
	order := make([]int, 0, KeyHistorySize)
	order = append(order, cur)
	for i := 0; i < KeyHistorySize; i++ {
		if i != cur {
			order = append(order, i)
		}
	}
	for _, idx := range order {
		k := keys[idx]
		if k == nil {
			continue
		}
		pt, err := s.aeadDecryptWithKey(k, hdr.SessionID, hdr.PacketType, hdr.Counter, ciphertext)
		if err == nil {
			if idx != cur {
				s.promote(idx)
			}
			return pt, nil
		}
	}
	return nil, ErrFailedAuthentication
}

func (s *Session[U, A]) remoteSessionIDIsNil() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteSessionID.IsNil()
}

func (s *Session[U, A]) remoteSessionIDSnapshot() SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteSessionID
}

func localStaticHash(raw []byte) []byte {
	h := sha512.Sum384(raw)
	return h[:]
}

// installKey places a freshly-derived key at (current+1)%3, zeroizing
// whatever it displaces, and returns the slot it was installed in.
func (s *Session[U, A]) installKey(k *SessionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := (s.currentKeyIdx + 1) % KeyHistorySize
	if old := s.keys[next]; old != nil {
		old.zeroizeAll()
	}
	s.keys[next] = k
	return next
}

// promote makes idx the current key if it isn't already, under the write
// lock, satisfying the "promoted on first successful authenticated
// decrypt" invariant.
func (s *Session[U, A]) promote(idx int) {
	s.mu.Lock()
	s.currentKeyIdx = idx
	s.state = stateEstablished
	s.mu.Unlock()
}

// ratchetMaterial returns the previous current key's ratchet key and
// count, if any, for inclusion in a new offer.
func (s *Session[U, A]) ratchetMaterial() ([]byte, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.keys[s.currentKeyIdx]
	if k == nil {
		return nil, 0
	}
	return k.ratchetKey, k.ratchetCount
}

// keysSnapshot returns a stable copy of the key ring and current index
// for the receive path to iterate without holding the lock across AEAD
// operations.
func (s *Session[U, A]) keysSnapshot() ([KeyHistorySize]*SessionKey, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys, s.currentKeyIdx
}
