package zssp

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memApp is a minimal in-process ApplicationLayer, standing in for
// pkg/store in these tests: a throwaway in-memory peer/session directory
// rather than a real database. Two of these, each with its own
// ReceiveContext, form the two-host harness every test below uses:
// fragments go straight into the peer's Receive, except during the
// handshake, which queues them first.
type memApp struct {
	priv     *ecdh.PrivateKey
	pubRaw   []byte
	pubHash  [48]byte
	rekeyRateLimitMS int64

	mu       sync.RWMutex
	sessions map[SessionID]*Session[string, string]
	nextID   atomic.Uint64
}

func newMemApp(t *testing.T, rekeyRateLimitMS int64) *memApp {
	t.Helper()
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	a := &memApp{
		priv:             priv,
		pubRaw:           priv.PublicKey().Bytes(),
		rekeyRateLimitMS: rekeyRateLimitMS,
		sessions:         make(map[SessionID]*Session[string, string]),
	}
	a.pubHash = [48]byte(localStaticHash(a.pubRaw))
	a.nextID.Store(0)
	return a
}

func (a *memApp) GetLocalSPublicRaw() []byte        { return a.pubRaw }
func (a *memApp) GetLocalSPublicHash() [48]byte     { return a.pubHash }
func (a *memApp) GetLocalSKeypair() *ecdh.PrivateKey { return a.priv }

func (a *memApp) ExtractSPublicFromRaw(raw []byte) (*ecdh.PublicKey, bool) {
	pub, err := ecdh.P384().NewPublicKey(raw)
	if err != nil {
		return nil, false
	}
	return pub, true
}

func (a *memApp) LookupSession(id SessionID) (*Session[string, string], bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	return s, ok
}

func (a *memApp) CheckNewSession(remoteAddr string) bool { return true }

func (a *memApp) AcceptNewSession(remoteAddr string, remoteStaticRaw []byte, remoteMetadata []byte) (SessionID, [64]byte, string, bool) {
	return a.allocID(), [64]byte{}, "peer:" + remoteAddr, true
}

func (a *memApp) RekeyRateLimitMS() int64 { return a.rekeyRateLimitMS }

func (a *memApp) allocID() SessionID {
	for {
		n := a.nextID.Add(1)
		id := SessionID(n)
		if !id.IsNil() {
			return id
		}
	}
}

func (a *memApp) register(id SessionID, s *Session[string, string]) {
	a.mu.Lock()
	a.sessions[id] = s
	a.mu.Unlock()
}

// pair wires two memApp/ReceiveContext hosts together with a shared MTU,
// each able to address the other by a fixed string "RemoteAddress".
type pair struct {
	t   *testing.T
	mtu int

	aliceApp *memApp
	bobApp   *memApp
	aliceRC  *ReceiveContext[string, string]
	bobRC    *ReceiveContext[string, string]
}

func newPair(t *testing.T, mtu int) *pair {
	t.Helper()
	p := &pair{
		t:        t,
		mtu:      mtu,
		aliceApp: newMemApp(t, 50),
		bobApp:   newMemApp(t, 50),
	}
	var err error
	p.aliceRC, err = NewReceiveContext[string, string](p.aliceApp)
	require.NoError(t, err)
	p.bobRC, err = NewReceiveContext[string, string](p.bobApp)
	require.NoError(t, err)
	return p
}

// sendToBob/sendToAlice are SendFuncs that immediately drive the peer's
// Receive, synchronously, since there is no real network between them.
func (p *pair) sendToBob(nowMS int64) SendFunc {
	return func(fragment []byte) {
		_, _, err := p.bobRC.Receive("alice", p.sendToAlice(nowMS), fragment, p.mtu, nowMS)
		require.NoError(p.t, err)
	}
}

func (p *pair) sendToAlice(nowMS int64) SendFunc {
	return func(fragment []byte) {
		_, _, err := p.aliceRC.Receive("bob", p.sendToBob(nowMS), fragment, p.mtu, nowMS)
		require.NoError(p.t, err)
	}
}

// handshake drives a full KEY_OFFER/KEY_COUNTER_OFFER/NOP exchange and
// returns both sides' established Session handles. The offer and the
// counter-offer are queued rather than delivered from inside the send
// callback, so that each side's Session is registered before the reply
// addressed to it arrives.
func (p *pair) handshake(nowMS int64) (alice, bob *Session[string, string]) {
	t := p.t

	aliceLocalID := p.aliceApp.allocID()
	var psk [64]byte

	var toBob, toAlice [][]byte
	queue := func(q *[][]byte) SendFunc {
		return func(fragment []byte) { *q = append(*q, append([]byte(nil), fragment...)) }
	}

	aliceSession, err := StartNew[string, string](p.aliceApp, queue(&toBob), aliceLocalID, "bob", p.bobApp.pubRaw, []byte("hello"), psk, "peer:bob", p.mtu, nowMS)
	require.NoError(t, err)
	p.aliceApp.register(aliceLocalID, aliceSession)

	// Capture Bob's session as Receive creates it, since StartNew only
	// returns Alice's side.
	var bobSession *Session[string, string]
	for _, fragment := range toBob {
		_, sess, err := p.bobRC.Receive("alice", queue(&toAlice), fragment, p.mtu, nowMS)
		require.NoError(t, err)
		if sess != nil {
			bobSession = sess
			p.bobApp.register(sess.localSessionID, sess)
		}
	}
	require.NotNil(t, bobSession, "bob must have admitted a new session from the KEY_OFFER")

	// Alice's confirming NOP goes straight to Bob, whose session is
	// registered by now.
	for _, fragment := range toAlice {
		_, _, err := p.aliceRC.Receive("bob", p.sendToBob(nowMS), fragment, p.mtu, nowMS)
		require.NoError(t, err)
	}

	require.True(t, aliceSession.Established(), "alice promotes on counter-offer validation")
	require.True(t, bobSession.Established(), "bob promotes once alice's NOP decrypts")

	return aliceSession, bobSession
}

func TestHandshakeEstablishesMatchingKeys(t *testing.T) {
	p := newPair(t, 1400)
	now := time.Now().UnixMilli()
	alice, bob := p.handshake(now)

	aliceStatus, ok := alice.Status()
	require.True(t, ok)
	bobStatus, ok := bob.Status()
	require.True(t, ok)
	require.Equal(t, aliceStatus.Fingerprint, bobStatus.Fingerprint, "both sides must derive the identical session-key fingerprint")
	require.True(t, aliceStatus.Jedi, "jediEnabled is always on, so the established key must record Kyber contribution")
	require.True(t, bobStatus.Jedi)
}

func TestDataRoundTrip(t *testing.T) {
	p := newPair(t, 1400)
	now := time.Now().UnixMilli()
	alice, bob := p.handshake(now)

	var gotOnBob []byte
	bobSend := func(fragment []byte) {
		res, _, err := p.bobRC.Receive("alice", p.sendToAlice(now), fragment, p.mtu, now)
		require.NoError(t, err)
		if res.Kind == ReceiveOkData {
			gotOnBob = res.Data
		}
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, alice.Send(bobSend, p.mtu, payload))
	require.Equal(t, payload, gotOnBob)

	var gotOnAlice []byte
	aliceSend := func(fragment []byte) {
		res, _, err := p.aliceRC.Receive("bob", p.sendToBob(now), fragment, p.mtu, now)
		require.NoError(t, err)
		if res.Kind == ReceiveOkData {
			gotOnAlice = res.Data
		}
	}
	reply := []byte("and the dog does not care")
	require.NoError(t, bob.Send(aliceSend, p.mtu, reply))
	require.Equal(t, reply, gotOnAlice)
}

func TestFragmentedDataRoundTrip(t *testing.T) {
	// A small MTU forces Send to split the application payload across
	// several wire fragments, which the defragmenter must reassemble
	// before Receive ever sees a complete ciphertext.
	p := newPair(t, MinTransportMTU)
	now := time.Now().UnixMilli()
	alice, bob := p.handshake(now)

	var gotOnBob []byte
	bobSend := func(fragment []byte) {
		res, _, err := p.bobRC.Receive("alice", p.sendToAlice(now), fragment, p.mtu, now)
		require.NoError(t, err)
		if res.Kind == ReceiveOkData {
			gotOnBob = res.Data
		}
	}

	payload := make([]byte, MinTransportMTU*5)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, alice.Send(bobSend, p.mtu, payload))
	require.Equal(t, payload, gotOnBob)
}

func TestTamperedFragmentFailsAuthentication(t *testing.T) {
	p := newPair(t, 1400)
	now := time.Now().UnixMilli()
	alice, bob := p.handshake(now)
	_ = bob

	var captured []byte
	capture := func(fragment []byte) {
		captured = append([]byte(nil), fragment...)
	}
	require.NoError(t, alice.Send(capture, p.mtu, []byte("integrity matters")))
	require.NotEmpty(t, captured)

	// Flip a bit well past the header so the header-check still passes but
	// the AEAD tag no longer verifies.
	tampered := append([]byte(nil), captured...)
	tampered[len(tampered)-1] ^= 0x01

	_, _, err := p.bobRC.Receive("alice", p.sendToAlice(now), tampered, p.mtu, now)
	require.Error(t, err)
}

func TestServiceRekeysUnderForce(t *testing.T) {
	p := newPair(t, 1400)
	now := time.Now().UnixMilli()
	alice, bob := p.handshake(now)

	// Step well past the rate-limit window the handshake itself armed, so
	// this forced rekey is actually admitted rather than rate-limited.
	later := now + 1000

	var bobReceivedNewOffer bool
	bobSend := func(fragment []byte) {
		res, _, err := p.bobRC.Receive("alice", p.sendToAlice(later), fragment, p.mtu, later)
		require.NoError(t, err)
		if res.Kind == ReceiveOk || res.Kind == ReceiveOkNewSession {
			bobReceivedNewOffer = true
		}
	}

	require.NoError(t, alice.Service(bobSend, []byte("rekey"), p.mtu, later, true))
	require.True(t, bobReceivedNewOffer, "a forced Service call must emit and deliver a fresh KEY_OFFER")

	aliceStatusBefore, _ := alice.Status()
	require.NotNil(t, bob)
	_ = aliceStatusBefore
}

func TestRateLimitedRekeyIsIgnored(t *testing.T) {
	p := newPair(t, 1400)
	now := time.Now().UnixMilli()
	alice, bob := p.handshake(now)
	_ = bob

	// The handshake itself already armed Bob's lastRemoteOfferMS, so an
	// immediate forced rekey lands well inside the rate-limit window and is
	// dropped with ErrRateLimited.
	var ignored bool
	bobSend := func(fragment []byte) {
		res, _, err := p.bobRC.Receive("alice", p.sendToAlice(now+1), fragment, p.mtu, now+1)
		if errors.Is(err, ErrRateLimited) {
			require.Equal(t, ReceiveIgnored, res.Kind)
			ignored = true
			return
		}
		require.NoError(t, err)
	}
	require.NoError(t, alice.Service(bobSend, nil, p.mtu, now+1, true))
	require.True(t, ignored, "a rekey within RekeyRateLimitMS of the last accepted offer must be dropped")
}
