// Package store implements a persistent zssp.ApplicationLayer backed by
// SQLite: a directory of known peers (static public key, pre-shared key),
// the live session table, and the bookkeeping a rekey rate limit needs.
package store

import (
	"crypto/ecdh"
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"github.com/nodeforge/zssp/pkg/zssp"
)

// SessionUser is the SessionUserData this store attaches to every session
// it admits or originates: just enough to join back to the peers table.
type SessionUser struct {
	PeerFingerprint string
}

// Store is a SQLite-backed zssp.ApplicationLayer, generic over whatever
// RemoteAddress type the embedding transport uses.
type Store[A any] struct {
	db *sql.DB

	localPriv    *ecdh.PrivateKey
	localPubRaw  []byte
	localPubHash [48]byte

	rekeyRateLimitMS int64

	mu       sync.RWMutex
	sessions map[zssp.SessionID]*zssp.Session[SessionUser, A]

	nextLocalID atomic.Uint64

	rlMu        sync.Mutex
	lastAttempt map[string]int64
}

// Open creates or attaches to a SQLite database at dbPath and returns a
// Store bound to the given local static keypair.
func Open[A any](dbPath string, localPriv *ecdh.PrivateKey, rekeyRateLimitMS int64) (*Store[A], error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}

	s := &Store[A]{
		db:               db,
		localPriv:        localPriv,
		localPubRaw:      localPriv.PublicKey().Bytes(),
		rekeyRateLimitMS: rekeyRateLimitMS,
		sessions:         make(map[zssp.SessionID]*zssp.Session[SessionUser, A]),
		lastAttempt:      make(map[string]int64),
	}
	// This hash feeds the handshake's identity-binding proof, so it must be
	// real SHA-384, not the BLAKE2b used for local storage keys below — the
	// wire protocol's own hashing is fixed for interop.
	sum := sha512.Sum384(s.localPubRaw)
	s.localPubHash = sum

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store[A]) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		fingerprint TEXT PRIMARY KEY,
		static_public BLOB NOT NULL,
		psk BLOB NOT NULL,
		first_seen INTEGER NOT NULL,
		last_session_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_session_id INTEGER NOT NULL,
		peer_fingerprint TEXT NOT NULL,
		event TEXT NOT NULL,
		at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(local_session_id, at_ms);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store[A]) Close() error { return s.db.Close() }

func fingerprintOf(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ---- zssp.ApplicationLayer[SessionUser, A] ----

func (s *Store[A]) GetLocalSPublicRaw() []byte      { return s.localPubRaw }
func (s *Store[A]) GetLocalSPublicHash() [48]byte   { return s.localPubHash }
func (s *Store[A]) GetLocalSKeypair() *ecdh.PrivateKey { return s.localPriv }

func (s *Store[A]) ExtractSPublicFromRaw(raw []byte) (*ecdh.PublicKey, bool) {
	pub, err := ecdh.P384().NewPublicKey(raw)
	if err != nil {
		return nil, false
	}
	return pub, true
}

func (s *Store[A]) LookupSession(id zssp.SessionID) (*zssp.Session[SessionUser, A], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// CheckNewSession applies a per-address cooldown before any cryptography
// runs on a fresh KEY_OFFER, independent of the per-session rate limit the
// core already enforces for rekeys of sessions it knows about.
func (s *Store[A]) CheckNewSession(remoteAddr A) bool {
	key := fmt.Sprint(remoteAddr)
	now := time.Now().UnixMilli()

	s.rlMu.Lock()
	defer s.rlMu.Unlock()
	if last, ok := s.lastAttempt[key]; ok && now-last < s.rekeyRateLimitMS {
		return false
	}
	s.lastAttempt[key] = now
	return true
}

// AcceptNewSession admits a verified inbound KEY_OFFER: look up or create
// the peer's directory row and allocate a fresh local session id. It does
// not register the Session the handshake engine then builds; the caller
// does that with Register.
func (s *Store[A]) AcceptNewSession(remoteAddr A, remoteStaticRaw []byte, remoteMetadata []byte) (zssp.SessionID, [64]byte, SessionUser, bool) {
	fp := fingerprintOf(remoteStaticRaw)
	var psk [64]byte

	row := s.db.QueryRow(`SELECT psk FROM peers WHERE fingerprint = ?`, fp)
	var pskBlob []byte
	switch err := row.Scan(&pskBlob); err {
	case nil:
		copy(psk[:], pskBlob)
	case sql.ErrNoRows:
		if _, err := s.db.Exec(
			`INSERT INTO peers (fingerprint, static_public, psk, first_seen) VALUES (?, ?, ?, ?)`,
			fp, remoteStaticRaw, psk[:], time.Now().UnixMilli(),
		); err != nil {
			log.Printf("store: failed to record new peer %s: %v", fp, err)
			return 0, psk, SessionUser{}, false
		}
	default:
		log.Printf("store: peer lookup failed for %s: %v", fp, err)
		return 0, psk, SessionUser{}, false
	}

	id := s.allocateLocalSessionID()
	user := SessionUser{PeerFingerprint: fp}

	s.logEvent(id, fp, "accepted")
	log.Printf("store: accepted new session %d from peer %s", uint64(id), fp)
	return id, psk, user, true
}

func (s *Store[A]) RekeyRateLimitMS() int64 { return s.rekeyRateLimitMS }

// ---- directory bookkeeping used by the owning daemon, not by the core ----

// AllocateSessionID reserves a fresh local session id for an outbound
// (Alice-role) handshake the caller is about to start with StartNew.
func (s *Store[A]) AllocateSessionID() zssp.SessionID { return s.allocateLocalSessionID() }

func (s *Store[A]) allocateLocalSessionID() zssp.SessionID {
	for {
		n := s.nextLocalID.Add(1)
		id := zssp.SessionID(n)
		if !id.IsNil() {
			return id
		}
	}
}

// Register makes a newly-established Session (either role) reachable by
// future LookupSession calls under its local session id.
func (s *Store[A]) Register(id zssp.SessionID, sess *zssp.Session[SessionUser, A]) {
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
}

// Forget removes a session from the directory, e.g. once the owning
// transport decides a peering has gone idle for good.
func (s *Store[A]) Forget(id zssp.SessionID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionSummary is the read-only view cmd/zsspd's status endpoint renders;
// it never exposes key material, only what Session.Status already does.
type SessionSummary struct {
	LocalSessionID string
	PeerAddr       string
	Established    bool
	Fingerprint    [16]byte
	RatchetCount   uint64
}

func summaryOf[A any](id zssp.SessionID, sess *zssp.Session[SessionUser, A]) SessionSummary {
	out := SessionSummary{
		LocalSessionID: fmt.Sprint(uint64(id)),
		PeerAddr:       fmt.Sprint(sess.RemoteAddr()),
	}
	if st, ok := sess.Status(); ok {
		out.Established = true
		out.Fingerprint = st.Fingerprint
		out.RatchetCount = st.RatchetCount
	}
	return out
}

// Summaries returns a point-in-time snapshot of every session currently
// registered with this store.
func (s *Store[A]) Summaries() []SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionSummary, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, summaryOf(id, sess))
	}
	return out
}

// SummaryByIDString looks up one session by its decimal local session id,
// as taken from a URL path parameter.
func (s *Store[A]) SummaryByIDString(idStr string) (SessionSummary, bool) {
	n, err := strconv.ParseUint(idStr, 10, 48)
	if err != nil {
		return SessionSummary{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[zssp.SessionID(n)]
	if !ok {
		return SessionSummary{}, false
	}
	return summaryOf(zssp.SessionID(n), sess), true
}

func (s *Store[A]) logEvent(id zssp.SessionID, peerFingerprint, event string) {
	if _, err := s.db.Exec(
		`INSERT INTO session_events (local_session_id, peer_fingerprint, event, at_ms) VALUES (?, ?, ?, ?)`,
		uint64(id), peerFingerprint, event, time.Now().UnixMilli(),
	); err != nil {
		log.Printf("store: failed to log session event %s for %d: %v", event, uint64(id), err)
	}
}
