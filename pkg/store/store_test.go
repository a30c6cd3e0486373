package store

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha512"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeforge/zssp/pkg/zssp"
)

func newTestStore(t *testing.T) *Store[string] {
	t.Helper()
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	dbPath := filepath.Join(t.TempDir(), "zssp.db")
	st, err := Open[string](dbPath, priv, 50)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGetLocalSPublicHashMatchesSHA384(t *testing.T) {
	st := newTestStore(t)
	want := sha512.Sum384(st.GetLocalSPublicRaw())
	require.Equal(t, want, st.GetLocalSPublicHash(), "the identity hash fed into the handshake proof must be plain SHA-384, not a storage-only digest")
}

func TestExtractSPublicFromRawRoundTrips(t *testing.T) {
	st := newTestStore(t)
	other, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)

	pub, ok := st.ExtractSPublicFromRaw(other.PublicKey().Bytes())
	require.True(t, ok)
	require.Equal(t, other.PublicKey().Bytes(), pub.Bytes())

	_, ok = st.ExtractSPublicFromRaw([]byte{0x01, 0x02})
	require.False(t, ok, "malformed input must report ok=false, never panic or error")
}

func TestAcceptNewSessionPersistsPeerAndAllocatesDistinctIDs(t *testing.T) {
	st := newTestStore(t)
	remote, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	remoteRaw := remote.PublicKey().Bytes()

	id1, _, user1, ok := st.AcceptNewSession("peer-addr-1", remoteRaw, nil)
	require.True(t, ok)
	require.False(t, id1.IsNil())
	require.NotEmpty(t, user1.PeerFingerprint)

	id2, _, user2, ok := st.AcceptNewSession("peer-addr-2", remoteRaw, nil)
	require.True(t, ok)
	require.NotEqual(t, id1, id2, "each admitted session gets a distinct local session id")
	require.Equal(t, user1.PeerFingerprint, user2.PeerFingerprint, "the same remote static key resolves to the same directory row")

	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&count))
	require.Equal(t, 1, count, "re-accepting the same peer must not duplicate its directory row")
}

func TestCheckNewSessionEnforcesPerAddressCooldown(t *testing.T) {
	st := newTestStore(t)
	require.True(t, st.CheckNewSession("addr"))
	require.False(t, st.CheckNewSession("addr"), "a second attempt inside the cooldown window must be rejected")
}

func TestRegisterAndLookupAndForget(t *testing.T) {
	st := newTestStore(t)
	id := st.AllocateSessionID()
	require.False(t, id.IsNil())

	_, ok := st.LookupSession(id)
	require.False(t, ok)

	// Register doesn't need a real *zssp.Session to exercise the directory
	// bookkeeping; nil is sufficient to prove the map semantics.
	var sess *zssp.Session[SessionUser, string]
	st.Register(id, sess)
	got, ok := st.LookupSession(id)
	require.True(t, ok)
	require.Nil(t, got)

	st.Forget(id)
	_, ok = st.LookupSession(id)
	require.False(t, ok)
}
