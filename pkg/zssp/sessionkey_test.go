package zssp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func masterSecret(t *testing.T, b byte) []byte {
	t.Helper()
	m := make([]byte, 64)
	for i := range m {
		m[i] = b
	}
	return m
}

func TestNewSessionKeyRejectsWrongMasterLength(t *testing.T) {
	_, err := newSessionKey(make([]byte, 32), roleAlice, 1, false, 0, 0)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSessionKeyRolesAreMirrorImages(t *testing.T) {
	master := masterSecret(t, 0x42)
	alice, err := newSessionKey(master, roleAlice, 1, true, 0, 0)
	require.NoError(t, err)
	bob, err := newSessionKey(master, roleBob, 1, true, 0, 0)
	require.NoError(t, err)

	// Alice's send key must be Bob's receive key and vice versa, since both
	// derive from the same master secret with roles swapped.
	require.Equal(t, alice.sendKey, bob.receiveKey)
	require.Equal(t, alice.receiveKey, bob.sendKey)
	require.Equal(t, alice.fingerprint, bob.fingerprint)
}

func TestSessionKeyExpiryAndRekeyThresholds(t *testing.T) {
	master := masterSecret(t, 0x01)
	sk, err := newSessionKey(master, roleAlice, 1, false, 0, 0)
	require.NoError(t, err)

	sk.hardExpireAtCounter = 2
	sk.rekeyAtOrAfterCounter = 1

	require.False(t, sk.needsRekey(0, 0))
	require.False(t, sk.expired(0))
	require.True(t, sk.needsRekey(1, 0), "session counter has reached the (lowered) soft threshold")
	require.False(t, sk.expired(1))
	require.True(t, sk.expired(2), "session counter has reached the (lowered) hard-expiry threshold")
}

func TestZeroizeSendLeavesReceiveKeyIntact(t *testing.T) {
	master := masterSecret(t, 0x7f)
	sk, err := newSessionKey(master, roleAlice, 1, false, 0, 0)
	require.NoError(t, err)

	receiveCopy := append([]byte(nil), sk.receiveKey...)
	sk.zeroizeSend()

	for _, b := range sk.sendKey {
		require.Zero(t, b)
	}
	require.Equal(t, receiveCopy, sk.receiveKey, "zeroizeSend must not touch the receive-direction key")

	sk.zeroizeAll()
	for _, b := range sk.receiveKey {
		require.Zero(t, b)
	}
	for _, b := range sk.ratchetKey {
		require.Zero(t, b)
	}
}
