package zssp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{Counter: 0xdeadbeef, SessionID: SessionID(0x0102030405), PacketType: PacketTypeData, FragmentCount: 3, FragmentNumber: 2}
	buf := make([]byte, HeaderSize)
	h.encode(buf)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h.Counter, got.Counter)
	require.Equal(t, h.SessionID, got.SessionID)
	require.Equal(t, h.PacketType, got.PacketType)
	require.Equal(t, h.FragmentCount, got.FragmentCount)
	require.Equal(t, h.FragmentNumber, got.FragmentNumber)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := decodeHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDecodeHeaderRejectsUnknownPacketType(t *testing.T) {
	h := header{PacketType: PacketTypeKeyCounterOffer + 1}
	buf := make([]byte, HeaderSize)
	h.encode(buf)
	_, err := decodeHeader(buf)
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestHeaderCheckCipherDetectsTamper(t *testing.T) {
	key := make([]byte, HeaderCheckAESKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	hc, err := newHeaderCheckCipher(key)
	require.NoError(t, err)

	h := header{Counter: 1, SessionID: SessionID(42), PacketType: PacketTypeData, FragmentCount: 1, FragmentNumber: 0}
	fragment := make([]byte, HeaderSize+8)
	h.encode(fragment)
	copy(fragment[HeaderSize:], []byte("payload!"))
	require.NoError(t, hc.stampCheckCode(fragment))
	require.True(t, hc.verifyCheckCode(fragment))

	tampered := append([]byte(nil), fragment...)
	tampered[HeaderSize] ^= 0x01 // flip a payload byte the check code covers
	require.False(t, hc.verifyCheckCode(tampered))
}

func TestHeaderCheckCipherRejectsWrongKeySize(t *testing.T) {
	_, err := newHeaderCheckCipher(make([]byte, HeaderCheckAESKeySize-1))
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestFragmentPacketRejectsOversizedPacket(t *testing.T) {
	hc, err := newHeaderCheckCipher(make([]byte, HeaderCheckAESKeySize))
	require.NoError(t, err)
	h := header{PacketType: PacketTypeKeyOffer}
	payload := make([]byte, KeyExchangeMaxFragments*(MinTransportMTU-HeaderSize)+1)
	_, err = fragmentPacket(h, payload, MinTransportMTU, KeyExchangeMaxFragments, hc)
	require.ErrorIs(t, err, ErrDataTooLarge)
}
