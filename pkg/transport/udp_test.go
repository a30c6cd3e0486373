package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerAddrRoundTripIPv4(t *testing.T) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7070}
	p, err := NewPeerAddr(udpAddr)
	require.NoError(t, err)
	require.Equal(t, "/ip4/127.0.0.1/udp/7070", p.String())

	parsed, err := ParsePeerAddr(p.String())
	require.NoError(t, err)
	require.Equal(t, udpAddr.IP.String(), parsed.udp.IP.String())
	require.Equal(t, udpAddr.Port, parsed.udp.Port)
}

func TestPeerAddrRoundTripIPv6(t *testing.T) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 9999}
	p, err := NewPeerAddr(udpAddr)
	require.NoError(t, err)

	parsed, err := ParsePeerAddr(p.String())
	require.NoError(t, err)
	require.Equal(t, udpAddr.IP.String(), parsed.udp.IP.String())
	require.Equal(t, udpAddr.Port, parsed.udp.Port)
}

func TestParsePeerAddrRejectsMissingUDPComponent(t *testing.T) {
	_, err := ParsePeerAddr("/ip4/127.0.0.1/tcp/80")
	require.Error(t, err)
}

func TestParsePeerAddrRejectsMalformedMultiaddr(t *testing.T) {
	_, err := ParsePeerAddr("not-a-multiaddr")
	require.Error(t, err)
}

func TestListenRejectsMTUBelowMinimum(t *testing.T) {
	_, err := Listen[string]("127.0.0.1:0", nil, 100)
	require.Error(t, err)
}
