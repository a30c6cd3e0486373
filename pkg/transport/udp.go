// Package transport provides a reference datagram binding for pkg/zssp: a
// plain UDP socket addressed with multiaddr.Multiaddr, the RemoteAddress
// type plugged into Session/ReceiveContext as their A type parameter. The
// core never imports this package; it is an external collaborator in the
// same sense a packet router sits outside a secure-channel protocol.
package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/nodeforge/zssp/pkg/zssp"
)

// PeerAddr is the RemoteAddress this transport hands to the core: a
// multiaddr wrapping a UDP endpoint.
type PeerAddr struct {
	addr multiaddr.Multiaddr
	udp  *net.UDPAddr
}

func (p PeerAddr) String() string {
	if p.addr == nil {
		return "<nil>"
	}
	return p.addr.String()
}

// NewPeerAddr wraps a resolved UDP address as a multiaddr-backed PeerAddr.
func NewPeerAddr(udpAddr *net.UDPAddr) (PeerAddr, error) {
	proto := "ip4"
	ip := udpAddr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	} else {
		proto = "ip6"
	}
	maddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%d", proto, ip.String(), udpAddr.Port))
	if err != nil {
		return PeerAddr{}, fmt.Errorf("transport: convert %s to multiaddr: %w", udpAddr, err)
	}
	return PeerAddr{addr: maddr, udp: udpAddr}, nil
}

// ParsePeerAddr resolves a "/ip4/.../udp/..." (or ip6) multiaddr string
// into a PeerAddr a caller can pass to StartNew.
func ParsePeerAddr(s string) (PeerAddr, error) {
	maddr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("transport: parse multiaddr %q: %w", s, err)
	}
	ipStr, err := maddr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		ipStr, err = maddr.ValueForProtocol(multiaddr.P_IP6)
		if err != nil {
			return PeerAddr{}, fmt.Errorf("transport: %q has no ip4/ip6 component", s)
		}
	}
	portStr, err := maddr.ValueForProtocol(multiaddr.P_UDP)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("transport: %q has no udp component: %w", s, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ipStr, portStr))
	if err != nil {
		return PeerAddr{}, fmt.Errorf("transport: resolve %q: %w", s, err)
	}
	return PeerAddr{addr: maddr, udp: udpAddr}, nil
}

// Endpoint is a UDP socket driving a zssp.ReceiveContext: it owns nothing
// about sessions or identity, only datagram I/O and fragment dispatch.
type Endpoint[U any] struct {
	conn *net.UDPConn
	rc   *zssp.ReceiveContext[U, PeerAddr]
	mtu  int

	closeOnce sync.Once
}

// Listen opens a UDP socket and binds it to rc for inbound dispatch.
func Listen[U any](laddr string, rc *zssp.ReceiveContext[U, PeerAddr], mtu int) (*Endpoint[U], error) {
	if mtu < zssp.MinTransportMTU {
		return nil, fmt.Errorf("transport: mtu %d below minimum %d", mtu, zssp.MinTransportMTU)
	}
	a, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", a)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", laddr, err)
	}
	return &Endpoint[U]{conn: conn, rc: rc, mtu: mtu}, nil
}

// Close releases the underlying socket.
func (e *Endpoint[U]) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.conn.Close() })
	return err
}

// SendFuncTo returns a zssp.SendFunc that writes fragments to addr.
func (e *Endpoint[U]) SendFuncTo(addr PeerAddr) zssp.SendFunc {
	return func(fragment []byte) {
		if _, err := e.conn.WriteToUDP(fragment, addr.udp); err != nil {
			log.Printf("transport: write to %s failed: %v", addr, err)
		}
	}
}

// Hooks lets the caller react to what a received fragment produced.
type Hooks[U any] struct {
	OnNewSession func(sess *zssp.Session[U, PeerAddr])
	OnData       func(sess *zssp.Session[U, PeerAddr], data []byte)
	OnError      func(remoteAddr PeerAddr, err error)
}

// Serve reads datagrams in a loop and dispatches each one through rc,
// invoking hooks for whatever the dispatch produced. It blocks until the
// socket is closed.
func (e *Endpoint[U]) Serve(hooks Hooks[U]) error {
	buf := make([]byte, e.mtu)
	for {
		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		fragment := make([]byte, n)
		copy(fragment, buf[:n])

		peerAddr, err := NewPeerAddr(raddr)
		if err != nil {
			if hooks.OnError != nil {
				hooks.OnError(PeerAddr{}, err)
			}
			continue
		}

		res, sess, err := e.rc.Receive(peerAddr, e.SendFuncTo(peerAddr), fragment, e.mtu, time.Now().UnixMilli())
		if err != nil {
			if hooks.OnError != nil {
				hooks.OnError(peerAddr, err)
			}
			continue
		}
		switch res.Kind {
		case zssp.ReceiveOkNewSession:
			if hooks.OnNewSession != nil {
				hooks.OnNewSession(sess)
			}
		case zssp.ReceiveOkData:
			if hooks.OnData != nil {
				hooks.OnData(sess, res.Data)
			}
		}
	}
}
