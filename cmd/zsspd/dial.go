package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nodeforge/zssp/pkg/store"
	"github.com/nodeforge/zssp/pkg/transport"
	"github.com/nodeforge/zssp/pkg/zssp"
)

// dialInitial opens an Alice-role session to a peer given on the command
// line, mirroring how a caller of the reference's open() would originate a
// session outside of an inbound KEY_OFFER.
func dialInitial(ep *transport.Endpoint[store.SessionUser], st *store.Store[transport.PeerAddr], peerMultiaddr, staticHex string, mtu int) error {
	if staticHex == "" {
		return fmt.Errorf("-dial requires -dial-static")
	}
	remoteStatic, err := hex.DecodeString(staticHex)
	if err != nil {
		return fmt.Errorf("decode -dial-static: %w", err)
	}
	addr, err := transport.ParsePeerAddr(peerMultiaddr)
	if err != nil {
		return fmt.Errorf("parse -dial address: %w", err)
	}

	localID := st.AllocateSessionID()
	var psk [64]byte // no pre-shared key configured for this demo daemon

	sess, err := zssp.StartNew(
		st,
		ep.SendFuncTo(addr),
		localID,
		addr,
		remoteStatic,
		nil,
		psk,
		store.SessionUser{},
		mtu,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	st.Register(localID, sess)
	return nil
}
