package zssp

// ReceiveKind classifies the outcome of a call to ReceiveContext.Receive,
// mirroring the reference's Ok / OkData / OkNewSession / Ignored result.
type ReceiveKind uint8

const (
	ReceiveIgnored ReceiveKind = iota
	ReceiveOk
	ReceiveOkData
	ReceiveOkNewSession
)

// ReceiveResult is the outcome of processing one inbound fragment.
type ReceiveResult struct {
	Kind ReceiveKind
	Data []byte
}

// ReceiveContext is the per-inbound-endpoint handle: the header-check
// cipher and defragmenter used for traffic addressed to the nil session
// id (initial KEY_OFFERs, before a Session exists to own its own of each).
type ReceiveContext[U any, A any] struct {
	app ApplicationLayer[U, A]

	nilHeaderCheck *headerCheckCipher
	nilDefrag      *defragmenter
}

// nilSessionDefragCapacity sizes the reassembly ring for nil-session
// (pre-handshake) traffic at 1024 × 128 = 131072 ring positions, against the
// 8 × 8 = 64 positions of a single session's own ring, since a much larger
// population of unauthenticated peers can address it.
const nilSessionDefragCapacity = 1024 * 128

// NewReceiveContext builds a ReceiveContext bound to one local identity.
func NewReceiveContext[U any, A any](app ApplicationLayer[U, A]) (*ReceiveContext[U, A], error) {
	hash := app.GetLocalSPublicHash()
	hcc, err := newHeaderCheckCipher(headerCheckKey(hash[:]))
	if err != nil {
		return nil, err
	}
	return &ReceiveContext[U, A]{
		app:            app,
		nilHeaderCheck: hcc,
		nilDefrag:      newDefragmenter(nilSessionDefragCapacity),
	}, nil
}

// Receive implements the dispatcher: header-check, session lookup,
// defragmentation, and dispatch to either the AEAD data path or the
// handshake engine. fragment is exactly one wire fragment as received from the
// transport; callers invoke Receive once per arriving datagram.
func (rc *ReceiveContext[U, A]) Receive(remoteAddr A, send SendFunc, fragment []byte, mtu int, nowMS int64) (ReceiveResult, *Session[U, A], error) {
	hdr, err := decodeHeader(fragment)
	if err != nil {
		return ReceiveResult{}, nil, err
	}

	var session *Session[U, A]
	hc := rc.nilHeaderCheck
	defrag := rc.nilDefrag
	if !hdr.SessionID.IsNil() {
		found, ok := rc.app.LookupSession(hdr.SessionID)
		if !ok {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, &UnknownLocalSessionIDError{SessionID: hdr.SessionID}
		}
		session = found
		hc = session.headerCheck
		defrag = session.defrag
	}

	if !hc.verifyCheckCode(fragment) {
		// The cheap filter rejected this fragment; drop it silently rather
		// than spending a defragmenter slot or any further cryptography.
		return ReceiveResult{Kind: ReceiveIgnored}, nil, nil
	}

	fragments, err := defrag.ingest(hdr.Counter, hdr.FragmentCount, hdr.FragmentNumber, fragment)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	if fragments == nil {
		return ReceiveResult{Kind: ReceiveIgnored}, nil, nil // still waiting on more fragments
	}
	payload := gatherPayload(fragments)

	switch hdr.PacketType {
	case PacketTypeData:
		if session == nil {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, &UnknownLocalSessionIDError{SessionID: hdr.SessionID}
		}
		pt, err := session.decryptAny(hdr, payload)
		if err != nil {
			return ReceiveResult{}, nil, err
		}
		return ReceiveResult{Kind: ReceiveOkData, Data: pt}, session, nil

	case PacketTypeNOP:
		if session == nil {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, &UnknownLocalSessionIDError{SessionID: hdr.SessionID}
		}
		if _, err := session.decryptAny(hdr, payload); err != nil {
			return ReceiveResult{}, nil, err
		}
		return ReceiveResult{Kind: ReceiveOk}, session, nil

	case PacketTypeKeyOffer:
		return handleKeyOffer[U, A](rc.app, session, remoteAddr, send, payload, hdr, mtu, nowMS)

	case PacketTypeKeyCounterOffer:
		if session == nil {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, &UnknownLocalSessionIDError{SessionID: hdr.SessionID}
		}
		res, err := session.handleKeyCounterOffer(send, payload, hdr, mtu, nowMS)
		return res, session, err

	default:
		return ReceiveResult{}, nil, ErrInvalidPacket
	}
}
