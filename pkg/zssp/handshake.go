package zssp

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha512"
)

// handleKeyOffer implements Bob's receive logic for a KEY_OFFER:
// verify the identity-binding proof before any ECDH, rate-limit, derive
// es_key and decrypt the payload, locate a matching remembered ratchet key
// (rekey of an existing peering), derive ss_key and verify the
// static-static proof, admit a brand new peering when there is no existing
// session, then build and send the KEY_COUNTER_OFFER.
// existing is nil when this offer addresses the nil session id.
func handleKeyOffer[U any, A any](app ApplicationLayer[U, A], existing *Session[U, A], remoteAddr A, send SendFunc, raw []byte, hdr header, mtu int, nowMS int64) (ReceiveResult, *Session[U, A], error) {
	const tailFixed = 1 + p384PublicKeySize + 2*HMACSize
	if len(raw) < tailFixed+AESGCMTagSize {
		return ReceiveResult{}, nil, ErrInvalidPacket
	}
	if raw[0] != SessionProtocolVersion {
		return ReceiveResult{}, nil, ErrUnknownProtocolVersion
	}
	ePubBytes := raw[1 : 1+p384PublicKeySize]
	hmac2 := raw[len(raw)-HMACSize:]
	withoutHMAC2 := raw[:len(raw)-HMACSize]
	hmac1 := withoutHMAC2[len(withoutHMAC2)-HMACSize:]
	builtPart := withoutHMAC2[:len(withoutHMAC2)-HMACSize]
	ciphertext := builtPart[1+p384PublicKeySize:]

	nonce := canonicalHeader(hdr.SessionID, PacketTypeKeyOffer, hdr.Counter)

	// Verify the identity-binding HMAC before doing any ECDH: this is the
	// cheap gate against traffic not actually meant for this static key.
	localHash := app.GetLocalSPublicHash()
	wantHMAC2 := hmacSHA384(localHash[:], append(append([]byte{}, nonce[:]...), withoutHMAC2...))
	if !hmacEqual(wantHMAC2, hmac2) {
		return ReceiveResult{Kind: ReceiveIgnored}, nil, ErrFailedAuthentication
	}

	if existing != nil {
		last := existing.lastRemoteOfferSnapshot()
		if last != 0 && nowMS-last < app.RekeyRateLimitMS() {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, ErrRateLimited
		}
	} else if !app.CheckNewSession(remoteAddr) {
		return ReceiveResult{Kind: ReceiveIgnored}, nil, ErrRateLimited
	}

	ePub, err := ecdh.P384().NewPublicKey(ePubBytes)
	if err != nil {
		return ReceiveResult{}, nil, ErrInvalidPacket
	}
	localKeypair := app.GetLocalSKeypair()
	esShared, err := localKeypair.ECDH(ePub)
	if err != nil {
		return ReceiveResult{}, nil, ErrInvalidPacket
	}
	esKey := mixKey(mixKey(InitialKey, ePubBytes), esShared)

	plaintext, err := openWithKey(gcmKey(esKey, kdfLabelGCMAtoB), nonce, ciphertext)
	if err != nil {
		return ReceiveResult{}, nil, ErrFailedAuthentication
	}
	payload, err := decodeOfferPayload(plaintext, 0)
	if err != nil {
		return ReceiveResult{}, nil, err
	}

	// A ratchet fingerprint must be present on an offer rekeying a session
	// this side already knows, and absent on one claiming to be brand new;
	// either mismatch would otherwise fall through to ratchetCount = 1 and
	// silently reset the ratchet generation.
	if payload.ratchetPresent != (existing != nil) {
		return ReceiveResult{Kind: ReceiveIgnored}, nil, nil
	}

	var matchedRatchetKey []byte
	var matchedRatchetCount uint64
	if payload.ratchetPresent && existing != nil {
		keys, _ := existing.keysSnapshot()
		for _, k := range keys {
			if k != nil && ratchetFingerprint(k.ratchetKey) == payload.ratchetPrint {
				matchedRatchetKey = k.ratchetKey
				matchedRatchetCount = k.ratchetCount
				break
			}
		}
		if matchedRatchetKey == nil {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, nil
		}
	}

	alicePub, ok := app.ExtractSPublicFromRaw(payload.staticBlob)
	if !ok {
		return ReceiveResult{}, nil, ErrInvalidPacket
	}
	ssShared, err := localKeypair.ECDH(alicePub)
	if err != nil {
		return ReceiveResult{}, nil, ErrInvalidPacket
	}
	ssKey := mixKey(esKey, ssShared)
	wantHMAC1 := hmacSHA384(hmacKey(ssKey, kdfLabelHMAC), append(append([]byte{}, nonce[:]...), builtPart...))
	if !hmacEqual(wantHMAC1, hmac1) {
		return ReceiveResult{}, nil, ErrFailedAuthentication
	}

	session := existing
	isNew := false
	if session == nil {
		newID, psk, userData, ok := app.AcceptNewSession(remoteAddr, payload.staticBlob, payload.metadata)
		if !ok {
			return ReceiveResult{Kind: ReceiveIgnored}, nil, ErrNewSessionRejected
		}
		session, err = newSessionCommon[U, A](app, newID, payload.staticBlob, alicePub, remoteAddr, psk, userData)
		if err != nil {
			return ReceiveResult{}, nil, err
		}
		isNew = true
	}
	session.mu.Lock()
	session.remoteSessionID = payload.sessionID
	session.lastRemoteOfferMS = nowMS
	session.mu.Unlock()

	bobEPriv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	bobEPub := bobEPriv.PublicKey()
	bobEPubBytes := bobEPub.Bytes()
	ee, err := bobEPriv.ECDH(ePub)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	se, err := bobEPriv.ECDH(alicePub)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	chain := mixKey(esKey, bobEPubBytes)
	chain = mixKey(chain, ee)
	chain = mixKey(chain, se)
	noiseIKKey := mixKey(session.psk[:], chain)

	var kyberCiphertext, e1e1 []byte
	if len(payload.kyberPublic) > 0 {
		kyberCiphertext, e1e1, err = kyberEncapsulate(payload.kyberPublic)
		if err != nil {
			return ReceiveResult{}, nil, err
		}
	}

	counterPayload := &counterOfferPayload{offerID: payload.offerID, sessionID: session.localSessionID}
	if len(kyberCiphertext) > 0 {
		counterPayload.kyberCiphertext = kyberCiphertext
	}
	plaintext2 := counterPayload.encode()

	counter32 := uint32(session.sendCounter.Add(1) - 1)
	nonce2 := canonicalHeader(payload.sessionID, PacketTypeKeyCounterOffer, counter32)
	ciphertext2, err := sealWithKey(gcmKey(noiseIKKey, kdfLabelGCMBtoA), nonce2, plaintext2)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	built2 := make([]byte, 0, 1+p384PublicKeySize+len(ciphertext2))
	built2 = append(built2, SessionProtocolVersion)
	built2 = append(built2, bobEPubBytes...)
	built2 = append(built2, ciphertext2...)

	finalChain := noiseIKKey
	if matchedRatchetKey != nil {
		finalChain = mixKey(matchedRatchetKey, finalChain)
	}
	if e1e1 != nil {
		finalChain = mixKey(e1e1, finalChain)
	}
	hmacOut := hmacSHA384(hmacKey(finalChain, kdfLabelHMAC), append(append([]byte{}, nonce2[:]...), built2...))
	full2 := append(built2, hmacOut...)

	ratchetCount := uint64(1)
	if matchedRatchetKey != nil {
		ratchetCount = matchedRatchetCount + 1
	}
	newKey, err := newSessionKey(finalChain, roleBob, ratchetCount, e1e1 != nil, session.sendCounter.Load(), nowMS)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	// Bob installs but does not promote: per the general rule, a key only
	// becomes current on this side once something decrypts under it (the
	// NOP Alice sends once she promotes hers).
	session.installKey(newKey)

	h := header{SessionID: payload.sessionID, PacketType: PacketTypeKeyCounterOffer, Counter: counter32}
	fragments, err := fragmentPacket(h, full2, mtu, KeyExchangeMaxFragments, session.headerCheck)
	if err != nil {
		return ReceiveResult{}, nil, err
	}
	for _, f := range fragments {
		send(f)
	}

	if isNew {
		return ReceiveResult{Kind: ReceiveOkNewSession}, session, nil
	}
	return ReceiveResult{Kind: ReceiveOk}, session, nil
}

func ratchetFingerprint(key []byte) [16]byte {
	var fp [16]byte
	sum := sha512.Sum384(key)
	copy(fp[:], sum[:16])
	return fp
}

// hmacSHA384 implements the outer proof HMACs the handshake uses: HMAC
// with the SHA-384 hash function (distinct from the HMAC-SHA-512 used by
// the kbkdf512 chaining steps), producing 48-byte tags.
func hmacSHA384(key, data []byte) []byte {
	h := newHMACSHA384(key)
	h.Write(data)
	return h.Sum(nil)
}

// buildKeyOffer implements Alice's send logic: generate ephemeral
// (and Kyber) keys, derive es_key/ss_key, encrypt the offer payload, and
// append the two proof HMACs.
func (s *Session[U, A]) buildKeyOffer(metadata []byte, nowMS int64) ([]byte, uint32, *ephemeralOffer, error) {
	ePriv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, 0, nil, err
	}
	ePub := ePriv.PublicKey()
	ePubBytes := ePub.Bytes()

	chain := mixKey(InitialKey, ePubBytes)
	esShared, err := ePriv.ECDH(s.remoteStaticPub)
	if err != nil {
		return nil, 0, nil, ErrInvalidParameter
	}
	esKey := mixKey(chain, esShared)
	ssKey := mixKey(esKey, s.noiseSS[:])

	offerID, err := newOfferID()
	if err != nil {
		return nil, 0, nil, err
	}

	var kyberKP *kyberKeypair
	var kyberPubBytes []byte
	if jediEnabled {
		kyberKP, err = generateKyberKeypair()
		if err != nil {
			return nil, 0, nil, err
		}
		kyberPubBytes, err = kyberKP.publicBytes()
		if err != nil {
			return nil, 0, nil, err
		}
	}

	prevRatchetKey, prevRatchetCount := s.ratchetMaterial()
	payload := &offerPayload{
		offerID:    offerID,
		sessionID:  s.localSessionID,
		staticBlob: s.localStaticRaw,
		metadata:   metadata,
		kyberPublic: kyberPubBytes,
	}
	if prevRatchetKey != nil {
		payload.ratchetPresent = true
		payload.ratchetPrint = ratchetFingerprint(prevRatchetKey)
	}
	plaintext := payload.encode()

	counter32 := uint32(s.sendCounter.Add(1) - 1)
	remoteSID := s.remoteSessionIDSnapshot()
	nonce := canonicalHeader(remoteSID, PacketTypeKeyOffer, counter32)

	aeadKey := gcmKey(esKey, kdfLabelGCMAtoB)
	ciphertext, err := sealWithKey(aeadKey, nonce, plaintext)
	if err != nil {
		return nil, 0, nil, err
	}

	built := make([]byte, 0, 1+p384PublicKeySize+len(ciphertext))
	built = append(built, SessionProtocolVersion)
	built = append(built, ePubBytes...)
	built = append(built, ciphertext...)

	hmac1 := hmacSHA384(hmacKey(ssKey, kdfLabelHMAC), append(nonce[:], built...))
	withHMAC1 := append(built, hmac1...)
	bobHash := localStaticHash(s.remoteStaticRaw)
	hmac2 := hmacSHA384(bobHash, append(nonce[:], withHMAC1...))
	full := append(withHMAC1, hmac2...)

	offer := &ephemeralOffer{
		id:               offerID,
		createdAtMS:      nowMS,
		localSession:     s.localSessionID,
		ePriv:            ePriv,
		ePub:             ePub,
		kyber:            kyberKP,
		chain:            esKey,
		ssKey:            ssKey,
		prevRatchetKey:   prevRatchetKey,
		prevRatchetCount: prevRatchetCount,
	}
	return full, counter32, offer, nil
}

// handleKeyCounterOffer implements Alice's receive logic for a
// KEY_COUNTER_OFFER, mirroring Bob's side.
func (s *Session[U, A]) handleKeyCounterOffer(send SendFunc, raw []byte, hdr header, mtu int, nowMS int64) (ReceiveResult, error) {
	s.mu.RLock()
	offer := s.offer
	s.mu.RUnlock()
	if offer == nil {
		return ReceiveResult{}, nil // Ignored: no in-flight offer
	}

	if len(raw) < 1+p384PublicKeySize+HMACSize {
		return ReceiveResult{}, ErrInvalidPacket
	}
	if raw[0] != SessionProtocolVersion {
		return ReceiveResult{}, ErrUnknownProtocolVersion
	}
	off := 1
	bobEPubBytes := raw[off : off+p384PublicKeySize]
	off += p384PublicKeySize
	hmac1 := raw[len(raw)-HMACSize:]
	ciphertext := raw[off : len(raw)-HMACSize]

	bobEPub, err := ecdh.P384().NewPublicKey(bobEPubBytes)
	if err != nil {
		return ReceiveResult{}, ErrInvalidPacket
	}

	ee, err := offer.ePriv.ECDH(bobEPub)
	if err != nil {
		return ReceiveResult{}, ErrInvalidPacket
	}
	se, err := s.localSKeypair.ECDH(bobEPub)
	if err != nil {
		return ReceiveResult{}, ErrInvalidPacket
	}

	chain := mixKey(offer.chain, bobEPubBytes)
	chain = mixKey(chain, ee)
	chain = mixKey(chain, se)
	noiseIKKey := mixKey(s.psk[:], chain)

	nonce := canonicalHeader(hdr.SessionID, PacketTypeKeyCounterOffer, hdr.Counter)
	plaintext, err := openWithKey(gcmKey(noiseIKKey, kdfLabelGCMBtoA), nonce, ciphertext)
	if err != nil {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	payload, err := decodeCounterOfferPayload(plaintext)
	if err != nil {
		return ReceiveResult{}, err
	}
	if payload.offerID != offer.id {
		return ReceiveResult{}, nil // Ignored: stale counter-offer
	}

	var e1e1 []byte
	if len(payload.kyberCiphertext) > 0 && offer.kyber != nil {
		e1e1, err = kyberDecapsulate(offer.kyber.private, payload.kyberCiphertext)
		if err != nil {
			return ReceiveResult{}, ErrFailedAuthentication
		}
	}

	finalChain := noiseIKKey
	if offer.prevRatchetKey != nil {
		finalChain = mixKey(offer.prevRatchetKey, finalChain)
	}
	if e1e1 != nil {
		finalChain = mixKey(e1e1, finalChain)
	}

	built := make([]byte, 0, 1+p384PublicKeySize+len(ciphertext))
	built = append(built, raw[:off]...)
	built = append(built, ciphertext...)
	wantHMAC := hmacSHA384(hmacKey(finalChain, kdfLabelHMAC), append(nonce[:], built...))
	if !hmacEqual(wantHMAC, hmac1) {
		return ReceiveResult{}, ErrFailedAuthentication
	}

	ratchetCount := uint64(1)
	if offer.prevRatchetKey != nil {
		ratchetCount = offer.prevRatchetCount + 1
	}
	newKey, err := newSessionKey(finalChain, roleAlice, ratchetCount, e1e1 != nil, s.sendCounter.Load(), nowMS)
	if err != nil {
		return ReceiveResult{}, err
	}

	s.mu.Lock()
	s.remoteSessionID = payload.sessionID
	s.offer = nil
	s.mu.Unlock()
	slot := s.installKey(newKey)
	// Alice promotes immediately: a successfully-verified counter-offer is
	// itself the cryptographic confirmation her side of the handshake
	// succeeded, unlike Bob who only learns this once something of his own
	// decrypts under the new key.
	s.promote(slot)

	// Inform Bob that Alice has promoted the new key.
	if err := s.sendNOP(send, mtu); err != nil {
		return ReceiveResult{}, err
	}

	return ReceiveResult{Kind: ReceiveOk}, nil
}

// jediEnabled mirrors the reference's compile-time JEDI flag: this build
// always offers the Kyber1024 hybrid mix-in. Runtime negotiation is out of
// scope for protocol version 0.
const jediEnabled = true
