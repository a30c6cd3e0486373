package zssp

// offerPayload is the plaintext GCM-decrypts to inside a KEY_OFFER.
type offerPayload struct {
	offerID        [16]byte
	sessionID      SessionID
	staticBlob     []byte // Alice's static-public blob
	metadata       []byte
	kyberPublic    []byte // non-nil iff Kyber was offered
	ratchetPrint   [16]byte
	ratchetPresent bool
}

func (p *offerPayload) encode() []byte {
	buf := make([]byte, 0, 16+8+len(p.staticBlob)+len(p.metadata)+1600)
	buf = append(buf, p.offerID[:]...)
	var sidBuf [SessionIDSize]byte
	sid := uint64(p.sessionID)
	for i := 0; i < SessionIDSize; i++ {
		sidBuf[i] = byte(sid >> (8 * i))
	}
	buf = append(buf, sidBuf[:]...)
	buf = appendVarintBytes(buf, p.staticBlob)
	buf = appendVarintBytes(buf, p.metadata)
	if len(p.kyberPublic) > 0 {
		buf = append(buf, E1TypeKyber1024)
		buf = append(buf, p.kyberPublic...)
	} else {
		buf = append(buf, E1TypeNone)
	}
	if p.ratchetPresent {
		buf = append(buf, 1)
		buf = append(buf, p.ratchetPrint[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeOfferPayload(buf []byte, kyberCiphertextSize int) (*offerPayload, error) {
	if len(buf) < 16+SessionIDSize {
		return nil, ErrInvalidPacket
	}
	p := &offerPayload{}
	copy(p.offerID[:], buf[0:16])
	off := 16
	var sid uint64
	for i := 0; i < SessionIDSize; i++ {
		sid |= uint64(buf[off+i]) << (8 * i)
	}
	p.sessionID = SessionID(sid)
	off += SessionIDSize

	var err error
	p.staticBlob, off, err = readVarintBytes(buf, off)
	if err != nil {
		return nil, err
	}
	p.metadata, off, err = readVarintBytes(buf, off)
	if err != nil {
		return nil, err
	}
	if off >= len(buf) {
		return nil, ErrInvalidPacket
	}
	kyberType := buf[off]
	off++
	switch kyberType {
	case E1TypeNone:
	case E1TypeKyber1024:
		sz := kyberScheme.PublicKeySize()
		_ = kyberCiphertextSize
		if off+sz > len(buf) {
			return nil, ErrInvalidPacket
		}
		p.kyberPublic = append([]byte(nil), buf[off:off+sz]...)
		off += sz
	default:
		return nil, ErrInvalidPacket
	}
	if off >= len(buf) {
		return nil, ErrInvalidPacket
	}
	ratchetFlag := buf[off]
	off++
	switch ratchetFlag {
	case 0:
	case 1:
		if off+16 > len(buf) {
			return nil, ErrInvalidPacket
		}
		copy(p.ratchetPrint[:], buf[off:off+16])
		p.ratchetPresent = true
		off += 16
	default:
		return nil, ErrInvalidPacket
	}
	return p, nil
}

// counterOfferPayload is the plaintext a KEY_COUNTER_OFFER GCM-decrypts to.
type counterOfferPayload struct {
	offerID        [16]byte // echoes Alice's offer id
	sessionID      SessionID
	metadata       []byte
	kyberCiphertext []byte // non-nil iff Bob encapsulated
	ratchetPrint   [16]byte
	ratchetPresent bool
}

func (p *counterOfferPayload) encode() []byte {
	buf := make([]byte, 0, 16+8+len(p.metadata)+2000)
	buf = append(buf, p.offerID[:]...)
	var sidBuf [SessionIDSize]byte
	sid := uint64(p.sessionID)
	for i := 0; i < SessionIDSize; i++ {
		sidBuf[i] = byte(sid >> (8 * i))
	}
	buf = append(buf, sidBuf[:]...)
	buf = appendVarintBytes(buf, p.metadata)
	if len(p.kyberCiphertext) > 0 {
		buf = append(buf, E1TypeKyber1024)
		buf = appendVarintBytes(buf, p.kyberCiphertext)
	} else {
		buf = append(buf, E1TypeNone)
	}
	if p.ratchetPresent {
		buf = append(buf, 1)
		buf = append(buf, p.ratchetPrint[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeCounterOfferPayload(buf []byte) (*counterOfferPayload, error) {
	if len(buf) < 16+SessionIDSize {
		return nil, ErrInvalidPacket
	}
	p := &counterOfferPayload{}
	copy(p.offerID[:], buf[0:16])
	off := 16
	var sid uint64
	for i := 0; i < SessionIDSize; i++ {
		sid |= uint64(buf[off+i]) << (8 * i)
	}
	p.sessionID = SessionID(sid)
	off += SessionIDSize

	var err error
	p.metadata, off, err = readVarintBytes(buf, off)
	if err != nil {
		return nil, err
	}
	if off >= len(buf) {
		return nil, ErrInvalidPacket
	}
	kyberType := buf[off]
	off++
	switch kyberType {
	case E1TypeNone:
	case E1TypeKyber1024:
		p.kyberCiphertext, off, err = readVarintBytes(buf, off)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidPacket
	}
	if off >= len(buf) {
		return nil, ErrInvalidPacket
	}
	ratchetFlag := buf[off]
	off++
	switch ratchetFlag {
	case 0:
	case 1:
		if off+16 > len(buf) {
			return nil, ErrInvalidPacket
		}
		copy(p.ratchetPrint[:], buf[off:off+16])
		p.ratchetPresent = true
		off += 16
	default:
		return nil, ErrInvalidPacket
	}
	return p, nil
}

// p384PublicKeySize is the length of the wire encoding this implementation
// uses for a P-384 public key: crypto/ecdh's native uncompressed SEC1
// point (0x04 prefix + 48-byte X + 48-byte Y). The reference implementation
// uses a 49-byte compressed point; reproducing point compression/
// decompression would mean hand-rolling elliptic-curve field arithmetic
// outside crypto/ecdh, which is exactly the kind of primitive this module
// leaves to the standard library rather than reinventing (see DESIGN.md).
const p384PublicKeySize = 97
