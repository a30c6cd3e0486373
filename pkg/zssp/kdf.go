package zssp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"hash"
)

// kbkdf512 implements the single-block NIST-SP-800-108-style KDF the
// handshake uses for every derived sub-key:
//
//	kbkdf512(k, label) = HMAC_SHA512(k, [0,0,0,0,'Z','T',label,0,0,0,0,0x02,0x00])
func kbkdf512(k []byte, label byte) []byte {
	msg := [13]byte{0, 0, 0, 0, 'Z', 'T', label, 0, 0, 0, 0, 0x02, 0x00}
	h := hmac.New(sha512.New, k)
	h.Write(msg[:])
	return h.Sum(nil)
}

// mixKey folds new secret material into a running 64-byte chaining key.
// Note the parameter order: material is HMAC-keyed by chain, not the other
// way around, per the handshake's deliberate (salt, key) convention.
func mixKey(chain, material []byte) []byte {
	h := hmac.New(sha512.New, chain)
	h.Write(material)
	return h.Sum(nil)
}

// headerCheckKey derives the 16-byte AES-ECB key used for the fast
// non-AEAD header-check tag from a 48-byte seed (noise_ss for known
// sessions, SHA-384(local static public) for nil-session traffic).
func headerCheckKey(seed []byte) []byte {
	return kbkdf512(seed, kdfLabelHeaderCheck)[:HeaderCheckAESKeySize]
}

// gcmKey derives a 32-byte AES-256-GCM key from a chaining key and a label.
func gcmKey(chain []byte, label byte) []byte {
	return kbkdf512(chain, label)[:AESKeySize]
}

// hmacKey derives the 64-byte key used for the outer HMAC-SHA-384 proofs.
func hmacKey(chain []byte, label byte) []byte {
	return kbkdf512(chain, label)
}

// ratchetKey derives the 64-byte value mixed into the next session's chain.
func ratchetKey(sessionMaster []byte) []byte {
	return kbkdf512(sessionMaster, kdfLabelRatchet)
}

// newHMACSHA384 keys an HMAC-SHA-384 instance, the hash function the
// handshake's two out-of-band proof tags use (distinct from the
// HMAC-SHA-512 the kbkdf512 chaining steps use throughout).
func newHMACSHA384(key []byte) hash.Hash { return hmac.New(sha512.New384, key) }

// hmacEqual performs a constant-time comparison of two HMAC tags.
func hmacEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// sealWithKey runs a single-use AES-256-GCM seal; handshake packets are
// rare enough that amortizing the cipher via gcmPool isn't worth the
// bookkeeping the per-SessionKey data path needs it for.
func sealWithKey(key []byte, nonce [12]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce[:], plaintext, nil), nil
}

// openWithKey runs a single-use AES-256-GCM open, the receive-side
// counterpart to sealWithKey.
func openWithKey(key []byte, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce[:], ciphertext, nil)
}
