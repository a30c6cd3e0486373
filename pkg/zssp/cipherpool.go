package zssp

import (
	"crypto/aes"
	"crypto/cipher"
	"sync"
)

// gcmPool is a mutex-guarded free-list of initialized AES-256-GCM
// instances sharing one key, amortizing AES key-schedule cost across
// packets. sync.Pool is deliberately not used here: the GC may discard
// pooled entries under memory pressure at exactly the moment a hot send
// path wants one, which would defeat the amortization this exists for.
type gcmPool struct {
	mu   sync.Mutex
	key  []byte
	free []cipher.AEAD
}

func newGCMPool(key []byte) *gcmPool {
	k := make([]byte, len(key))
	copy(k, key)
	return &gcmPool{key: k}
}

// get returns a cipher.AEAD keyed with this pool's key, reused from the
// free list when available or constructed fresh otherwise.
func (p *gcmPool) get() (cipher.AEAD, error) {
	p.mu.Lock()
	n := len(p.free)
	if n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// put returns a cipher to the free list for reuse.
func (p *gcmPool) put(c cipher.AEAD) {
	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// zeroize drops every pooled instance so the underlying key material is
// not kept resident longer than necessary. AES-GCM ciphers built from
// crypto/aes do not expose their raw key schedule for explicit wiping, so
// this relies on dropping all references and discarding p.key itself.
func (p *gcmPool) zeroize() {
	p.mu.Lock()
	for i := range p.key {
		p.key[i] = 0
	}
	p.free = nil
	p.mu.Unlock()
}
