package broker

import (
	"strings"
	"sync"
)

// KeyPool holds one or more API keys and rotates through them on provider
// rejections. Rotation is serialized so concurrent batch workers agree on
// the active key.
type KeyPool struct {
	mu        sync.Mutex
	keys      []string
	idx       int
	rotations int
}

// NewKeyPool splits a comma-separated key list, trimming whitespace and
// dropping empty items. A single key without commas yields a 1-key pool.
func NewKeyPool(raw string) *KeyPool {
	p := &KeyPool{}
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

func (p *KeyPool) Size() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Current returns the active key, or "" for an empty pool.
func (p *KeyPool) Current() string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.idx%len(p.keys)]
}

// Rotate advances to the next key and returns it. Rotating only rotates past
// the given rejected key: if another worker already advanced the pool, the
// rotation is a no-op so one bad key does not skip two.
func (p *KeyPool) Rotate(rejected string) string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	if p.keys[p.idx%len(p.keys)] == rejected {
		p.idx = (p.idx + 1) % len(p.keys)
		p.rotations++
	}
	return p.keys[p.idx%len(p.keys)]
}

// Rotations returns how many times the pool advanced.
func (p *KeyPool) Rotations() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotations
}
