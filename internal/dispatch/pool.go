package dispatch

import (
	"strings"
	"sync"
)

// pool is a provider's ordered credential list. It starts each dispatch at the slot that
// last succeeded so a throttled key is not retried first on every request.
type pool struct {
	name string
	keys []string

	mu     sync.Mutex
	sticky int
}

func newPool(name string, keys []string) *pool {
	cleaned := make([]string, 0, len(keys))
	for _, key := range keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	// Providers without configured keys still get one keyless slot.
	if len(cleaned) == 0 {
		cleaned = []string{""}
	}
	return &pool{name: name, keys: cleaned}
}

func (p *pool) size() int {
	return len(p.keys)
}

func (p *pool) start() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sticky
}

func (p *pool) remember(slot int) {
	p.mu.Lock()
	p.sticky = slot
	p.mu.Unlock()
}

func (p *pool) credential(slot int) Credential {
	return Credential{Pool: p.name, Slot: slot, APIKey: p.keys[slot]}
}
