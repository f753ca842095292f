package auth

import (
	"errors"
	"sync"
	"time"
)

// DefaultReplayCapacity bounds how many nonces a ReplayGuard remembers.
const DefaultReplayCapacity = 100_000

// DefaultReplayWindow is how long a nonce is remembered when the verifier
// has no timestamp window of its own.
const DefaultReplayWindow = 10 * time.Minute

var (
	ErrReplayed       = errors.New("request nonce already used")
	ErrReplayCapacity = errors.New("too many outstanding request nonces")
)

// ReplayGuard remembers (signer, nonce) pairs until the request they came
// from could no longer pass the timestamp check.
type ReplayGuard struct {
	capacity int

	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
}

// NewReplayGuard creates a guard holding at most capacity live nonces.
func NewReplayGuard(capacity int) *ReplayGuard {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayGuard{capacity: capacity, seen: make(map[string]time.Time)}
}

// Claim records key as used until expires. A key that is already live
// returns ErrReplayed. When the guard is full and nothing has expired it
// returns ErrReplayCapacity rather than forgetting a live nonce.
func (g *ReplayGuard) Claim(key string, expires, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return ErrReplayed
	}
	if len(g.seen) >= g.capacity {
		g.purge(now)
		if len(g.seen) >= g.capacity {
			return ErrReplayCapacity
		}
	}
	g.seen[key] = expires
	return nil
}

func (g *ReplayGuard) purge(now time.Time) {
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
}

// Len reports how many nonces are held, expired or not.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
