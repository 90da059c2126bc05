package auth

import (
	"sync"
	"time"
)

// sweepEvery bounds how many inserts may pass between expiry sweeps.
const sweepEvery = 128

// replayWindow tracks nonces seen inside the HMAC acceptance window.
// A nonce is accepted once; a second arrival before its deadline is a
// replay. Expired entries are swept opportunistically so the map stays
// proportional to the request rate within one window.
type replayWindow struct {
	mu      sync.Mutex
	seen    map[string]int64
	ttl     time.Duration
	inserts int
}

func newReplayWindow(ttl time.Duration) *replayWindow {
	if ttl <= 0 {
		ttl = 360 * time.Second
	}
	return &replayWindow{seen: map[string]int64{}, ttl: ttl}
}

// Remember records the nonce and reports whether it was fresh. The
// deadline extends the configured window so a nonce cannot be replayed
// right as its signature window closes.
func (w *replayWindow) Remember(nonce string, deadline time.Time) bool {
	if nonce == "" {
		return false
	}
	if deadline.IsZero() {
		deadline = time.Now().UTC().Add(w.ttl)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UnixNano()
	if until, exists := w.seen[nonce]; exists && until > now {
		return false
	}
	w.seen[nonce] = deadline.UnixNano()
	w.inserts++
	if w.inserts >= sweepEvery {
		w.sweepLocked(now)
		w.inserts = 0
	}
	return true
}

func (w *replayWindow) sweepLocked(now int64) {
	for n, until := range w.seen {
		if until <= now {
			delete(w.seen, n)
		}
	}
}
