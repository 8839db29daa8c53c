package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// LinkOffline is the link reported when no channel could deliver.
const LinkOffline constants.Channel = "offline"

// ConnectivityListener is told about committed link changes.
type ConnectivityListener func(from, to constants.Channel, at time.Time)

// ConnectivityTracker reports changes of the active uplink. A change that comes
// within minDwell of the previous one is held back and committed by a later
// Observe or Flush once the dwell has passed, so flapping links log once.
type ConnectivityTracker struct {
	minDwell time.Duration
	listener ConnectivityListener
	logger   zerolog.Logger

	mu        sync.Mutex
	current   constants.Channel
	changedAt time.Time
	pending   constants.Channel
}

func NewConnectivityTracker(minDwell time.Duration, listener ConnectivityListener, logger zerolog.Logger) *ConnectivityTracker {
	return &ConnectivityTracker{minDwell: minDwell, listener: listener, logger: logger}
}

// Observe records the link that carried (or failed to carry) the latest point.
func (t *ConnectivityTracker) Observe(link constants.Channel, now time.Time) {
	t.mu.Lock()
	if link == t.current {
		t.pending = ""
		t.mu.Unlock()
		return
	}
	if !t.changedAt.IsZero() && now.Sub(t.changedAt) < t.minDwell {
		t.pending = link
		t.mu.Unlock()
		return
	}
	from := t.commitLocked(link, now)
	t.mu.Unlock()
	t.notify(from, link, now)
}

// Flush commits a held-back change whose dwell has elapsed.
func (t *ConnectivityTracker) Flush(now time.Time) {
	t.mu.Lock()
	link := t.pending
	if link == "" || now.Sub(t.changedAt) < t.minDwell {
		t.mu.Unlock()
		return
	}
	from := t.commitLocked(link, now)
	t.mu.Unlock()
	t.notify(from, link, now)
}

// Current returns the last committed link, or "" before the first observation.
func (t *ConnectivityTracker) Current() constants.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *ConnectivityTracker) commitLocked(link constants.Channel, now time.Time) constants.Channel {
	from := t.current
	t.current = link
	t.changedAt = now
	t.pending = ""
	return from
}

func (t *ConnectivityTracker) notify(from, to constants.Channel, at time.Time) {
	t.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("Uplink changed")
	if t.listener != nil {
		t.listener(from, to, at)
	}
}
