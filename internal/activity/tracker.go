// Package activity tracks last-seen timestamps per identity and expires idle
// entries. State is process-local and never persisted.
package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultIdleTimeout = 60 * time.Minute

type entry struct {
	lastActivityAt time.Time
	expireTimer    *time.Timer
}

// TrackerConfig configures the idle tracker.
type TrackerConfig struct {
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
	// OnExpire runs after an identity has been idle for the full window and
	// its entry has been removed. Optional.
	OnExpire func(identityID uint)
}

// Tracker is a mutex-guarded map of per-identity activity records. Each Touch
// replaces the identity's pending expiry timer; timers never stack.
type Tracker struct {
	mu       sync.Mutex
	entries  map[uint]*entry
	idle     time.Duration
	logger   *zap.Logger
	clock    func() time.Time
	onExpire func(identityID uint)
	closed   bool
}

// NewTracker constructs the tracker with sane defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		entries:  make(map[uint]*entry),
		idle:     idle,
		logger:   logger,
		clock:    clock,
		onExpire: cfg.OnExpire,
	}
}

// Touch records activity for the identity and rearms its expiry timer.
func (t *Tracker) Touch(identityID uint) {
	if identityID == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if existing, ok := t.entries[identityID]; ok {
		existing.expireTimer.Stop()
		existing.lastActivityAt = t.clock()
		existing.expireTimer = t.newExpireTimer(identityID)
		return
	}

	t.entries[identityID] = &entry{
		lastActivityAt: t.clock(),
		expireTimer:    t.newExpireTimer(identityID),
	}
}

// LastSeen returns the most recent activity timestamp for the identity.
func (t *Tracker) LastSeen(identityID uint) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.entries[identityID]
	if !ok {
		return time.Time{}, false
	}
	return record.lastActivityAt, true
}

// ForceLogout drops the identity's activity record and cancels its timer.
func (t *Tracker) ForceLogout(identityID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.entries[identityID]; ok {
		record.expireTimer.Stop()
		delete(t.entries, identityID)
	}
}

// Active returns the number of identities currently tracked.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Shutdown cancels every pending timer and rejects further touches.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for identityID, record := range t.entries {
		record.expireTimer.Stop()
		delete(t.entries, identityID)
	}
}

func (t *Tracker) newExpireTimer(identityID uint) *time.Timer {
	return time.AfterFunc(t.idle, func() {
		t.expire(identityID)
	})
}

func (t *Tracker) expire(identityID uint) {
	t.mu.Lock()
	record, ok := t.entries[identityID]
	if ok {
		// A Touch racing this callback has already replaced the timer; only
		// remove the entry if the idle window genuinely elapsed.
		if t.clock().Sub(record.lastActivityAt) < t.idle {
			t.mu.Unlock()
			return
		}
		delete(t.entries, identityID)
	}
	callback := t.onExpire
	t.mu.Unlock()

	if ok && callback != nil {
		callback(identityID)
	}
	if ok {
		t.logger.Debug("identity idle expired", zap.Uint("identity_id", identityID))
	}
}
