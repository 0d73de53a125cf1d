// Package ratelimit tracks per-account platform backoff windows. It is
// the in-memory analogue of connwatch's service-down state: instead of
// probing health, it records a suspension deadline reported by the
// Messaging Port and answers whether an account is currently usable.
//
// Suspensions are not persisted across restarts (see DESIGN.md §Open
// Questions): a process restart simply re-probes the platform on the
// next call, which is cheap compared to carrying a floodWaitUntil value
// that is only meaningful to the process that observed it.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Broker holds per-account suspension windows derived from platform
// backoff ("flood wait") signals.
type Broker struct {
	mu     sync.Mutex
	until  map[string]time.Time // account name -> suspended-until
	notify map[string]time.Time // account name -> last "until" we already notified for
	logger *slog.Logger
}

// New creates an empty Broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		until:  make(map[string]time.Time),
		notify: make(map[string]time.Time),
		logger: logger,
	}
}

// IsSuspended reports whether account is suspended at instant now.
func (b *Broker) IsSuspended(account string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[account]
	if !ok {
		return false
	}
	return now.Before(until)
}

// SuspendedUntil returns the current suspension deadline for account,
// and whether one is set.
func (b *Broker) SuspendedUntil(account string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[account]
	return until, ok
}

// OwnerNotification describes a suspension event worth surfacing to a
// human operator, emitted at most once per distinct "until" deadline.
type OwnerNotification struct {
	Account string
	Until   time.Time
	Seconds int
}

// Record sets account's floodWaitUntil to max(current, now+seconds) and
// reports an OwnerNotification exactly once per distinct deadline. A
// second call that computes the same "until" (e.g. a duplicate signal
// for the same backoff window) returns ok=false.
func (b *Broker) Record(account string, now time.Time, seconds int) (OwnerNotification, bool) {
	if seconds <= 0 {
		return OwnerNotification{}, false
	}
	candidate := now.Add(time.Duration(seconds) * time.Second)

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.until[account]
	next := candidate
	if ok && current.After(candidate) {
		next = current
	}
	b.until[account] = next

	lastNotified, notifiedBefore := b.notify[account]
	if notifiedBefore && lastNotified.Equal(next) {
		return OwnerNotification{}, false
	}
	b.notify[account] = next

	b.logger.Warn("account suspended by platform backoff",
		"account", account,
		"seconds", seconds,
		"until", next,
	)

	return OwnerNotification{Account: account, Until: next, Seconds: seconds}, true
}

// Clear removes any suspension for account, e.g. after a manual
// operator override. Returns true if a suspension was present.
func (b *Broker) Clear(account string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.until[account]
	delete(b.until, account)
	delete(b.notify, account)
	return ok
}

// Snapshot returns a copy of every active suspension at the time of the
// call, keyed by account name.
func (b *Broker) Snapshot() map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Time, len(b.until))
	for k, v := range b.until {
		out[k] = v
	}
	return out
}
