package locks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultWindow is how long a lock survives without a heartbeat.
const DefaultWindow = 150 * time.Second

var (
	// ErrLocked indicates another live holder owns the edit lock.
	ErrLocked = errors.New("locks: document is locked")

	errMissingStore      = errors.New("locks: store is required")
	errMissingAuthorizer = errors.New("locks: authorizer is required")
)

// State describes the lock on a document. A zero HolderID means unlocked.
type State struct {
	DocumentID  string
	HolderID    string
	AcquiredAt  time.Time
	RefreshedAt time.Time
	ExpiresAt   time.Time
}

// Held reports whether a live holder owns the lock.
func (s State) Held() bool {
	return s.HolderID != ""
}

// HeldBy reports whether userID owns the lock.
func (s State) HeldBy(userID string) bool {
	return s.Held() && s.HolderID == userID
}

// LockedError carries the state of a lock held by someone else.
type LockedError struct {
	State State
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locks: document %s is locked by %s", e.State.DocumentID, e.State.HolderID)
}

// Is makes LockedError match ErrLocked.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// ReleaseOutcome reports what Store.Release did.
type ReleaseOutcome int

const (
	// ReleaseNotHeld means there was no live lock to release.
	ReleaseNotHeld ReleaseOutcome = iota
	// Released means the holder's lock was removed.
	Released
	// ReleaseHeldByOther means another live holder owns the lock. Nothing was changed.
	ReleaseHeldByOther
)

// Store persists locks. Every method is a single atomic transition per document. Expiry is
// judged lazily against now and window.
type Store interface {
	// Acquire grants or refreshes the lock for holder unless another live holder owns it, in which
	// case the other holder's state is returned unchanged.
	Acquire(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (State, error)
	// Override transfers the lock to holder and returns the live state it replaced.
	Override(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (State, State, error)
	// Release removes the lock only when holder owns it.
	Release(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (ReleaseOutcome, error)
	// Current returns the live lock, or a zero State when unlocked or expired.
	Current(ctx context.Context, documentID string, now time.Time, window time.Duration) (State, error)
	// Clear drops any lock on the document.
	Clear(ctx context.Context, documentID string) error
}

func liveState(documentID, holder string, acquired, refreshed time.Time, now time.Time, window time.Duration) (State, bool) {
	if holder == "" {
		return State{DocumentID: documentID}, false
	}
	expires := refreshed.Add(window)
	if !expires.After(now) {
		return State{DocumentID: documentID}, false
	}
	return State{
		DocumentID:  documentID,
		HolderID:    holder,
		AcquiredAt:  acquired,
		RefreshedAt: refreshed,
		ExpiresAt:   expires,
	}, true
}
