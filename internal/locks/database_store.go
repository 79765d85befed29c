package locks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
)

// MetaKey is the document metadata key holding the lock value.
const MetaKey = "_edit_lock"

const maxSwapAttempts = 5

// DatabaseStore keeps locks as document metadata and transitions them with compare-and-swap.
type DatabaseStore struct {
	store *content.Store
}

// NewDatabaseStore wraps the content store.
func NewDatabaseStore(store *content.Store) (*DatabaseStore, error) {
	if store == nil {
		return nil, errMissingStore
	}
	return &DatabaseStore{store: store}, nil
}

type storedLock struct {
	holder    string
	acquired  time.Time
	refreshed time.Time
}

// EncodeValue renders the metadata value "<refreshed_unix>:<acquired_unix>:<holder>".
func EncodeValue(holder string, acquired, refreshed time.Time) string {
	return fmt.Sprintf("%d:%d:%s", refreshed.Unix(), acquired.Unix(), holder)
}

func decodeValue(raw string) (storedLock, bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return storedLock{}, false
	}
	refreshed, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return storedLock{}, false
	}
	acquired, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return storedLock{}, false
	}
	return storedLock{
		holder:    parts[2],
		acquired:  time.Unix(acquired, 0).UTC(),
		refreshed: time.Unix(refreshed, 0).UTC(),
	}, true
}

// read returns the raw value (nil when absent) and the live lock it encodes.
func (s *DatabaseStore) read(ctx context.Context, documentID string, now time.Time, window time.Duration) (*string, State, bool, error) {
	raw, exists, err := s.store.GetMeta(ctx, documentID, MetaKey)
	if err != nil {
		return nil, State{}, false, err
	}
	if !exists {
		return nil, State{DocumentID: documentID}, false, nil
	}
	stored, ok := decodeValue(raw)
	if !ok {
		return &raw, State{DocumentID: documentID}, false, nil
	}
	state, live := liveState(documentID, stored.holder, stored.acquired, stored.refreshed, now, window)
	return &raw, state, live, nil
}

func (s *DatabaseStore) Acquire(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (State, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, current, live, err := s.read(ctx, documentID, now, window)
		if err != nil {
			return State{}, err
		}
		if live && current.HolderID != holder {
			return current, nil
		}
		acquired := now
		if live {
			acquired = current.AcquiredAt
		}
		swapped, err := s.store.CompareAndSwapMeta(ctx, documentID, MetaKey, raw, EncodeValue(holder, acquired, now))
		if err != nil {
			return State{}, err
		}
		if swapped {
			state, _ := liveState(documentID, holder, acquired.UTC().Truncate(time.Second), now.UTC().Truncate(time.Second), now, window)
			return state, nil
		}
	}
	return State{}, fmt.Errorf("locks: acquire %s: %w", documentID, documents.ErrConcurrentModification)
}

func (s *DatabaseStore) Override(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (State, State, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, previous, _, err := s.read(ctx, documentID, now, window)
		if err != nil {
			return State{}, State{}, err
		}
		swapped, err := s.store.CompareAndSwapMeta(ctx, documentID, MetaKey, raw, EncodeValue(holder, now, now))
		if err != nil {
			return State{}, State{}, err
		}
		if swapped {
			current, _ := liveState(documentID, holder, now.UTC().Truncate(time.Second), now.UTC().Truncate(time.Second), now, window)
			return previous, current, nil
		}
	}
	return State{}, State{}, fmt.Errorf("locks: override %s: %w", documentID, documents.ErrConcurrentModification)
}

func (s *DatabaseStore) Release(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (ReleaseOutcome, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, current, live, err := s.read(ctx, documentID, now, window)
		if err != nil {
			return ReleaseNotHeld, err
		}
		if raw == nil {
			return ReleaseNotHeld, nil
		}
		stored, decoded := decodeValue(*raw)
		if !decoded || stored.holder != holder {
			if live {
				return ReleaseHeldByOther, nil
			}
			return ReleaseNotHeld, nil
		}
		deleted, err := s.store.CompareAndDeleteMeta(ctx, documentID, MetaKey, *raw)
		if err != nil {
			return ReleaseNotHeld, err
		}
		if deleted {
			if current.Held() {
				return Released, nil
			}
			return ReleaseNotHeld, nil
		}
	}
	return ReleaseNotHeld, fmt.Errorf("locks: release %s: %w", documentID, documents.ErrConcurrentModification)
}

func (s *DatabaseStore) Current(ctx context.Context, documentID string, now time.Time, window time.Duration) (State, error) {
	_, state, _, err := s.read(ctx, documentID, now, window)
	return state, err
}

func (s *DatabaseStore) Clear(ctx context.Context, documentID string) error {
	err := s.store.DeleteMeta(ctx, documentID, MetaKey)
	if errors.Is(err, content.ErrNotFound) {
		return nil
	}
	return err
}
