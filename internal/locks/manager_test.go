package locks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testDocumentID = "doc-1"

var (
	editorCaps = access.NewCapabilitySet(access.CapEditDocuments, access.CapEditOthersDocuments)
	userA      = access.Principal{ID: "user-a", Capabilities: editorCaps}
	userB      = access.Principal{ID: "user-b", Capabilities: editorCaps}
	userC      = access.Principal{ID: "user-c", Capabilities: editorCaps.With(access.CapOverrideDocumentLock)}
	readerOnly = access.Principal{ID: "user-r"}
)

type stubAuthorizer struct {
	documents map[string]documents.Document
}

func (s stubAuthorizer) Decide(_ context.Context, principal access.Principal, action access.Action, target documents.Ref) access.Decision {
	document, ok := s.documents[target.ID()]
	if !ok {
		return access.Decision{Reason: access.ReasonNotFound}
	}
	if access.Evaluate(access.UseGenericRead, principal, action, document) {
		return access.Decision{Allowed: true, Reason: access.ReasonAllowed, Document: document}
	}
	return access.Decision{Reason: access.ReasonForbidden, Document: document}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) recorded() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newDatabaseStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "locks.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&content.Record{}, &content.Meta{}))
	contentStore, err := content.NewStore(db)
	require.NoError(t, err)
	store, err := NewDatabaseStore(contentStore)
	require.NoError(t, err)
	return store
}

func newRedisStore(t *testing.T) Store {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var storeFactories = map[string]func(t *testing.T) Store{
	"database": newDatabaseStore,
	"redis":    newRedisStore,
}

func newTestManager(t *testing.T, store Store, notifier notify.Notifier) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
	manager, err := NewManager(ManagerConfig{
		Store: store,
		Authorizer: stubAuthorizer{documents: map[string]documents.Document{
			testDocumentID: {ID: testDocumentID, Status: documents.VisibilityDraft, OwnerID: "user-a"},
		}},
		Notifier: notifier,
		Clock:    clock.Now,
		Window:   150 * time.Second,
	})
	require.NoError(t, err)
	return manager, clock
}

func TestAcquireRefreshAndContention(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, clock := newTestManager(t, factory(t), nil)
			ctx := context.Background()

			state, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)
			require.True(t, state.HeldBy(userA.ID))
			acquiredAt := state.AcquiredAt

			clock.Advance(60 * time.Second)
			refreshed, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)
			require.True(t, refreshed.HeldBy(userA.ID))
			assert.True(t, refreshed.AcquiredAt.Equal(acquiredAt), "refresh must keep the acquisition time")
			assert.True(t, refreshed.RefreshedAt.After(acquiredAt), "refresh must move the heartbeat")

			other, err := manager.AcquireOrRefresh(ctx, testDocumentID, userB)
			require.NoError(t, err)
			assert.Equal(t, userA.ID, other.HolderID)

			_, err = manager.Require(ctx, testDocumentID, userB)
			require.ErrorIs(t, err, ErrLocked)
			var lockedErr *LockedError
			require.True(t, errors.As(err, &lockedErr))
			assert.Equal(t, userA.ID, lockedErr.State.HolderID)
		})
	}
}

func TestExpiredLockIsGrantedLazily(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, clock := newTestManager(t, factory(t), nil)
			ctx := context.Background()

			_, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)

			clock.Advance(151 * time.Second)
			current, err := manager.Current(ctx, testDocumentID)
			require.NoError(t, err)
			assert.False(t, current.Held(), "expired lock must read as unlocked")

			state, err := manager.AcquireOrRefresh(ctx, testDocumentID, userB)
			require.NoError(t, err)
			assert.True(t, state.HeldBy(userB.ID))
		})
	}
}

func TestOverrideTransfersAndNotifies(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			manager, _ := newTestManager(t, factory(t), notifier)
			ctx := context.Background()

			_, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)

			state, err := manager.Override(ctx, testDocumentID, userC)
			require.NoError(t, err)
			assert.True(t, state.HeldBy(userC.ID))

			again, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)
			assert.Equal(t, userC.ID, again.HolderID, "displaced holder must not silently regain the lock")

			events := notifier.recorded()
			require.Len(t, events, 1)
			assert.Equal(t, notify.EventLockOverridden, events[0].Type)
			assert.Equal(t, userA.ID, events[0].UserID)
			assert.Equal(t, userC.ID, events[0].ActorID)
			assert.Equal(t, testDocumentID, events[0].DocumentID)
		})
	}
}

func TestOverrideRequiresCapability(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, _ := newTestManager(t, factory(t), nil)
			ctx := context.Background()

			_, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)

			_, err = manager.Override(ctx, testDocumentID, userB)
			require.ErrorIs(t, err, documents.ErrForbidden)

			current, err := manager.Current(ctx, testDocumentID)
			require.NoError(t, err)
			assert.Equal(t, userA.ID, current.HolderID)
		})
	}
}

func TestOverrideOfUnlockedDocumentSkipsNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	manager, _ := newTestManager(t, newDatabaseStore(t), notifier)
	state, err := manager.Override(context.Background(), testDocumentID, userC)
	require.NoError(t, err)
	assert.True(t, state.HeldBy(userC.ID))
	assert.Empty(t, notifier.recorded())
}

func TestOverrideSurvivesNotifierFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("delivery failed")}
	manager, _ := newTestManager(t, newRedisStore(t), notifier)
	ctx := context.Background()
	_, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
	require.NoError(t, err)

	state, err := manager.Override(ctx, testDocumentID, userC)
	require.NoError(t, err)
	assert.True(t, state.HeldBy(userC.ID))
	assert.Len(t, notifier.recorded(), 1)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, _ := newTestManager(t, factory(t), nil)
			ctx := context.Background()

			_, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)

			err = manager.Release(ctx, testDocumentID, userB)
			require.ErrorIs(t, err, documents.ErrInvalidState)
			current, err := manager.Current(ctx, testDocumentID)
			require.NoError(t, err)
			assert.Equal(t, userA.ID, current.HolderID, "non-holder release must leave the lock untouched")

			require.NoError(t, manager.Release(ctx, testDocumentID, userA))
			current, err = manager.Current(ctx, testDocumentID)
			require.NoError(t, err)
			assert.False(t, current.Held())

			require.NoError(t, manager.Release(ctx, testDocumentID, userA), "releasing an unlocked document is a no-op")
		})
	}
}

func TestAcquireRequiresEditPermission(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, _ := newTestManager(t, factory(t), nil)
			ctx := context.Background()

			_, err := manager.AcquireOrRefresh(ctx, testDocumentID, readerOnly)
			require.ErrorIs(t, err, documents.ErrForbidden)
			_, err = manager.AcquireOrRefresh(ctx, testDocumentID, access.Anonymous())
			require.ErrorIs(t, err, documents.ErrForbidden)
			_, err = manager.AcquireOrRefresh(ctx, "missing", userA)
			require.ErrorIs(t, err, documents.ErrNotFound)
		})
	}
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, _ := newTestManager(t, factory(t), nil)
			ctx := context.Background()
			contenders := []access.Principal{userA, userB, userC}

			var wg sync.WaitGroup
			results := make([]State, len(contenders))
			errs := make([]error, len(contenders))
			for index, principal := range contenders {
				wg.Add(1)
				go func(index int, principal access.Principal) {
					defer wg.Done()
					results[index], errs[index] = manager.AcquireOrRefresh(ctx, testDocumentID, principal)
				}(index, principal)
			}
			wg.Wait()

			winners := 0
			holder := ""
			for index, principal := range contenders {
				require.NoError(t, errs[index])
				if results[index].HeldBy(principal.ID) {
					winners++
					holder = principal.ID
				}
			}
			require.Equal(t, 1, winners, "exactly one contender must hold the lock")
			for index := range contenders {
				assert.Equal(t, holder, results[index].HolderID)
			}
		})
	}
}

func TestClearDropsLock(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			manager, _ := newTestManager(t, factory(t), nil)
			ctx := context.Background()
			_, err := manager.AcquireOrRefresh(ctx, testDocumentID, userA)
			require.NoError(t, err)
			require.NoError(t, manager.Clear(ctx, testDocumentID))
			current, err := manager.Current(ctx, testDocumentID)
			require.NoError(t, err)
			assert.False(t, current.Held())
		})
	}
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	_, err := NewManager(ManagerConfig{Authorizer: stubAuthorizer{}})
	require.Error(t, err)
	_, err = NewManager(ManagerConfig{Store: newDatabaseStore(t)})
	require.Error(t, err)
}
