package locks

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"go.uber.org/zap"
)

// Authorizer is the decision function the manager consults.
type Authorizer interface {
	Decide(ctx context.Context, principal access.Principal, action access.Action, target documents.Ref) access.Decision
}

// ManagerConfig describes the dependencies of the Manager.
type ManagerConfig struct {
	Store      Store
	Authorizer Authorizer
	Notifier   notify.Notifier
	Clock      func() time.Time
	Window     time.Duration
	Logger     *zap.Logger
}

// Manager implements the cooperative edit lock.
type Manager struct {
	store      Store
	authorizer Authorizer
	notifier   notify.Notifier
	clock      func() time.Time
	window     time.Duration
	logger     *zap.Logger
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      cfg.Store,
		authorizer: cfg.Authorizer,
		notifier:   cfg.Notifier,
		clock:      clock,
		window:     window,
		logger:     logger,
	}, nil
}

// Window returns the heartbeat window.
func (m *Manager) Window() time.Duration {
	return m.window
}

// AcquireOrRefresh grants the lock to the principal or refreshes it. When another live holder
// owns the lock, that holder's state is returned and the caller must treat the document as read-only.
func (m *Manager) AcquireOrRefresh(ctx context.Context, documentID string, principal access.Principal) (State, error) {
	if err := m.authorize(ctx, principal, access.ActionEdit, documentID); err != nil {
		return State{}, err
	}
	state, err := m.store.Acquire(ctx, documentID, principal.ID, m.clock(), m.window)
	if err != nil {
		m.logger.Error("lock acquire failed", zap.String("document_id", documentID), zap.String("user_id", principal.ID), zap.Error(err))
		return State{}, err
	}
	if !state.HeldBy(principal.ID) {
		m.logger.Debug("lock held by another user",
			zap.String("document_id", documentID),
			zap.String("user_id", principal.ID),
			zap.String("holder_id", state.HolderID))
	}
	return state, nil
}

// Require acquires or refreshes the lock and fails with a LockedError when someone else holds it.
func (m *Manager) Require(ctx context.Context, documentID string, principal access.Principal) (State, error) {
	state, err := m.AcquireOrRefresh(ctx, documentID, principal)
	if err != nil {
		return State{}, err
	}
	if !state.HeldBy(principal.ID) {
		return State{}, &LockedError{State: state}
	}
	return state, nil
}

// Override transfers the lock to the principal and notifies the displaced holder.
func (m *Manager) Override(ctx context.Context, documentID string, principal access.Principal) (State, error) {
	if err := m.authorize(ctx, principal, access.ActionOverrideLock, documentID); err != nil {
		return State{}, err
	}
	now := m.clock()
	previous, current, err := m.store.Override(ctx, documentID, principal.ID, now, m.window)
	if err != nil {
		m.logger.Error("lock override failed", zap.String("document_id", documentID), zap.String("user_id", principal.ID), zap.Error(err))
		return State{}, err
	}
	if previous.Held() && previous.HolderID != principal.ID {
		m.logger.Info("lock overridden",
			zap.String("document_id", documentID),
			zap.String("previous_holder_id", previous.HolderID),
			zap.String("user_id", principal.ID))
		m.notifyDisplaced(ctx, previous, principal.ID, now)
	}
	return current, nil
}

// Release clears the principal's lock. Releasing a lock held by someone else is an InvalidState error.
func (m *Manager) Release(ctx context.Context, documentID string, principal access.Principal) error {
	if !principal.Authenticated() {
		return documents.ErrForbidden
	}
	outcome, err := m.store.Release(ctx, documentID, principal.ID, m.clock(), m.window)
	if err != nil {
		m.logger.Error("lock release failed", zap.String("document_id", documentID), zap.String("user_id", principal.ID), zap.Error(err))
		return err
	}
	if outcome == ReleaseHeldByOther {
		return documents.ErrInvalidState
	}
	return nil
}

// Current returns the live lock of the document, or a zero State.
func (m *Manager) Current(ctx context.Context, documentID string) (State, error) {
	return m.store.Current(ctx, documentID, m.clock(), m.window)
}

// Clear drops the lock regardless of holder. It is used when the document itself goes away.
func (m *Manager) Clear(ctx context.Context, documentID string) error {
	return m.store.Clear(ctx, documentID)
}

func (m *Manager) authorize(ctx context.Context, principal access.Principal, action access.Action, documentID string) error {
	if !principal.Authenticated() {
		return documents.ErrForbidden
	}
	decision := m.authorizer.Decide(ctx, principal, action, documents.ByIdentity(documentID))
	return decision.AsError()
}

func (m *Manager) notifyDisplaced(ctx context.Context, previous State, actorID string, now time.Time) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventLockOverridden,
		UserID:     previous.HolderID,
		DocumentID: previous.DocumentID,
		ActorID:    actorID,
		Timestamp:  now.UTC(),
	})
	if err != nil {
		m.logger.Warn("lock override notification failed",
			zap.String("document_id", previous.DocumentID),
			zap.String("previous_holder_id", previous.HolderID),
			zap.Error(err))
	}
}
