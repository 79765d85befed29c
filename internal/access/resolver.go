package access

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"go.uber.org/zap"
)

var errMissingDocuments = errors.New("access: document resolver is required")

// DocumentResolver normalizes a reference to its owning document.
type DocumentResolver interface {
	Resolve(ctx context.Context, ref documents.Ref) (documents.Document, error)
}

// Reason explains a decision. It is logged but never shown to anonymous callers.
type Reason string

const (
	ReasonAllowed   Reason = "allowed"
	ReasonNotFound  Reason = "not_found"
	ReasonForbidden Reason = "forbidden"
	ReasonError     Reason = "error"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed  bool
	Reason   Reason
	Document documents.Document
	Err      error
}

// ResolverConfig describes the dependencies of the Resolver.
type ResolverConfig struct {
	Documents DocumentResolver
	Policy    ReadPolicy
	Logger    *zap.Logger
}

// Resolver is the single authority every access path consults.
type Resolver struct {
	documents DocumentResolver
	policy    ReadPolicy
	logger    *zap.Logger
}

// NewResolver binds the read policy once for the lifetime of the resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{documents: cfg.Documents, policy: cfg.Policy, logger: logger}, nil
}

// Policy returns the read policy the resolver applies.
func (r *Resolver) Policy() ReadPolicy {
	return r.policy
}

// Decide resolves the target to its owning document and evaluates the action.
func (r *Resolver) Decide(ctx context.Context, principal Principal, action Action, target documents.Ref) Decision {
	document, err := r.documents.Resolve(ctx, target)
	if errors.Is(err, documents.ErrNotFound) {
		return Decision{Reason: ReasonNotFound, Err: err}
	}
	if err != nil {
		r.logger.Error("authorization target resolution failed",
			zap.String("action", action.String()),
			zap.String("target_id", target.ID()),
			zap.Error(err))
		return Decision{Reason: ReasonError, Err: err}
	}
	if Evaluate(r.policy, principal, action, document) {
		return Decision{Allowed: true, Reason: ReasonAllowed, Document: document}
	}
	return Decision{Reason: ReasonForbidden, Document: document}
}

// Can reports whether the principal may perform the action. Any failure denies.
func (r *Resolver) Can(ctx context.Context, principal Principal, action Action, target documents.Ref) bool {
	return r.Decide(ctx, principal, action, target).Allowed
}

// AsError converts a denied decision into the matching documents sentinel.
func (d Decision) AsError() error {
	switch d.Reason {
	case ReasonAllowed:
		return nil
	case ReasonNotFound:
		return documents.ErrNotFound
	case ReasonForbidden:
		return documents.ErrForbidden
	default:
		if d.Err != nil {
			return d.Err
		}
		return documents.ErrForbidden
	}
}
