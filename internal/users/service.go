package users

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MetaRoles holds the comma separated role names of a user.
	MetaRoles = "_roles"
	// MetaCapabilities holds extra capability grants on top of the roles.
	MetaCapabilities = "_capabilities"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// Roles maps role names to identity-store capability names.
	Roles  map[string][]string
	Logger *zap.Logger
}

// Service manages canonical user identifiers, user metadata and capability lookup.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	roles  map[string]access.CapabilitySet
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	roles := make(map[string]access.CapabilitySet, len(cfg.Roles))
	for role, names := range cfg.Roles {
		roles[strings.ToLower(normalize(role))] = access.ParseCapabilities(names)
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		roles:  roles,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
// Role claims, when present, replace the stored roles on every call; sessions without role
// claims leave the stored roles (set through SetRoles) untouched.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	roles := strings.Join(normalizeRoles(claims.UserRoles), ",")

	cacheKey := provider + ":" + subject
	if cachedValue, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cachedValue.(string); ok {
			if err := s.syncRoles(ctx, userID, roles); err != nil {
				return "", err
			}
			return userID, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		updates["last_seen_at"] = s.now()
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	if err := s.syncRoles(ctx, identity.UserID, roles); err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) syncRoles(ctx context.Context, userID, roles string) error {
	if roles == "" {
		return nil
	}
	stored, found, err := s.GetMeta(ctx, userID, MetaRoles)
	if err != nil {
		return err
	}
	if found && stored == roles {
		return nil
	}
	return s.SetMeta(ctx, userID, MetaRoles, roles)
}

// SetRoles replaces the role grants of a user. Sessions that carry role claims overwrite them
// on their next request.
func (s *Service) SetRoles(ctx context.Context, userID string, roles []string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	normalized := normalizeRoles(roles)
	for _, role := range normalized {
		if _, ok := s.roles[role]; !ok {
			return fmt.Errorf("users: unknown role %q", role)
		}
	}
	return s.SetMeta(ctx, userID, MetaRoles, strings.Join(normalized, ","))
}

// Principal builds the acting principal from the user's roles and extra capability grants.
func (s *Service) Principal(ctx context.Context, userID string) (access.Principal, error) {
	userID = normalize(userID)
	if userID == "" {
		return access.Anonymous(), nil
	}
	var rows []Meta
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND meta_key IN ?", userID, []string{MetaRoles, MetaCapabilities}).
		Find(&rows).Error; err != nil {
		return access.Principal{}, err
	}
	var capabilities access.CapabilitySet
	for _, row := range rows {
		switch row.Key {
		case MetaRoles:
			for _, role := range splitList(row.Value) {
				capabilities |= s.roles[strings.ToLower(role)]
			}
		case MetaCapabilities:
			capabilities |= access.ParseCapabilities(splitList(row.Value))
		}
	}
	return access.Principal{ID: userID, Capabilities: capabilities}, nil
}

// DisplayName returns the most recent display name seen for the user, or the id itself.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND user_display_name <> ''", userID).
		Order("last_seen_at DESC").
		Take(&identity).Error
	if err != nil {
		return userID
	}
	return identity.DisplayName
}

// GetMeta reads one metadata value. The boolean reports whether the key exists.
func (s *Service) GetMeta(ctx context.Context, userID, key string) (string, bool, error) {
	var row Meta
	err := s.db.WithContext(ctx).Where("user_id = ? AND meta_key = ?", userID, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// SetMeta upserts a metadata value in a single statement, replacing any previous value.
func (s *Service) SetMeta(ctx context.Context, userID, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value"}),
	}).Create(&Meta{UserID: userID, Key: key, Value: value}).Error
}

// FindUserByMeta returns the user holding the exact metadata value.
func (s *Service) FindUserByMeta(ctx context.Context, key, value string) (string, bool, error) {
	var row Meta
	err := s.db.WithContext(ctx).Where("meta_key = ? AND meta_value = ?", key, value).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.UserID, true, nil
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		value := strings.ToLower(normalize(role))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	sort.Strings(normalized)
	return normalized
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
