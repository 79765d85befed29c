package feedkeys

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// MetaKey is the user metadata key holding the active feed key.
const MetaKey = "_feed_key"

const tokenBytes = 24

var (
	// ErrMissingUser indicates a feed key operation was attempted without a user.
	ErrMissingUser = errors.New("feedkeys: user id required")
	errMissingMeta = errors.New("feedkeys: user metadata store required")
)

// MetaStore is the user metadata surface the authenticator persists through.
type MetaStore interface {
	GetMeta(ctx context.Context, userID, key string) (string, bool, error)
	SetMeta(ctx context.Context, userID, key, value string) error
	FindUserByMeta(ctx context.Context, key, value string) (string, bool, error)
}

// Config wires the authenticator.
type Config struct {
	Meta   MetaStore
	Random func([]byte) (int, error)
	Logger *zap.Logger
}

// Authenticator issues and validates per-user feed keys. It never consults session state.
type Authenticator struct {
	meta   MetaStore
	random func([]byte) (int, error)
	logger *zap.Logger
}

// NewAuthenticator validates the configuration.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Meta == nil {
		return nil, errMissingMeta
	}
	random := cfg.Random
	if random == nil {
		random = rand.Read
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{meta: cfg.Meta, random: random, logger: logger}, nil
}

// Generate replaces the user's feed key with a fresh random token. The previous token stops
// validating as soon as the single upsert commits.
func (a *Authenticator) Generate(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingUser
	}
	buffer := make([]byte, tokenBytes)
	if _, err := a.random(buffer); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)
	if err := a.meta.SetMeta(ctx, userID, MetaKey, token); err != nil {
		a.logger.Error("feed key rotation failed", zap.String("user_id", userID), zap.Error(err))
		return "", err
	}
	a.logger.Info("feed key rotated", zap.String("user_id", userID))
	return token, nil
}

// Current returns the active token, if any.
func (a *Authenticator) Current(ctx context.Context, userID string) (string, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", false, ErrMissingUser
	}
	token, found, err := a.meta.GetMeta(ctx, userID, MetaKey)
	if err != nil || !found || token == "" {
		return "", false, err
	}
	return token, true, nil
}

// Validate reports whether the presented token is the user's active key.
func (a *Authenticator) Validate(ctx context.Context, userID, presented string) (bool, error) {
	if strings.TrimSpace(userID) == "" || presented == "" {
		return false, nil
	}
	stored, found, err := a.Current(ctx, userID)
	if err != nil || !found {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1, nil
}

// Authenticate maps a presented token to its user. The token is looked up by value and then
// validated against the owner's active key, so a rotated token never authenticates.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (string, bool, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return "", false, nil
	}
	userID, found, err := a.meta.FindUserByMeta(ctx, MetaKey, presented)
	if err != nil || !found {
		return "", false, err
	}
	valid, err := a.Validate(ctx, userID, presented)
	if err != nil || !valid {
		return "", false, err
	}
	return userID, true, nil
}
