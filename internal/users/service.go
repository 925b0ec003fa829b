package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// CreatedHook runs once for every newly mapped user id.
type CreatedHook func(ctx context.Context, userID string) error

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	// OnUserCreated initializes per-user documents. A failing hook fails the
	// resolution and is retried on the next request.
	OnUserCreated CreatedHook
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db      *gorm.DB
	onNew   CreatedHook
	now     func() time.Time
	logger  *zap.Logger
	cache   sync.Map
	pending sync.Map
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
	return &Service{
		db:     cfg.Database,
		onNew:  cfg.OnUserCreated,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before
// and then runs the created hook.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	db := s.db.WithContext(ctx)
	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  s.now().UTC(),
	}
	outcome := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity)
	if outcome.Error != nil {
		return "", outcome.Error
	}
	created := outcome.RowsAffected == 1
	if !created {
		if err := db.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error; err != nil {
			return "", err
		}
		s.touch(db, claims, identity)
	}

	if created {
		s.pending.Store(identity.UserID, struct{}{})
	}
	if _, unfinished := s.pending.Load(identity.UserID); unfinished {
		if err := s.runCreatedHook(ctx, identity.UserID); err != nil {
			return "", err
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) runCreatedHook(ctx context.Context, userID string) error {
	if s.onNew == nil {
		s.pending.Delete(userID)
		return nil
	}
	if err := s.onNew(ctx, userID); err != nil {
		s.logger.Error("user created hook failed",
			zap.String("operation", "users.on_user_created"),
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("users: initialize %s: %w", userID, err)
	}
	s.pending.Delete(userID)
	s.logger.Info("user initialized", zap.String("user_id", userID))
	return nil
}

func (s *Service) touch(db *gorm.DB, claims auth.SessionClaims, identity Identity) {
	updates := map[string]any{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	if err := db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).Error; err != nil {
		s.logger.Warn("identity touch failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if head, tail, ok := strings.Cut(raw, ":"); ok {
			if normalize(head) != "" && normalize(tail) != "" {
				provider = normalize(head)
				subject = normalize(tail)
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
