package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultProvider = "default"

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates no identity maps to the requested user id.
	ErrUnknownUser = errors.New("users: unknown user")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps TAuth session claims onto the canonical user ids that own and collaborate on documents.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
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
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims, recording the identity the first
// time a provider+subject pair is seen and refreshing its profile afterwards.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if canonical, ok := cached.(string); ok {
			return canonical, nil
		}
	}

	now := s.now().UTC()
	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
			DoUpdates: clause.Assignments(profileUpdates(identity)),
		}).
		Create(&identity).
		Error
	if err != nil {
		s.logger.Error("users identity upsert failed",
			zap.String("provider", provider),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return "", err
	}

	var stored Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&stored).Error; err != nil {
		s.logger.Error("users identity lookup failed", zap.String("subject", subject), zap.Error(err))
		return "", err
	}

	s.cache.Store(cacheKey, stored.UserID)
	return stored.UserID, nil
}

// Profile returns the most recently seen identity for a canonical user id.
func (s *Service) Profile(ctx context.Context, userID string) (Identity, error) {
	userID = normalize(userID)
	if userID == "" {
		return Identity{}, ErrUnknownUser
	}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		s.logger.Error("users profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		return Identity{}, err
	}
	return identity, nil
}

func profileUpdates(identity Identity) map[string]interface{} {
	updates := map[string]interface{}{"last_seen_at": identity.LastSeenAt}
	if identity.Email != "" {
		updates["user_email"] = identity.Email
	}
	if identity.DisplayName != "" {
		updates["user_display_name"] = identity.DisplayName
	}
	if identity.AvatarURL != "" {
		updates["user_avatar_url"] = identity.AvatarURL
	}
	return updates
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if normalize(prefix) != "" && normalize(rest) != "" {
				provider = normalize(prefix)
				subject = normalize(rest)
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
