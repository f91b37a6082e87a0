package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/auth"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ProfileSink receives author profiles so feed entries can name their authors.
type ProfileSink interface {
	UpsertUser(ctx context.Context, user feed.User) error
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Profiles ProfileSink
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to canonical user ids and keeps author profiles current.
type Service struct {
	db       *gorm.DB
	profiles ProfileSink
	now      func() time.Time
	logger   *zap.Logger
	cache    sync.Map
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
		db:       cfg.Database,
		profiles: cfg.Profiles,
		now:      clock,
		logger:   logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims, creating the
// identity on first sight and pushing profile changes to the profile sink.
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
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
	profileChanged := false
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
		profileChanged = true
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		profileChanged = len(updates) > 1
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).Error; err != nil {
			s.logger.Warn("identity update failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	if profileChanged && s.profiles != nil {
		profile := feed.User{
			ID:             identity.UserID,
			Name:           identity.DisplayName,
			Username:       identity.Username(),
			ProfilePicture: identity.AvatarURL,
		}
		if err := s.profiles.UpsertUser(ctx, profile); err != nil {
			s.logger.Warn("profile sync failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
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
