package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto the canonical user id posts and maps are keyed by.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Username derives the public handle shown as an annotation's author.
func (i Identity) Username() string {
	if local, _, found := strings.Cut(i.Email, "@"); found && local != "" {
		return local
	}
	return i.DisplayName
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
