package users

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the canonical user id recorded as document owner, collaborator and
// version author.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null" json:"provider"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null" json:"-"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index" json:"userId"`
	Email       string    `gorm:"column:user_email;size:320" json:"email,omitempty"`
	DisplayName string    `gorm:"column:user_display_name;size:320" json:"displayName,omitempty"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512" json:"avatarUrl,omitempty"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at" json:"lastSeenAt"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
