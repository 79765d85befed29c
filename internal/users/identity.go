package users

import (
	"strings"
	"time"
)

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Meta stores one key/value pair scoped to a user. Feed keys and role grants live here.
type Meta struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Key    string `gorm:"column:meta_key;primaryKey;size:190;not null;index:idx_user_meta_key_value,priority:1"`
	Value  string `gorm:"column:meta_value;size:512;not null;default:'';index:idx_user_meta_key_value,priority:2"`
}

// TableName exposes the table backing user metadata.
func (Meta) TableName() string {
	return "user_meta"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := normalize(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
