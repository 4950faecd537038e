package models

import (
	"time"
)

// One row per trial session. Counters are local to the session and reset
// only by creating a new session, never by extension.
type SessionUsage struct {
	SessionID   string `gorm:"primaryKey" json:"session_id"`
	Fingerprint string `gorm:"index;not null" json:"fingerprint"`

	AICallsUsed     int `json:"ai_calls_used_in_session"`
	ProjectsCreated int `json:"projects_created_in_session"`
	ExtensionsUsed  int `json:"extensions_used"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (SessionUsage) TableName() string {
	return "session_usage"
}

// An expired session denies all new usage; historical counters stay for
// analytics.
func (s *SessionUsage) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *SessionUsage) Clone() *SessionUsage {
	c := *s
	return &c
}
