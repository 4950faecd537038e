package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// One row per (network origin, fingerprint) pair. All mutation goes through
// the ledger - no other component writes these fields.
type VisitorRecord struct {
	ID                  uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	NetworkOrigin       string    `gorm:"uniqueIndex:idx_visitor_identity;not null" json:"network_origin"`
	Fingerprint         string    `gorm:"uniqueIndex:idx_visitor_identity;not null" json:"fingerprint"`
	IsNetworkAnonymized bool      `json:"is_network_anonymized"`

	// Monotonic counters, never decremented.
	CumulativeAICalls         int `json:"cumulative_ai_calls"`
	CumulativeSessionsCreated int `json:"cumulative_sessions_created"`

	// Bounded to the widest configured rate window; pruned on every write.
	RecentCallTimestamps TimestampList `gorm:"serializer:json" json:"recent_call_timestamps"`

	// Session-creation timestamps within the last 24h, pruned on write.
	// SessionsLastHour and SessionsLast24h are maintained from this list,
	// never mutated independently.
	RecentSessionTimestamps TimestampList `gorm:"serializer:json" json:"recent_session_timestamps"`
	SessionsLastHour        int           `json:"sessions_last_hour"`
	SessionsLast24h         int           `json:"sessions_last_24h"`

	IsFlagged  bool   `json:"is_flagged"`
	IsBlocked  bool   `json:"is_blocked"`
	FlagReason string `json:"flag_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TimestampList []time.Time

func (v *VisitorRecord) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

func (VisitorRecord) TableName() string {
	return "visitor_records"
}

// Appends a metered call, increments the cumulative counter and prunes
// entries older than the widest configured rate window.
func (v *VisitorRecord) ApplyCall(at time.Time, maxWindow time.Duration) {
	v.CumulativeAICalls++
	v.RecentCallTimestamps = append(v.RecentCallTimestamps, at)
	v.RecentCallTimestamps = v.RecentCallTimestamps.prune(at.Add(-maxWindow))
}

// Appends a session creation and recomputes the hour/24h windowed counters
// from the pruned timestamp list.
func (v *VisitorRecord) ApplySessionCreated(at time.Time) {
	v.CumulativeSessionsCreated++
	v.RecentSessionTimestamps = append(v.RecentSessionTimestamps, at)
	v.RecentSessionTimestamps = v.RecentSessionTimestamps.prune(at.Add(-24 * time.Hour))
	v.SessionsLast24h = len(v.RecentSessionTimestamps)
	v.SessionsLastHour = v.RecentSessionTimestamps.CountSince(at.Add(-time.Hour))
}

// Recomputes the windowed session counters without recording anything.
// Used before evaluating session-creation caps so an identity that has
// gone quiet gets its headroom back.
func (v *VisitorRecord) RefreshSessionWindows(now time.Time) {
	v.RecentSessionTimestamps = v.RecentSessionTimestamps.prune(now.Add(-24 * time.Hour))
	v.SessionsLast24h = len(v.RecentSessionTimestamps)
	v.SessionsLastHour = v.RecentSessionTimestamps.CountSince(now.Add(-time.Hour))
}

// Returns a deep copy so callers outside the ledger never hold a writable
// reference to shared state.
func (v *VisitorRecord) Clone() *VisitorRecord {
	c := *v
	c.RecentCallTimestamps = append(TimestampList(nil), v.RecentCallTimestamps...)
	c.RecentSessionTimestamps = append(TimestampList(nil), v.RecentSessionTimestamps...)
	return &c
}

// Drops entries at or before cutoff, keeping order.
func (l TimestampList) prune(cutoff time.Time) TimestampList {
	kept := l[:0:0]
	for _, ts := range l {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Counts entries strictly after cutoff.
func (l TimestampList) CountSince(cutoff time.Time) int {
	n := 0
	for _, ts := range l {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
