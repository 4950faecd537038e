package models

import (
	"time"
)

// Represents a denied admission check. The flagger counts these within its
// window; the admin dashboard reads them as denial history.
type DenialEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	NetworkOrigin string    `gorm:"index:idx_denial_identity" json:"network_origin"`
	Fingerprint   string    `gorm:"index:idx_denial_identity" json:"fingerprint"`
	Kind          string    `json:"kind"`
}

func (DenialEvent) TableName() string {
	return "denial_events"
}
