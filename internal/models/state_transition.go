package models

import "time"

// StateTransition is an append-only history row for a committed state change.
type StateTransition struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;index"`
	OldState       State  `gorm:"size:24"`
	NewState       State  `gorm:"size:24;not null"`
	ChangedBy      string `gorm:"size:64;not null"`
	CreatedAt      time.Time
}
