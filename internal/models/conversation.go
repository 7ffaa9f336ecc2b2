package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is a lead thread with a merchant. ProcessingLock and
// LastActivity together form the dispatch lease.
type Conversation struct {
	ID      string `gorm:"primaryKey;size:36"`
	ShortID string `gorm:"size:12;uniqueIndex"`
	Phone   string `gorm:"size:20;index"`
	// IntakePhone is set on conversations opened by an inbound message and
	// keeps concurrent first messages from one sender on one conversation.
	IntakePhone    *string   `gorm:"size:20;uniqueIndex"`
	BusinessName   string    `gorm:"size:128"`
	ContactName    string    `gorm:"size:128"`
	State          State     `gorm:"size:24;default:NEW;index"`
	ProcessingLock bool      `gorm:"default:false"`
	LastActivity   time.Time `gorm:"index"`
	AssignedAgent  string    `gorm:"size:64"`
	Tags           string    `gorm:"type:json"`
	Metadata       string    `gorm:"type:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Messages    []Message         `gorm:"foreignKey:ConversationID"`
	Transitions []StateTransition `gorm:"foreignKey:ConversationID"`
	Offers      []FundingOffer    `gorm:"foreignKey:ConversationID"`
}

// BeforeCreate fills identity and JSON column defaults.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ShortID == "" {
		c.ShortID = NewShortID()
	}
	if c.State == "" {
		c.State = StateNew
	}
	if c.Tags == "" {
		c.Tags = "[]"
	}
	if c.Metadata == "" {
		c.Metadata = "{}"
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = time.Now()
	}
	return nil
}

// NewShortID returns an 8 character display id.
func NewShortID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}
