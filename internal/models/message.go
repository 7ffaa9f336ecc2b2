package models

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message statuses. A message is written as pending before any send attempt.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusFailed    = "failed"
	MessageStatusDelivered = "delivered"
)

// Message is a single SMS in a conversation.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;index:idx_conv_created"`
	Direction      string `gorm:"size:8;not null"`
	Content        string `gorm:"type:text"`
	MediaURL       string `gorm:"size:512"`
	SentBy         string `gorm:"size:64;index"`
	Status         string `gorm:"size:16;default:pending;index"`
	ProviderRef    string `gorm:"size:64;index"`
	// InboundRef repeats ProviderRef on inbound rows only, so a provider
	// retry cannot store the same inbound message twice.
	InboundRef *string   `gorm:"size:64;uniqueIndex"`
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index:idx_conv_created"`
	UpdatedAt  time.Time
}

// Terminal reports whether the message status can no longer change.
func (m *Message) Terminal() bool {
	return m.Status == MessageStatusFailed || m.Status == MessageStatusDelivered
}
