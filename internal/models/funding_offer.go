package models

import "time"

// Offer statuses.
const (
	OfferActive    = "active"
	OfferWithdrawn = "withdrawn"
	OfferAccepted  = "accepted"
)

// FundingOffer is a lender offer attached to a conversation.
type FundingOffer struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ConversationID string  `gorm:"size:36;not null;index"`
	Lender         string  `gorm:"size:128"`
	Amount         float64 `gorm:"not null"`
	FactorRate     float64
	TermDays       int
	Status         string    `gorm:"size:16;default:active;index"`
	CreatedAt      time.Time `gorm:"index"`
}
