// Package transition commits conversation state changes together with their
// history rows, and guards dispatcher-suggested changes against protected
// states.
package transition

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/leaddesk/internal/models"
	"gorm.io/gorm"
)

// errStateMoved is returned inside a transaction when the conditional
// update lost a race with another writer.
var errStateMoved = errors.New("state changed concurrently")

// Change describes a committed state change.
type Change struct {
	ConversationID string
	From           models.State
	To             models.State
	ChangedBy      string
	Changed        bool // false when From == To and nothing was written
}

// Commit sets the conversation state to newState and appends a history row
// in one transaction. It bypasses the protected-state policy; it is the path
// for agent tool calls, operators and lead opt-outs.
func Commit(ctx context.Context, db *gorm.DB, conversationID string, newState models.State, changedBy string) (Change, error) {
	if !newState.Valid() {
		return Change{}, fmt.Errorf("transition: commit %s: invalid state %q", conversationID, newState)
	}
	if changedBy == "" {
		return Change{}, fmt.Errorf("transition: commit %s: changedBy is required", conversationID)
	}

	var change Change
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := currentState(tx, conversationID)
		if err != nil {
			return err
		}
		change = Change{ConversationID: conversationID, From: current, To: newState, ChangedBy: changedBy}
		if current == newState {
			return nil
		}
		if err := write(tx, conversationID, current, newState, changedBy); err != nil {
			return err
		}
		change.Changed = true
		return nil
	})
	if err != nil {
		return Change{}, fmt.Errorf("transition: commit %s -> %s: %w", conversationID, newState, err)
	}
	return change, nil
}

// currentState reads the state inside tx.
func currentState(tx *gorm.DB, conversationID string) (models.State, error) {
	var conv models.Conversation
	err := tx.Select("id", "state").Where("id = ?", conversationID).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", models.ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}
	return conv.State, nil
}

// write performs the conditional state update and the history insert. The
// update only matches when the row still holds from, so a concurrent writer
// (operator UI, another replica) cannot be silently overwritten.
func write(tx *gorm.DB, conversationID string, from, to models.State, changedBy string) error {
	result := tx.Model(&models.Conversation{}).
		Where("id = ? AND state = ?", conversationID, from).
		Update("state", to)
	if result.Error != nil {
		return fmt.Errorf("update state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errStateMoved
	}
	entry := models.StateTransition{
		ConversationID: conversationID,
		OldState:       from,
		NewState:       to,
		ChangedBy:      changedBy,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the transitions for a conversation, oldest first.
func History(ctx context.Context, db *gorm.DB, conversationID string) ([]models.StateTransition, error) {
	var rows []models.StateTransition
	if err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("transition: history %s: %w", conversationID, err)
	}
	return rows, nil
}
