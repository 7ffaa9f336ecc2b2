// Package lease implements the per-conversation processing lease.
//
// The lease is the ProcessingLock flag plus the LastActivity timestamp on a
// conversation row. There is no in-process mutex: every transition of the
// flag is a single conditional UPDATE, so the lease holds across replicas
// sharing the same store. A holder that crashes without releasing loses the
// lease once LastActivity is older than the stale threshold.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/leaddesk/internal/models"
	"gorm.io/gorm"
)

// DefaultStaleAfter is the age after which a held lease is considered
// abandoned and may be reclaimed.
const DefaultStaleAfter = 2 * time.Minute

// Acquisition is the result of a TryAcquire call.
type Acquisition int

const (
	// Busy means another holder has a fresh lease. Callers should skip, not retry.
	Busy Acquisition = iota
	// Acquired means the lease was free and is now held.
	Acquired
	// Reclaimed means a stale lease was force-cleared and is now held.
	Reclaimed
)

func (a Acquisition) String() string {
	switch a {
	case Acquired:
		return "acquired"
	case Reclaimed:
		return "reclaimed"
	default:
		return "busy"
	}
}

// Held reports whether the caller now holds the lease.
func (a Acquisition) Held() bool {
	return a == Acquired || a == Reclaimed
}

// Manager acquires and releases conversation leases.
type Manager struct {
	db         *gorm.DB
	staleAfter time.Duration
	now        func() time.Time
}

// New returns a Manager. A non-positive staleAfter uses DefaultStaleAfter.
func New(db *gorm.DB, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{db: db, staleAfter: staleAfter, now: time.Now}
}

// StaleAfter returns the configured staleness threshold.
func (m *Manager) StaleAfter() time.Duration { return m.staleAfter }

// TryAcquire attempts to take the lease on conversationID. It returns
// models.ErrConversationNotFound for an unknown id.
func (m *Manager) TryAcquire(ctx context.Context, conversationID string) (Acquisition, error) {
	now := m.now()
	tx := m.db.WithContext(ctx)

	// Free lease.
	result := tx.Model(&models.Conversation{}).
		Where("id = ? AND processing_lock = ?", conversationID, false).
		Updates(map[string]interface{}{
			"processing_lock": true,
			"last_activity":   now,
		})
	if result.Error != nil {
		return Busy, fmt.Errorf("lease: acquire %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected == 1 {
		return Acquired, nil
	}

	// Held, but abandoned.
	cutoff := now.Add(-m.staleAfter)
	result = tx.Model(&models.Conversation{}).
		Where("id = ? AND processing_lock = ? AND last_activity < ?", conversationID, true, cutoff).
		Updates(map[string]interface{}{
			"processing_lock": true,
			"last_activity":   now,
		})
	if result.Error != nil {
		return Busy, fmt.Errorf("lease: reclaim %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected == 1 {
		return Reclaimed, nil
	}

	var count int64
	if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
		return Busy, fmt.Errorf("lease: lookup %s: %w", conversationID, err)
	}
	if count == 0 {
		return Busy, fmt.Errorf("lease: %s: %w", conversationID, models.ErrConversationNotFound)
	}
	return Busy, nil
}

// Release clears the lease unconditionally. It runs on a context detached
// from ctx's cancellation so a cancelled request still releases.
func (m *Manager) Release(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	result := m.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("processing_lock", false)
	if result.Error != nil {
		return fmt.Errorf("lease: release %s: %w", conversationID, result.Error)
	}
	return nil
}

// Touch refreshes LastActivity, extending a held lease.
func (m *Manager) Touch(ctx context.Context, conversationID string) error {
	result := m.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_activity", m.now())
	if result.Error != nil {
		return fmt.Errorf("lease: touch %s: %w", conversationID, result.Error)
	}
	return nil
}
