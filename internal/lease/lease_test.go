package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/leaddesk/internal/db"
	"github.com/zulandar/leaddesk/internal/models"
	"gorm.io/gorm"
)

func openLeaseTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gormDB
}

func createConversation(t *testing.T, gormDB *gorm.DB, locked bool, lastActivity time.Time) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{Phone: "+13055550100", State: models.StateQualified, LastActivity: lastActivity}
	if err := gormDB.Create(conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if locked {
		gormDB.Model(conv).Update("processing_lock", true)
		gormDB.Model(conv).Update("last_activity", lastActivity)
	}
	return conv
}

func reload(t *testing.T, gormDB *gorm.DB, id string) models.Conversation {
	t.Helper()
	var c models.Conversation
	if err := gormDB.First(&c, "id = ?", id).Error; err != nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	return c
}

func TestTryAcquire_Free(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, false, time.Now().Add(-time.Hour))
	m := New(gormDB, DefaultStaleAfter)

	got, err := m.TryAcquire(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got != Acquired {
		t.Fatalf("TryAcquire = %s, want acquired", got)
	}

	c := reload(t, gormDB, conv.ID)
	if !c.ProcessingLock {
		t.Error("ProcessingLock should be true")
	}
	if time.Since(c.LastActivity) > time.Minute {
		t.Errorf("LastActivity = %s, want refreshed", c.LastActivity)
	}
}

func TestTryAcquire_BusyWhenFresh(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, true, time.Now().Add(-30*time.Second))
	m := New(gormDB, DefaultStaleAfter)

	got, err := m.TryAcquire(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got != Busy {
		t.Fatalf("TryAcquire = %s, want busy", got)
	}
	if got.Held() {
		t.Error("Busy.Held() = true")
	}
}

func TestTryAcquire_ReclaimsStale(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	staleAt := time.Now().Add(-3 * time.Minute)
	conv := createConversation(t, gormDB, true, staleAt)
	m := New(gormDB, DefaultStaleAfter)

	got, err := m.TryAcquire(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got != Reclaimed {
		t.Fatalf("TryAcquire = %s, want reclaimed", got)
	}

	c := reload(t, gormDB, conv.ID)
	if !c.ProcessingLock {
		t.Error("ProcessingLock should still be held by the new owner")
	}
	if !c.LastActivity.After(staleAt) {
		t.Errorf("LastActivity = %s, want refreshed past %s", c.LastActivity, staleAt)
	}
}

func TestTryAcquire_ConfigurableThreshold(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, true, time.Now().Add(-30*time.Second))
	m := New(gormDB, 10*time.Second)

	got, err := m.TryAcquire(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got != Reclaimed {
		t.Fatalf("TryAcquire = %s, want reclaimed with a 10s threshold", got)
	}
}

func TestTryAcquire_NotFound(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	m := New(gormDB, 0)

	_, err := m.TryAcquire(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}

func TestNew_DefaultThreshold(t *testing.T) {
	m := New(nil, 0)
	if m.StaleAfter() != DefaultStaleAfter {
		t.Errorf("StaleAfter = %s, want %s", m.StaleAfter(), DefaultStaleAfter)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, false, time.Now())
	m := New(gormDB, DefaultStaleAfter)
	ctx := context.Background()

	if got, _ := m.TryAcquire(ctx, conv.ID); got != Acquired {
		t.Fatalf("first TryAcquire = %s", got)
	}
	if got, _ := m.TryAcquire(ctx, conv.ID); got != Busy {
		t.Fatalf("second TryAcquire = %s, want busy", got)
	}
	if err := m.Release(ctx, conv.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if reload(t, gormDB, conv.ID).ProcessingLock {
		t.Fatal("ProcessingLock should be false after Release")
	}
	if got, _ := m.TryAcquire(ctx, conv.ID); got != Acquired {
		t.Fatalf("TryAcquire after release = %s, want acquired", got)
	}
}

func TestRelease_CancelledContext(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, false, time.Now())
	m := New(gormDB, DefaultStaleAfter)

	m.TryAcquire(context.Background(), conv.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Release(ctx, conv.ID); err != nil {
		t.Fatalf("Release with cancelled ctx: %v", err)
	}
	if reload(t, gormDB, conv.ID).ProcessingLock {
		t.Fatal("lease should be released even when the caller's context is cancelled")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, false, time.Now())
	m := New(gormDB, DefaultStaleAfter)

	if err := m.Release(context.Background(), conv.ID); err != nil {
		t.Fatalf("Release on free lease: %v", err)
	}
}

func TestTouch_PreventsReclaim(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, false, time.Now())
	m := New(gormDB, 50*time.Millisecond)
	ctx := context.Background()

	m.TryAcquire(ctx, conv.ID)
	time.Sleep(30 * time.Millisecond)
	if err := m.Touch(ctx, conv.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if got, _ := m.TryAcquire(ctx, conv.ID); got != Busy {
		t.Fatalf("TryAcquire after touch = %s, want busy", got)
	}
}

func TestConcurrent_TryAcquire_OneWinner(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, false, time.Now())
	m := New(gormDB, DefaultStaleAfter)

	const goroutines = 10
	var winners, busy atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for iter := 0; iter < goroutines; iter++ {
		go func() {
			defer wg.Done()
			got, err := m.TryAcquire(context.Background(), conv.ID)
			if err != nil {
				t.Errorf("TryAcquire: %v", err)
				return
			}
			if got.Held() {
				winners.Add(1)
			} else {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("concurrent lease winners = %d, want exactly 1", got)
	}
	if got := busy.Load(); got != goroutines-1 {
		t.Errorf("busy = %d, want %d", got, goroutines-1)
	}
}

func TestConcurrent_ReclaimStale_OneWinner(t *testing.T) {
	gormDB := openLeaseTestDB(t)
	conv := createConversation(t, gormDB, true, time.Now().Add(-10*time.Minute))
	m := New(gormDB, DefaultStaleAfter)

	const goroutines = 8
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for iter := 0; iter < goroutines; iter++ {
		go func() {
			defer wg.Done()
			if got, _ := m.TryAcquire(context.Background(), conv.ID); got.Held() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("stale reclaim winners = %d, want exactly 1", got)
	}
}

func TestAcquisition_String(t *testing.T) {
	for a, want := range map[Acquisition]string{Busy: "busy", Acquired: "acquired", Reclaimed: "reclaimed"} {
		if a.String() != want {
			t.Errorf("String() = %q, want %q", a.String(), want)
		}
	}
}
