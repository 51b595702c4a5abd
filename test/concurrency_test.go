package test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"timevault/pkg/domain"
)

// Exactly one of N simultaneous first-opens on an open-once capsule may
// disclose; the rest must land on the exhausted denial.
func TestConcurrentOpenOnceSingleWinner(t *testing.T) {
	capsuleSvc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	params := unlockedParams("race", "only one of you sees this")
	params.OpenOnce = true
	result, err := capsuleSvc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	token := result.Capsule.ShareToken
	waitForUnlock()

	const workers = 20
	var wg sync.WaitGroup
	var disclosed, exhausted, other int64
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := capsuleSvc.Verify(ctx, token, nil)
			switch {
			case err == nil:
				atomic.AddInt64(&disclosed, 1)
			case errors.Is(err, domain.ErrAlreadyOpened):
				atomic.AddInt64(&exhausted, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if disclosed != 1 {
		t.Errorf("disclosed = %d, want exactly 1", disclosed)
	}
	if exhausted != workers-1 {
		t.Errorf("exhausted = %d, want %d", exhausted, workers-1)
	}
	if other != 0 {
		t.Errorf("unexpected errors: %d", other)
	}
}

// The conditional update itself: many racers, one row transition.
func TestMarkOpenedConditionalUpdate(t *testing.T) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	defer sqlDB.Close()
	ctx := context.Background()

	capsule := &domain.Capsule{
		ID:         "markcas01",
		ShareToken: "9f1c8f6e-2f49-4f7a-9c53-1be1a1d09db1",
		Title:      "cas",
		UnlockAt:   time.Now().Add(-time.Minute),
		CreatedAt:  time.Now(),
	}
	if err := sqlDB.Create(ctx, capsule); err != nil {
		t.Fatal(err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var wins int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := sqlDB.MarkOpened(ctx, capsule.ShareToken)
			if err != nil {
				t.Errorf("mark opened: %v", err)
				return
			}
			if won {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	got, err := sqlDB.GetByShareToken(ctx, capsule.ShareToken)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsOpened {
		t.Error("capsule should be opened")
	}
}

func TestMarkNotifiedConditionalUpdate(t *testing.T) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	defer sqlDB.Close()
	ctx := context.Background()

	capsule := &domain.Capsule{
		ID:             "notifcas1",
		ShareToken:     "b3a9d7c2-5e10-4a6f-8d21-77f0c4e9ab52",
		Title:          "notify",
		RecipientEmail: "future@example.com",
		UnlockAt:       time.Now().Add(-time.Minute),
		CreatedAt:      time.Now(),
	}
	if err := sqlDB.Create(ctx, capsule); err != nil {
		t.Fatal(err)
	}

	due, err := sqlDB.DueNotifications(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	const workers = 20
	var wg sync.WaitGroup
	var wins int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := sqlDB.MarkNotified(ctx, capsule.ID)
			if err != nil {
				t.Errorf("mark notified: %v", err)
				return
			}
			if won {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}

	due, err = sqlDB.DueNotifications(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("due after claim = %d, want 0", len(due))
	}
}
