package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"timevault/pkg/domain"
	"timevault/svc/notify"
	"timevault/svc/svc"
	"timevault/svc/util"
)

// notification_sent flips only after the provider accepts a send; a failed
// send leaves the capsule due for the next sweep.
func TestNotifyFlagFlipsOnlyAfterAcceptedSend(t *testing.T) {
	_, sqlDB, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	capsule := &domain.Capsule{
		ID:             "notifyflag1",
		ShareToken:     util.NewShareToken(),
		Title:          "reunion",
		RecipientEmail: "future@example.com",
		UnlockAt:       time.Now().Add(-time.Minute),
		CreatedAt:      time.Now(),
	}
	if err := sqlDB.Create(ctx, capsule); err != nil {
		t.Fatal(err)
	}

	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	var sends atomic.Int32
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer stub.Close()

	mailer := notify.NewMailer("test-key", "capsules@example.com")
	mailer.SetEndpoint(stub.URL)

	svc.NotifyDue(ctx, sqlDB, mailer, 10, "http://localhost:8080")
	row, err := sqlDB.GetByID(ctx, "notifyflag1")
	if err != nil {
		t.Fatal(err)
	}
	if row.NotificationSent {
		t.Fatal("flag set after a rejected send")
	}
	due, err := sqlDB.DueNotifications(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due capsules after failed send = %d, want 1", len(due))
	}

	status.Store(http.StatusAccepted)
	svc.NotifyDue(ctx, sqlDB, mailer, 10, "http://localhost:8080")
	row, err = sqlDB.GetByID(ctx, "notifyflag1")
	if err != nil {
		t.Fatal(err)
	}
	if !row.NotificationSent {
		t.Fatal("flag not set after an accepted send")
	}
	if got := sends.Load(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}

	due, err = sqlDB.DueNotifications(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("due capsules after delivery = %d, want 0", len(due))
	}
}
