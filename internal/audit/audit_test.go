package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, NewStore(rdb, ttl)
}

func TestStoreSaveAndRecent(t *testing.T) {
	ctx := context.Background()
	_, store := newTestStore(t, time.Hour)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	events := []Event{
		{ID: "e1", Type: EventUserRegistered, Username: "taro", OccurredAt: base},
		{ID: "e2", Type: EventUnauthorizedAccess, Path: "/home/", IP: "10.0.0.9", OccurredAt: base.Add(time.Second)},
		{ID: "e3", Type: EventLoginSucceeded, Username: "taro", OccurredAt: base.Add(2 * time.Second)},
		{ID: "e4", Type: EventLoginSucceeded, Username: "hanako", OccurredAt: base.Add(3 * time.Second)},
	}
	for i := range events {
		if err := store.Save(ctx, &events[i]); err != nil {
			t.Fatalf("Save(%s): %v", events[i].ID, err)
		}
	}

	taro, err := store.Recent(ctx, "taro", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(taro) != 2 || taro[0].ID != "e3" || taro[1].ID != "e1" {
		t.Fatalf("unexpected taro events: %+v", taro)
	}

	all, err := store.Recent(ctx, "", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e4" || all[2].ID != "e2" {
		t.Fatalf("unexpected global events: %+v", all)
	}

	got, err := store.Get(ctx, "e2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Path != "/home/" || got.Username != "" {
		t.Fatalf("unexpected event: %+v", got)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing event, got %+v err=%v", missing, err)
	}
}

func TestStoreExpiredEventsAreSkipped(t *testing.T) {
	ctx := context.Background()
	mr, store := newTestStore(t, time.Minute)

	if err := store.Save(ctx, &Event{ID: "old", Type: EventLogout, Username: "taro"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mr.Del(eventKey("old"))
	if err := store.Save(ctx, &Event{ID: "new", Type: EventLoginSucceeded, Username: "taro"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	events, err := store.Recent(ctx, "taro", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0].ID != "new" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if ttl := mr.TTL(userListKey("taro")); ttl != time.Minute {
		t.Fatalf("user list ttl = %v, want 1m", ttl)
	}
}

func TestStoreCapsListLength(t *testing.T) {
	ctx := context.Background()
	mr, store := newTestStore(t, time.Hour)

	for i := 0; i < maxListLength+5; i++ {
		ev := &Event{ID: fmt.Sprintf("e%d", i), Type: EventLoginFailed, Username: "taro"}
		if err := store.Save(ctx, ev); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	list, err := mr.List(userListKey("taro"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != maxListLength {
		t.Fatalf("list length = %d, want %d", len(list), maxListLength)
	}
}

func TestStoreSaveValidation(t *testing.T) {
	_, store := newTestStore(t, time.Hour)
	if err := store.Save(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil event")
	}
	if err := store.Save(context.Background(), &Event{Type: EventLogout}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestHandleAuditTask(t *testing.T) {
	ctx := context.Background()
	_, store := newTestStore(t, time.Hour)
	m := &Manager{store: store, logger: zap.NewNop()}

	payload, err := json.Marshal(Event{ID: "e1", Type: EventLogout, Username: "taro", OccurredAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := m.handleAuditTask(ctx, asynq.NewTask(taskTypeAudit, payload)); err != nil {
		t.Fatalf("handleAuditTask: %v", err)
	}

	saved, err := store.Get(ctx, "e1")
	if err != nil || saved == nil {
		t.Fatalf("expected saved event, got %+v err=%v", saved, err)
	}
	if saved.Type != EventLogout {
		t.Fatalf("unexpected type: %s", saved.Type)
	}
}

func TestHandleAuditTaskRejectsBadPayload(t *testing.T) {
	_, store := newTestStore(t, time.Hour)
	m := &Manager{store: store, logger: zap.NewNop()}

	cases := map[string][]byte{
		"not json":     []byte("{"),
		"missing id":   []byte(`{"type":"logout"}`),
		"missing type": []byte(`{"id":"e1"}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.handleAuditTask(context.Background(), asynq.NewTask(taskTypeAudit, payload))
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
		})
	}
}

func TestRecordFallsBackToInlineSave(t *testing.T) {
	ctx := context.Background()
	_, store := newTestStore(t, time.Hour)
	fixed := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	m := &Manager{store: store, logger: zap.NewNop(), now: func() time.Time { return fixed }}

	m.Record(ctx, Event{Type: EventLoginSucceeded, Username: "taro"})

	events, err := m.Recent(ctx, "taro", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].ID == "" || !events[0].OccurredAt.Equal(fixed) {
		t.Fatalf("expected id and timestamp to be filled: %+v", events[0])
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	r.Record(context.Background(), Event{Type: EventLogout})
	events, err := r.Recent(context.Background(), "taro", 5)
	if err != nil || events != nil {
		t.Fatalf("unexpected result: %v %v", events, err)
	}
}

func TestEventLabel(t *testing.T) {
	if got := (Event{Type: EventLoginSucceeded}).Label(); got != "ログイン" {
		t.Fatalf("Label() = %q", got)
	}
	if got := (Event{Type: "custom"}).Label(); got != "custom" {
		t.Fatalf("Label() = %q", got)
	}
}
