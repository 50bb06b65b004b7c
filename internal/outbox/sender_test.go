package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
)

// mockDispatcher records calls and returns configurable results.
type mockDispatcher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (m *mockDispatcher) Dispatch(_ context.Context, e store.OutboxEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, e.ClientMsgID)
	if err := m.errs[e.ClientMsgID]; err != nil {
		return "", err
	}
	return "server-" + e.ClientMsgID, nil
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queue(t *testing.T, db *store.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := db.QueueOutbox(store.OutboxEntry{ClientMsgID: id, ConversationKey: "direct:u2", Content: "hello " + id}); err != nil {
			t.Fatal(err)
		}
	}
}

func status(t *testing.T, db *store.DB, id string) *store.OutboxEntry {
	t.Helper()
	e, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatalf("outbox entry %s missing", id)
	}
	return e
}

func online() bool { return true }

func TestDrainSendsQueuedEntries(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDispatcher{}
	s := NewSender(Options{}, db, mock, online, b, zap.NewNop())

	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	queue(t, db, "c1", "c2")
	res := s.Drain(context.Background())
	if res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("Drain = %+v, want 2 sent", res)
	}
	if len(mock.calls) != 2 || mock.calls[0] != "c1" {
		t.Errorf("dispatch order = %v, want oldest first", mock.calls)
	}

	e := status(t, db, "c1")
	if e.Status != store.OutboxSent || e.ServerMsgID != "server-c1" || e.Attempts != 1 {
		t.Errorf("entry = %+v", e)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.OutboxDrained {
			t.Errorf("event kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no drained event")
	}
}

func TestDrainMarksRejectedEntriesFailed(t *testing.T) {
	db := testDB(t)
	mock := &mockDispatcher{errs: map[string]error{"c1": apperr.Forbidden("muted")}}
	s := NewSender(Options{}, db, mock, online, bus.New(), nil)

	queue(t, db, "c1", "c2")
	res := s.Drain(context.Background())
	if res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("Drain = %+v", res)
	}
	e := status(t, db, "c1")
	if e.Status != store.OutboxFailed || e.ErrorMessage == "" {
		t.Errorf("entry = %+v, want failed with reason", e)
	}
}

func TestDrainRequeuesOnDisconnect(t *testing.T) {
	db := testDB(t)
	mock := &mockDispatcher{errs: map[string]error{"c1": apperr.ErrNotConnected}}
	s := NewSender(Options{}, db, mock, online, bus.New(), nil)

	queue(t, db, "c1", "c2")
	res := s.Drain(context.Background())
	if res.Requeued != 1 || res.Sent != 0 {
		t.Fatalf("Drain = %+v", res)
	}
	if mock.count() != 1 {
		t.Errorf("pass continued after losing the connection: %v", mock.calls)
	}
	if e := status(t, db, "c1"); e.Status != store.OutboxQueued {
		t.Errorf("status = %s, want queued", e.Status)
	}
}

func TestDrainSkippedWhileDisconnected(t *testing.T) {
	db := testDB(t)
	mock := &mockDispatcher{}
	s := NewSender(Options{}, db, mock, func() bool { return false }, bus.New(), nil)

	queue(t, db, "c1")
	s.Drain(context.Background())
	if mock.count() != 0 {
		t.Errorf("dispatched %d entries while offline", mock.count())
	}
}

func TestDrainGivesUpAfterMaxAttempts(t *testing.T) {
	db := testDB(t)
	mock := &mockDispatcher{errs: map[string]error{"c1": apperr.ErrNotConnected}}
	s := NewSender(Options{MaxAttempts: 2}, db, mock, online, bus.New(), nil)

	queue(t, db, "c1")
	s.Drain(context.Background())
	s.Drain(context.Background())
	res := s.Drain(context.Background())

	if res.Failed != 1 {
		t.Fatalf("third Drain = %+v, want the entry given up", res)
	}
	if mock.count() != 2 {
		t.Errorf("dispatch calls = %d, want 2", mock.count())
	}
	if e := status(t, db, "c1"); e.Status != store.OutboxFailed {
		t.Errorf("status = %s, want failed", e.Status)
	}
}

func TestStartRecoversInterruptedSends(t *testing.T) {
	db := testDB(t)
	mock := &mockDispatcher{}
	s := NewSender(Options{Interval: 10 * time.Millisecond}, db, mock, online, bus.New(), nil)

	queue(t, db, "c1")
	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for status(t, db, "c1").Status != store.OutboxSent {
		if time.Now().After(deadline) {
			t.Fatalf("interrupted send never delivered, status %s", status(t, db, "c1").Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKickDrainsImmediately(t *testing.T) {
	db := testDB(t)
	mock := &mockDispatcher{}
	s := NewSender(Options{Interval: time.Hour}, db, mock, online, bus.New(), nil)
	s.Start(context.Background())
	defer s.Stop()

	queue(t, db, "c1")
	s.Kick()

	deadline := time.Now().Add(2 * time.Second)
	for mock.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Kick did not trigger a drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopIsSafeBeforeStart(t *testing.T) {
	s := NewSender(Options{}, testDB(t), &mockDispatcher{}, online, bus.New(), nil)
	s.Stop()
}
