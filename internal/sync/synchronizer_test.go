package sync

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/transport"
)

func TestBindInstallsHistoryAndPins(t *testing.T) {
	f := newFixture(t, nil)
	f.api.pins = []model.PinnedEntry{{MessageID: "m1", PinnedBy: "u2", PinnedAt: base}}
	f.bind(t, peer, msg("m1", "u2", 0, "hi"), msg("m2", "me", 1, "hello"))

	v := f.s.View()
	if v.Conversation != peer {
		t.Errorf("conversation = %s, want %s", v.Conversation, peer)
	}
	if got := ids(v.Messages); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Errorf("messages = %v, want [m1 m2]", got)
	}
	if len(v.Pins) != 1 || v.Pins[0].MessageID != "m1" {
		t.Errorf("pins = %+v", v.Pins)
	}
	if v.Syncing {
		t.Error("still syncing after Bind returned")
	}
	if len(f.tr.subs) != 1 || f.tr.subs[0] != peer {
		t.Errorf("subs = %v", f.tr.subs)
	}
}

func TestBindRejectsInvalidKey(t *testing.T) {
	f := newFixture(t, nil)
	err := f.s.Bind(context.Background(), model.ConversationKey{Kind: "group", ID: "x"})
	if !apperr.HasCode(err, apperr.CodeValidation) {
		t.Errorf("Bind error = %v, want VALIDATION", err)
	}
}

func TestRebindDiscardsPreviousConversation(t *testing.T) {
	f := newFixture(t, nil)
	f.api.pins = []model.PinnedEntry{{MessageID: "m1"}}
	f.bind(t, peer, msg("m1", "u2", 0, "hi"))

	f.api.pins = nil
	f.bind(t, room, msg("c-1", "u5", 0, "welcome"))

	if len(f.tr.unsubs) != 1 || f.tr.unsubs[0] != peer {
		t.Errorf("unsubs = %v, want [%s]", f.tr.unsubs, peer)
	}
	v := f.s.View()
	if got := ids(v.Messages); !reflect.DeepEqual(got, []string{"c-1"}) {
		t.Errorf("messages after rebind = %v", got)
	}
	if len(v.Pins) != 0 {
		t.Errorf("pins leaked across conversations: %+v", v.Pins)
	}
}

func TestUnbind(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "u2", 0, "hi"))
	f.s.Unbind(context.Background())

	if !f.s.Key().IsZero() {
		t.Error("still bound after Unbind")
	}
	if len(f.s.Messages()) != 0 {
		t.Error("messages survived Unbind")
	}
	if _, err := f.s.Send(context.Background(), "x", nil); !errors.Is(err, apperr.ErrNotBound) {
		t.Errorf("Send after Unbind error = %v, want ErrNotBound", err)
	}
}

func TestBindFetchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.api.err = errors.New("503")
	err := f.s.Bind(context.Background(), peer)
	if !apperr.HasCode(err, apperr.CodeTransport) {
		t.Fatalf("Bind error = %v, want TRANSPORT", err)
	}
	if f.s.View().Syncing {
		t.Error("syncing flag left set after failed resync")
	}
}

func TestEventsDuringResyncAreBufferedAndReplayed(t *testing.T) {
	f := newFixture(t, nil)
	f.api.gate = make(chan struct{})
	f.api.pages[1] = model.HistoryPage{Messages: []model.Message{msg("m1", "u2", 0, "hi")}}

	done := make(chan error, 1)
	go func() { done <- f.s.Bind(context.Background(), peer) }()

	deadline := time.Now().Add(time.Second)
	for !f.s.View().Syncing || f.s.Key() != peer {
		if time.Now().After(deadline) {
			t.Fatal("bind never started")
		}
		time.Sleep(time.Millisecond)
	}

	live := msg("m2", "u2", 2, "live")
	live.ConversationKey = peer
	f.s.Apply(transport.MessageCreated{Message: live})
	f.s.Apply(transport.MessageEdited{Conversation: peer, ID: "m1", Content: "hi (edited)", UpdatedAt: base.Add(3 * time.Minute)})

	if n := len(f.s.Messages()); n != 0 {
		t.Fatalf("events applied before resync finished: %d messages", n)
	}

	close(f.api.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got := f.s.Messages()
	if !reflect.DeepEqual(ids(got), []string{"m1", "m2"}) {
		t.Fatalf("messages = %v, want [m1 m2]", ids(got))
	}
	if got[0].Content != "hi (edited)" || !got[0].Edited {
		t.Errorf("buffered edit not replayed: %+v", got[0])
	}
}

func TestApplyDropsOtherConversations(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer)

	stray := msg("x1", "u3", 0, "wrong thread")
	stray.ConversationKey = model.DirectWith("u3")
	f.s.Apply(transport.MessageCreated{Message: stray})
	f.s.Apply(transport.MessagePinned{Conversation: room, Entry: model.PinnedEntry{MessageID: "x1"}})

	v := f.s.View()
	if len(v.Messages) != 0 || len(v.Pins) != 0 {
		t.Errorf("foreign events applied: %+v", v)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "u2", 0, "hi"))

	m2 := msg("m2", "u2", 1, "again")
	m2.ConversationKey = peer
	events := []transport.Event{
		transport.MessageCreated{Message: m2},
		transport.MessageEdited{Conversation: peer, ID: "m1", Content: "edited", UpdatedAt: base.Add(time.Minute)},
		transport.MessagePinned{Conversation: peer, Entry: model.PinnedEntry{MessageID: "m2", PinnedBy: "u2", PinnedAt: base}},
		transport.MessageDeleted{Conversation: peer, ID: "m1"},
	}
	for _, e := range events {
		f.s.Apply(e)
	}
	first := f.s.View()
	for _, e := range events {
		f.s.Apply(e)
	}
	second := f.s.View()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("replaying events changed state:\nfirst  %+v\nsecond %+v", first, second)
	}
	if !reflect.DeepEqual(ids(second.Messages), []string{"m2"}) || len(second.Pins) != 1 {
		t.Errorf("unexpected state %+v", second)
	}
}

func TestInboundDeleteRetractsPin(t *testing.T) {
	f := newFixture(t, nil)
	f.api.pins = []model.PinnedEntry{{MessageID: "m1"}}
	f.bind(t, peer, msg("m1", "u2", 0, "hi"))

	f.s.Apply(transport.MessageDeleted{Conversation: peer, ID: "m1"})
	v := f.s.View()
	if len(v.Messages) != 0 || len(v.Pins) != 0 {
		t.Errorf("delete left state behind: %+v", v)
	}
}

func TestInboundReadReceipt(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "me", 0, "mine"), msg("m2", "u2", 1, "theirs"))

	f.s.Apply(transport.MessagesRead{Conversation: peer, ReaderID: "u2"})
	got := f.s.Messages()
	if !got[0].IsRead || got[1].IsRead {
		t.Errorf("peer read receipt should mark only my messages: %+v", got)
	}
}

func TestSendMergesAckIntoOptimisticEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "u2", 0, "hi"))

	sent, err := f.s.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID != "srv-"+sent.ClientID || sent.State != model.StateSent {
		t.Errorf("Send returned %+v", sent)
	}
	got := f.s.Messages()
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[1].ClientID != sent.ClientID || got[1].ID != sent.ID {
		t.Errorf("entry = %+v, want merged durable message", got[1])
	}
}

func TestSendBroadcastBeforeAckYieldsOneEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer)

	f.tr.handle = func(op string, payload, out any) error {
		p := payload.(sendPayload)
		durable := durableOf(p)
		durable.ConversationKey = peer
		f.s.Apply(transport.MessageCreated{Message: durable})
		return ackSend(op, payload, out)
	}

	if _, err := f.s.Send(context.Background(), "race", nil); err != nil {
		t.Fatal(err)
	}
	got := f.s.Messages()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want exactly 1: %v", len(got), ids(got))
	}
	if got[0].State != model.StateSent {
		t.Errorf("state = %s, want sent", got[0].State)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer)

	if _, err := f.s.Send(context.Background(), "   ", nil); !errors.Is(err, apperr.ErrEmptyMessage) {
		t.Errorf("Send error = %v, want ErrEmptyMessage", err)
	}
	if ops := f.tr.ops(); len(ops) != 0 {
		t.Errorf("validation failure reached the network: %v", ops)
	}

	att := []model.Attachment{{FileURL: "u", ProviderRef: "r", FileType: "image/png"}}
	if _, err := f.s.Send(context.Background(), "", att); err != nil {
		t.Errorf("attachment-only Send error = %v", err)
	}
}

func TestSendFailureKeepsFailedEntryAndRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer)

	f.tr.handle = func(op string, payload, out any) error {
		return apperr.New(apperr.CodeForbidden, "muted in this chat")
	}
	_, err := f.s.Send(context.Background(), "hello", nil)
	if !apperr.HasCode(err, apperr.CodeForbidden) {
		t.Fatalf("Send error = %v, want FORBIDDEN", err)
	}
	got := f.s.Messages()
	if len(got) != 1 || got[0].State != model.StateFailed || got[0].Error == "" {
		t.Fatalf("failed entry = %+v", got)
	}

	f.tr.handle = nil
	retried, err := f.s.Retry(context.Background(), got[0].ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.State != model.StateSent {
		t.Errorf("retried state = %s", retried.State)
	}
	if n := len(f.s.Messages()); n != 1 {
		t.Errorf("retry duplicated the entry: %d messages", n)
	}

	if _, err := f.s.Retry(context.Background(), got[0].ClientID); !apperr.HasCode(err, apperr.CodeFailedPrecondition) {
		t.Errorf("retry of sent message error = %v", err)
	}
}

func TestSendWhileDisconnectedIsJournaled(t *testing.T) {
	db := testDB(t)
	f := newFixture(t, db)
	f.bind(t, peer)
	f.tr.setConnected(false)

	queued, err := f.s.Send(context.Background(), "offline hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if queued.State != model.StateQueued {
		t.Errorf("state = %s, want queued", queued.State)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != queued.ClientID || pending[0].ConversationKey != "direct:u2" {
		t.Fatalf("outbox = %+v", pending)
	}

	f.tr.setConnected(true)
	id, err := f.s.Dispatch(context.Background(), pending[0])
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv-"+queued.ClientID {
		t.Errorf("dispatch id = %q", id)
	}
	got := f.s.Messages()
	if len(got) != 1 || got[0].ID != id || got[0].State != model.StateSent {
		t.Errorf("entry after dispatch = %+v", got)
	}
}

func TestSendWithoutJournalFailsWhenDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer)
	f.tr.setConnected(false)

	if _, err := f.s.Send(context.Background(), "x", nil); !errors.Is(err, apperr.ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
	if got := f.s.Messages(); len(got) != 1 || got[0].State != model.StateFailed {
		t.Errorf("entry = %+v, want failed", got)
	}
}

func TestEditRules(t *testing.T) {
	f := newFixture(t, nil)
	// clock is base+20m: m-old is 20 minutes old, the others 5.
	f.bind(t, peer,
		msg("m-old", "me", 0, "old"),
		msg("m-theirs-old", "u2", 0, "theirs old"),
		msg("m-theirs", "u2", 15, "theirs"),
		msg("m-mine", "me", 15, "mine"),
	)

	tests := []struct {
		name    string
		id      string
		content string
		want    apperr.Code
	}{
		{"missing", "nope", "x", apperr.CodeNotFound},
		{"window expired", "m-old", "x", apperr.CodeEditWindowExpired},
		{"window checked before sender", "m-theirs-old", "x", apperr.CodeEditWindowExpired},
		{"not sender", "m-theirs", "x", apperr.CodeForbidden},
		{"empty content", "m-mine", "  ", apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.s.Edit(context.Background(), tt.id, tt.content)
			if got := apperr.CodeOf(err); got != tt.want {
				t.Errorf("Edit error = %v (%s), want %s", err, got, tt.want)
			}
		})
	}
	if ops := f.tr.ops(); len(ops) != 0 {
		t.Errorf("rejected edits reached the network: %v", ops)
	}

	edited, err := f.s.Edit(context.Background(), "m-mine", "mine v2")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "mine v2" || !edited.Edited || edited.UpdatedAt == nil {
		t.Errorf("edited = %+v", edited)
	}
}

func TestEditWindowBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "me", 5, "edge"))
	// exactly 15 minutes old
	if _, err := f.s.Edit(context.Background(), "m1", "still ok"); err != nil {
		t.Errorf("Edit at the window boundary error = %v", err)
	}
}

func TestEditRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "me", 15, "original"))
	f.tr.handle = func(string, any, any) error { return errors.New("timeout") }

	_, err := f.s.Edit(context.Background(), "m1", "changed")
	if !apperr.HasCode(err, apperr.CodeTransport) {
		t.Fatalf("Edit error = %v, want TRANSPORT", err)
	}
	got := f.s.Messages()[0]
	if got.Content != "original" || got.Edited {
		t.Errorf("edit not rolled back: %+v", got)
	}
}

func TestDeleteRemovesPinAndRestoresOnFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.api.pins = []model.PinnedEntry{{MessageID: "m2", PinnedBy: "u2", PinnedAt: base}}
	f.bind(t, peer, msg("m1", "u2", 0, "a"), msg("m2", "me", 1, "b"), msg("m3", "u2", 2, "c"))

	if err := f.s.Delete(context.Background(), "m1"); !errors.Is(err, apperr.ErrNotSender) {
		t.Errorf("Delete of other's message error = %v", err)
	}

	f.tr.handle = func(string, any, any) error { return errors.New("boom") }
	if err := f.s.Delete(context.Background(), "m2"); err == nil {
		t.Fatal("Delete should fail")
	}
	v := f.s.View()
	if !reflect.DeepEqual(ids(v.Messages), []string{"m1", "m2", "m3"}) || len(v.Pins) != 1 {
		t.Fatalf("state not restored: %v pins=%d", ids(v.Messages), len(v.Pins))
	}

	f.tr.handle = nil
	if err := f.s.Delete(context.Background(), "m2"); err != nil {
		t.Fatal(err)
	}
	v = f.s.View()
	if !reflect.DeepEqual(ids(v.Messages), []string{"m1", "m3"}) || len(v.Pins) != 0 {
		t.Errorf("after delete: %v pins=%d", ids(v.Messages), len(v.Pins))
	}
}

func TestPinAndUnpin(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "u2", 0, "pin me"))

	if err := f.s.Pin(context.Background(), "nope"); !errors.Is(err, apperr.ErrMessageNotFound) {
		t.Errorf("Pin of missing message error = %v", err)
	}
	if err := f.s.Pin(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	pins := f.s.View().Pins
	if len(pins) != 1 || pins[0].PinnedBy != "me" || pins[0].Content != "pin me" {
		t.Fatalf("pins = %+v", pins)
	}

	before := len(f.tr.ops())
	if err := f.s.Pin(context.Background(), "m1"); err != nil {
		t.Errorf("re-pin error = %v", err)
	}
	if len(f.tr.ops()) != before {
		t.Error("re-pin reached the network")
	}

	if err := f.s.Unpin(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	if err := f.s.Unpin(context.Background(), "m1"); !errors.Is(err, apperr.ErrPinNotFound) {
		t.Errorf("second Unpin error = %v, want ErrPinNotFound", err)
	}
}

func TestPinRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "u2", 0, "x"))
	f.tr.handle = func(string, any, any) error { return errors.New("boom") }

	if err := f.s.Pin(context.Background(), "m1"); err == nil {
		t.Fatal("Pin should fail")
	}
	if n := len(f.s.View().Pins); n != 0 {
		t.Errorf("pin not rolled back: %d pins", n)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "u2", 0, "a"), msg("m2", "me", 1, "b"))

	n, err := f.s.MarkRead(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("marked %d, want 1", n)
	}
	got := f.s.Messages()
	if !got[0].IsRead || got[1].IsRead {
		t.Errorf("messages = %+v", got)
	}

	if _, err := f.s.MarkRead(context.Background(), "u9"); !apperr.HasCode(err, apperr.CodeValidation) {
		t.Errorf("MarkRead for stranger error = %v", err)
	}

	f.bind(t, room)
	if _, err := f.s.MarkRead(context.Background(), "u2"); !errors.Is(err, apperr.ErrDirectOnly) {
		t.Errorf("MarkRead in community error = %v, want ErrDirectOnly", err)
	}
}

func TestOperationsFailFastWhenDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.api.pins = []model.PinnedEntry{{MessageID: "m1"}}
	f.bind(t, peer, msg("m1", "me", 15, "x"), msg("m2", "me", 16, "y"))
	f.tr.setConnected(false)

	ctx := context.Background()
	checks := map[string]error{}
	_, checks["edit"] = f.s.Edit(ctx, "m1", "z")
	checks["delete"] = f.s.Delete(ctx, "m1")
	checks["pin"] = f.s.Pin(ctx, "m2")
	checks["unpin"] = f.s.Unpin(ctx, "m1")
	_, checks["markRead"] = f.s.MarkRead(ctx, "u2")

	for op, err := range checks {
		if !errors.Is(err, apperr.ErrNotConnected) {
			t.Errorf("%s error = %v, want ErrNotConnected", op, err)
		}
	}
	if ops := f.tr.ops(); len(ops) != 0 {
		t.Errorf("requests issued while disconnected: %v", ops)
	}
}

func TestResultForUnboundConversationIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer)

	f.tr.handle = func(op string, payload, out any) error {
		if op != transport.OpSend {
			return nil
		}
		f.tr.handle = nil
		f.api.pages[1] = model.HistoryPage{}
		if err := f.s.Bind(context.Background(), room); err != nil {
			t.Errorf("rebind: %v", err)
		}
		return errors.New("late failure")
	}

	if _, err := f.s.Send(context.Background(), "hello", nil); err == nil {
		t.Fatal("Send should report the failure")
	}
	v := f.s.View()
	if v.Conversation != room || len(v.Messages) != 0 {
		t.Errorf("stale result leaked into %s: %+v", v.Conversation, v.Messages)
	}
}

func TestLoadOlder(t *testing.T) {
	f := newFixture(t, nil)
	f.api.pages[2] = model.HistoryPage{Messages: []model.Message{msg("m2", "u2", 1, "b"), msg("m1", "u2", 0, "a")}}
	f.api.pages[1] = model.HistoryPage{Messages: []model.Message{msg("m3", "u2", 2, "c")}, HasMore: true}
	if err := f.s.Bind(context.Background(), peer); err != nil {
		t.Fatal(err)
	}

	n, err := f.s.LoadOlder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("added %d, want 2", n)
	}
	v := f.s.View()
	if !reflect.DeepEqual(ids(v.Messages), []string{"m1", "m2", "m3"}) || v.HasMore {
		t.Errorf("view = %v hasMore=%v", ids(v.Messages), v.HasMore)
	}
	if n, _ := f.s.LoadOlder(context.Background()); n != 0 {
		t.Errorf("LoadOlder past the end added %d", n)
	}
}

func TestResyncKeepsUnconfirmedLocalEntries(t *testing.T) {
	db := testDB(t)
	f := newFixture(t, db)
	f.bind(t, peer, msg("m1", "u2", 0, "a"))
	f.tr.setConnected(false)
	queued, err := f.s.Send(context.Background(), "while offline", nil)
	if err != nil {
		t.Fatal(err)
	}

	f.tr.setConnected(true)
	f.api.pages[1] = model.HistoryPage{Messages: []model.Message{msg("m5", "u2", 5, "new"), msg("m1", "u2", 0, "a")}}
	if err := f.s.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := f.s.Messages()
	if len(got) != 3 {
		t.Fatalf("messages = %v", ids(got))
	}
	if _, ok := find(got, queued.ClientID); !ok {
		t.Error("queued entry lost in resync")
	}

	at, ok, err := NewReconciler(db, nil).LastResync(peer)
	if err != nil || !ok || !at.Equal(*f.clock) {
		t.Errorf("checkpoint = %v, %v, %v", at, ok, err)
	}
}

func find(msgs []model.Message, clientID string) (model.Message, bool) {
	for _, m := range msgs {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestJournaledSendSurvivesRebind(t *testing.T) {
	db := testDB(t)
	f := newFixture(t, db)
	ctx := context.Background()
	f.bind(t, peer)
	f.tr.setConnected(false)

	queued, err := f.s.Send(ctx, "offline hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	f.tr.setConnected(true)
	f.bind(t, room)
	f.bind(t, peer)
	got, ok := find(f.s.Messages(), queued.ClientID)
	if !ok {
		t.Fatalf("queued send missing after rebind: %v", ids(f.s.Messages()))
	}
	if got.State != model.StateQueued || got.Content != "offline hello" || got.SenderID != "me" {
		t.Errorf("reinstalled entry = %+v", got)
	}

	// The drain gives up while another conversation is bound.
	f.bind(t, room)
	if err := db.MarkOutboxFailed(queued.ClientID, "muted in this chat"); err != nil {
		t.Fatal(err)
	}
	f.bind(t, peer)
	got, ok = find(f.s.Messages(), queued.ClientID)
	if !ok || got.State != model.StateFailed || got.Error != "muted in this chat" {
		t.Fatalf("failed send after rebind = %+v, %v", got, ok)
	}

	retried, err := f.s.Retry(ctx, queued.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.State != model.StateSent {
		t.Errorf("retried state = %s", retried.State)
	}
	rows, err := db.OutboxByConversation(peer.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("journal still holds %+v", rows)
	}

	f.bind(t, room)
	f.bind(t, peer)
	if _, ok := find(f.s.Messages(), queued.ClientID); ok {
		t.Error("settled send was reinstalled")
	}
}

func TestJournaledSendIsFoldedByHistory(t *testing.T) {
	db := testDB(t)
	f := newFixture(t, db)
	f.bind(t, peer)
	f.tr.setConnected(false)
	queued, err := f.s.Send(context.Background(), "offline hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.tr.setConnected(true)
	f.bind(t, room)

	confirmed := msg("srv-1", "me", 30, "offline hello")
	confirmed.ClientID = queued.ClientID
	f.bind(t, peer, confirmed)

	got := f.s.Messages()
	if len(got) != 1 || got[0].ID != "srv-1" || got[0].State != model.StateSent {
		t.Errorf("messages = %+v", got)
	}
}

func TestViewCarriesResyncCheckpoint(t *testing.T) {
	db := testDB(t)
	f := newFixture(t, db)
	f.bind(t, peer)
	v := f.s.View()
	if v.LastResync == nil || !v.LastResync.Equal(*f.clock) {
		t.Fatalf("LastResync = %v, want %v", v.LastResync, *f.clock)
	}

	// A failed resync of a rebound conversation keeps showing the previous
	// checkpoint.
	f.bind(t, room)
	f.api.err = errors.New("unreachable")
	_ = f.s.Bind(context.Background(), peer)
	v = f.s.View()
	if v.LastResync == nil || !v.LastResync.Equal(*f.clock) {
		t.Errorf("LastResync after failed rebind = %v", v.LastResync)
	}

	f.s.Unbind(context.Background())
	if f.s.View().LastResync != nil {
		t.Error("checkpoint kept after unbind")
	}
}

func TestEditWindowErrorNamesConfiguredWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.s = New(Options{SelfID: "me", EditWindow: 5 * time.Minute, Now: func() time.Time { return *f.clock }}, f.tr, f.api, nil, f.bus, nil)
	f.bind(t, peer, msg("m1", "me", 10, "ten minutes old"))

	_, err := f.s.Edit(context.Background(), "m1", "late")
	if !apperr.HasCode(err, apperr.CodeEditWindowExpired) {
		t.Fatalf("Edit error = %v", err)
	}
	if want := "messages can only be edited within 5 minutes"; err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestEditFailureKeepsConcurrentRemoteEdit(t *testing.T) {
	f := newFixture(t, nil)
	f.bind(t, peer, msg("m1", "me", 15, "original"))
	remoteAt := f.clock.Add(time.Second)
	f.tr.handle = func(op string, _, _ any) error {
		f.s.Apply(transport.MessageEdited{Conversation: peer, ID: "m1", Content: "from another device", UpdatedAt: remoteAt})
		return errors.New("timeout")
	}

	if _, err := f.s.Edit(context.Background(), "m1", "changed"); err == nil {
		t.Fatal("Edit succeeded")
	}
	got := f.s.Messages()[0]
	if got.Content != "from another device" {
		t.Errorf("content = %q, remote edit was rolled back", got.Content)
	}
}
