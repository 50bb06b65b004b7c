package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/store"
	"github.com/matheus3301/parley/internal/transport"
)

var (
	peer  = model.DirectWith("u2")
	room  = model.CommunityOf("c1")
	base  = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
)

type request struct {
	op      string
	key     model.ConversationKey
	payload any
}

type fakeTransport struct {
	mu        gosync.Mutex
	connected bool
	requests  []request
	subs      []model.ConversationKey
	unsubs    []model.ConversationKey
	// handle overrides the default acknowledgement of an op.
	handle func(op string, payload, out any) error
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) Subscribe(_ context.Context, key model.ConversationKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, key)
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, key model.ConversationKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, key)
	return nil
}

func (f *fakeTransport) Request(_ context.Context, op string, key model.ConversationKey, payload, out any) error {
	f.mu.Lock()
	f.requests = append(f.requests, request{op, key, payload})
	connected, handle := f.connected, f.handle
	f.mu.Unlock()

	if !connected {
		return apperr.ErrNotConnected
	}
	if handle != nil {
		return handle(op, payload, out)
	}
	return ackSend(op, payload, out)
}

func (f *fakeTransport) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		out = append(out, r.op)
	}
	return out
}

// ackSend answers a send with the durable form of the message.
func ackSend(op string, payload, out any) error {
	if op != transport.OpSend {
		return nil
	}
	p := payload.(sendPayload)
	durable := durableOf(p)
	raw, _ := json.Marshal(durable)
	return json.Unmarshal(raw, out)
}

func durableOf(p sendPayload) model.Message {
	return model.Message{
		ID:          "srv-" + p.ClientID,
		ClientID:    p.ClientID,
		SenderID:    "me",
		Content:     p.Content,
		Attachments: p.Attachments,
		CreatedAt:   base.Add(time.Hour),
	}
}

type fakeHistory struct {
	mu    gosync.Mutex
	pages map[int]model.HistoryPage
	pins  []model.PinnedEntry
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeHistory) History(ctx context.Context, key model.ConversationKey, page, _ int) (model.HistoryPage, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return model.HistoryPage{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return model.HistoryPage{}, f.err
	}
	p := f.pages[page]
	out := model.HistoryPage{Total: p.Total, HasMore: p.HasMore}
	for _, m := range p.Messages {
		m.ConversationKey = key
		m.State = model.StateSent
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

func (f *fakeHistory) Pins(_ context.Context, _ model.ConversationKey) ([]model.PinnedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.PinnedEntry(nil), f.pins...), nil
}

// msg builds a durable message created minute minutes after base.
func msg(id, sender string, minute int, content string) model.Message {
	return model.Message{ID: id, SenderID: sender, Content: content, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

type fixture struct {
	s     *Synchronizer
	tr    *fakeTransport
	api   *fakeHistory
	bus   *bus.Bus
	clock *time.Time
}

func newFixture(t *testing.T, db *store.DB) *fixture {
	t.Helper()
	clock := base.Add(20 * time.Minute)
	f := &fixture{
		tr:    &fakeTransport{connected: true},
		api:   &fakeHistory{pages: map[int]model.HistoryPage{}},
		bus:   bus.New(),
		clock: &clock,
	}
	f.s = New(Options{SelfID: "me", Now: func() time.Time { return *f.clock }}, f.tr, f.api, db, f.bus, nil)
	return f
}

// bind installs a thread whose newest page is msgs (given oldest first).
func (f *fixture) bind(t *testing.T, key model.ConversationKey, msgs ...model.Message) {
	t.Helper()
	page := model.HistoryPage{Total: len(msgs)}
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, msgs[i])
	}
	f.api.pages[1] = page
	if err := f.s.Bind(context.Background(), key); err != nil {
		t.Fatalf("Bind(%s) error = %v", key, err)
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		if m.ID != "" {
			out[i] = m.ID
		} else {
			out[i] = "client:" + m.ClientID
		}
	}
	return out
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
