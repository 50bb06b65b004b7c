package api

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/call"
	"github.com/matheus3301/parley/internal/core"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/search"
	"github.com/matheus3301/parley/internal/status"
	chatsync "github.com/matheus3301/parley/internal/sync"
	"github.com/matheus3301/parley/internal/transport"
	"github.com/matheus3301/parley/internal/typing"
	"github.com/matheus3301/parley/internal/upload"
)

// loopback acknowledges every outbound request and echoes sends back as
// durable messages.
type loopback struct {
	mu  sync.Mutex
	ops []string
}

func (l *loopback) Connected() bool { return true }

func (l *loopback) Subscribe(context.Context, model.ConversationKey) error   { return nil }
func (l *loopback) Unsubscribe(context.Context, model.ConversationKey) error { return nil }

func (l *loopback) Request(_ context.Context, op string, _ model.ConversationKey, payload, out any) error {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
	if op != transport.OpSend {
		return nil
	}
	raw, _ := json.Marshal(payload)
	var p struct {
		ClientID string `json:"clientId"`
		Content  string `json:"content"`
	}
	_ = json.Unmarshal(raw, &p)
	durable, _ := json.Marshal(model.Message{ID: "srv-1", ClientID: p.ClientID, SenderID: "me", Content: p.Content, CreatedAt: time.Now()})
	return json.Unmarshal(durable, out)
}

func (l *loopback) Signal(context.Context, transport.CallSignal) error           { return nil }
func (l *loopback) SendTyping(context.Context, model.ConversationKey, bool) error { return nil }

type emptyHistory struct{}

func (emptyHistory) History(context.Context, model.ConversationKey, int, int) (model.HistoryPage, error) {
	return model.HistoryPage{}, nil
}

func (emptyHistory) Pins(context.Context, model.ConversationKey) ([]model.PinnedEntry, error) {
	return nil, nil
}

type members map[string]model.Member

func (m members) Member(_ context.Context, id string) (model.Member, error) {
	if mem, ok := m[id]; ok {
		return mem, nil
	}
	return model.Member{}, apperr.NotFound("no such member")
}

type env struct {
	client *Client
	bus    *bus.Bus
}

func startServer(t *testing.T) *env {
	t.Helper()
	b := bus.New()
	lb := &loopback{}
	sess := core.New(core.Components{
		Status:  status.NewMachine(b),
		Sync:    chatsync.New(chatsync.Options{SelfID: "me"}, lb, emptyHistory{}, nil, b, nil),
		Typing:  typing.NewController(typing.Options{SelfID: "me"}, lb, b, nil),
		Call:    call.NewMachine(call.Options{SelfID: "me"}, lb, nil, b, nil),
		Staging: upload.NewStaging(upload.DefaultPolicy, nil, b, nil),
		Search:  search.NewIndexer(b),
	}, b, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewChatService(sess, members{"u2": {ID: "u2", DisplayName: "Ada"}}, nil).Register(srv)
	NewCallService(sess.Call()).Register(srv)
	NewEventService("test", sess, b, nil).Register(srv)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	c := NewClient(conn)
	t.Cleanup(func() { _ = c.Close() })
	return &env{client: c, bus: b}
}

func TestOpenAndSend(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	view, err := e.client.Open(ctx, "direct:u2")
	require.NoError(t, err)
	require.True(t, view.Success, view.Message)
	assert.Equal(t, model.DirectWith("u2"), view.View.Conversation)

	sent, err := e.client.Send(ctx, "hello")
	require.NoError(t, err)
	require.True(t, sent.Success, sent.Message)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "srv-1", sent.Message.ID)

	snap, err := e.client.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Snapshot.View.Messages, 1)
	assert.Equal(t, "hello", snap.Snapshot.View.Messages[0].Content)
}

func TestDomainErrorsTravelInResult(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	open, err := e.client.Open(ctx, "group:x")
	require.NoError(t, err)
	assert.False(t, open.Success)
	assert.Equal(t, string(apperr.CodeValidation), open.Code)

	_, err = e.client.Open(ctx, "direct:u2")
	require.NoError(t, err)

	edit, err := e.client.Edit(ctx, "missing", "x")
	require.NoError(t, err)
	assert.False(t, edit.Success)
	assert.Equal(t, string(apperr.CodeNotFound), edit.Code)
	assert.ErrorIs(t, edit.Err(), apperr.New(apperr.CodeNotFound, ""))
	assert.Nil(t, edit.Message)
}

func TestMemberLookup(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	found, err := e.client.Member(ctx, "u2")
	require.NoError(t, err)
	require.True(t, found.Success)
	assert.Equal(t, "Ada", found.Member.DisplayName)

	missing, err := e.client.Member(ctx, "u9")
	require.NoError(t, err)
	assert.Equal(t, string(apperr.CodeNotFound), missing.Code)
}

func TestCallLifecycle(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	started, err := e.client.StartCall(ctx, "u2")
	require.NoError(t, err)
	require.True(t, started.Success, started.Message)
	assert.Equal(t, call.RingingOutgoing, started.State.Status)
	assert.NotEmpty(t, started.RoomID)

	toggled, err := e.client.ToggleAudio(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(apperr.CodeFailedPrecondition), toggled.Code)

	ended, err := e.client.EndCall(ctx)
	require.NoError(t, err)
	require.True(t, ended.Success, ended.Message)
	assert.Equal(t, call.Idle, ended.State.Status)
}

func TestStatusAndHealth(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()

	st, err := e.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, string(status.Offline), st.Status)

	ok, err := e.client.Healthy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatchStreamsBusEvents(t *testing.T) {
	e := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *EventEnvelope, 1)
	go func() {
		_ = e.client.Watch(ctx, "call.", func(evt *EventEnvelope) error {
			got <- evt
			return context.Canceled
		})
	}()

	// The subscription is registered asynchronously; publish until seen.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-got:
			assert.Equal(t, bus.CallStateChanged, evt.Kind)
			assert.NotEmpty(t, evt.EventID)
			assert.JSONEq(t, `{"status":"idle","audioMuted":false}`, string(evt.Payload))
			return
		case <-tick.C:
			e.bus.Emit(bus.CallStateChanged, call.State{Status: call.Idle})
			e.bus.Emit(bus.MessageAppended, "ignored")
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
