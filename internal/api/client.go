package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Healthy asks the standard health service whether the daemon is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.conn, EventServiceName, "Status", &Empty{})
}

// Watch streams events under namespace to fn until ctx ends or fn returns
// an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(*EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &eventServiceDesc.Streams[0], "/"+EventServiceName+"/Watch", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(EventEnvelope)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) Open(ctx context.Context, conversation string) (*ViewResponse, error) {
	return invoke[ViewResponse](ctx, c.conn, ChatServiceName, "Open", &OpenRequest{Conversation: conversation})
}

func (c *Client) CloseConversation(ctx context.Context) (*Result, error) {
	return invoke[Result](ctx, c.conn, ChatServiceName, "Close", &Empty{})
}

func (c *Client) Snapshot(ctx context.Context) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c.conn, ChatServiceName, "Snapshot", &Empty{})
}

func (c *Client) LoadOlder(ctx context.Context) (*LoadOlderResponse, error) {
	return invoke[LoadOlderResponse](ctx, c.conn, ChatServiceName, "LoadOlder", &Empty{})
}

func (c *Client) Send(ctx context.Context, content string) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.conn, ChatServiceName, "Send", &SendRequest{Content: content})
}

func (c *Client) Retry(ctx context.Context, clientID string) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.conn, ChatServiceName, "Retry", &ClientIDRequest{ClientID: clientID})
}

func (c *Client) Edit(ctx context.Context, id, content string) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.conn, ChatServiceName, "Edit", &EditRequest{ID: id, Content: content})
}

func (c *Client) Delete(ctx context.Context, id string) (*Result, error) {
	return invoke[Result](ctx, c.conn, ChatServiceName, "Delete", &IDRequest{ID: id})
}

func (c *Client) Pin(ctx context.Context, id string) (*Result, error) {
	return invoke[Result](ctx, c.conn, ChatServiceName, "Pin", &IDRequest{ID: id})
}

func (c *Client) Unpin(ctx context.Context, id string) (*Result, error) {
	return invoke[Result](ctx, c.conn, ChatServiceName, "Unpin", &IDRequest{ID: id})
}

func (c *Client) MarkRead(ctx context.Context, peerID string) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c.conn, ChatServiceName, "MarkRead", &MarkReadRequest{PeerID: peerID})
}

func (c *Client) Attach(ctx context.Context, paths []string) (*AttachResponse, error) {
	return invoke[AttachResponse](ctx, c.conn, ChatServiceName, "Attach", &AttachRequest{Paths: paths})
}

func (c *Client) RemoveAttachment(ctx context.Context, index int) (*AttachResponse, error) {
	return invoke[AttachResponse](ctx, c.conn, ChatServiceName, "RemoveAttachment", &IndexRequest{Index: index})
}

func (c *Client) InputChanged(ctx context.Context) (*Result, error) {
	return invoke[Result](ctx, c.conn, ChatServiceName, "InputChanged", &Empty{})
}

func (c *Client) Search(ctx context.Context, query string) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c.conn, ChatServiceName, "Search", &SearchRequest{Query: query})
}

func (c *Client) SearchMove(ctx context.Context, delta int) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c.conn, ChatServiceName, "SearchMove", &MoveRequest{Delta: delta})
}

func (c *Client) SearchClear(ctx context.Context) (*Result, error) {
	return invoke[Result](ctx, c.conn, ChatServiceName, "SearchClear", &Empty{})
}

func (c *Client) Member(ctx context.Context, id string) (*MemberResponse, error) {
	return invoke[MemberResponse](ctx, c.conn, ChatServiceName, "Member", &IDRequest{ID: id})
}

func (c *Client) StartCall(ctx context.Context, receiverID string) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "Start", &StartCallRequest{ReceiverID: receiverID})
}

func (c *Client) AcceptCall(ctx context.Context, roomID string) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "Accept", &RoomRequest{RoomID: roomID})
}

func (c *Client) RejectCall(ctx context.Context, roomID string) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "Reject", &RoomRequest{RoomID: roomID})
}

func (c *Client) EndCall(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "End", &Empty{})
}

func (c *Client) DismissCall(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "Dismiss", &Empty{})
}

func (c *Client) ToggleAudio(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "ToggleAudio", &Empty{})
}

func (c *Client) CallState(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.conn, CallServiceName, "State", &Empty{})
}
