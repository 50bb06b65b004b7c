package api

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/core"
	"github.com/matheus3301/parley/internal/model"
)

const ChatServiceName = "parley.v1.ChatService"

// Members looks up platform users. *restapi.Client implements it.
type Members interface {
	Member(ctx context.Context, id string) (model.Member, error)
}

// ChatServer is the method set of parley.v1.ChatService.
type ChatServer interface {
	Open(context.Context, *OpenRequest) (*ViewResponse, error)
	Close(context.Context, *Empty) (*Result, error)
	Snapshot(context.Context, *Empty) (*SnapshotResponse, error)
	LoadOlder(context.Context, *Empty) (*LoadOlderResponse, error)
	Send(context.Context, *SendRequest) (*MessageResponse, error)
	Retry(context.Context, *ClientIDRequest) (*MessageResponse, error)
	Edit(context.Context, *EditRequest) (*MessageResponse, error)
	Delete(context.Context, *IDRequest) (*Result, error)
	Pin(context.Context, *IDRequest) (*Result, error)
	Unpin(context.Context, *IDRequest) (*Result, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	Attach(context.Context, *AttachRequest) (*AttachResponse, error)
	RemoveAttachment(context.Context, *IndexRequest) (*AttachResponse, error)
	InputChanged(context.Context, *Empty) (*Result, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	SearchMove(context.Context, *MoveRequest) (*SearchResponse, error)
	SearchClear(context.Context, *Empty) (*Result, error)
	Member(context.Context, *IDRequest) (*MemberResponse, error)
}

// ChatService exposes the bound conversation to rendering collaborators.
type ChatService struct {
	session *core.Session
	members Members
	logger  *zap.Logger
}

// NewChatService creates a chat service over session. members may be nil.
func NewChatService(session *core.Session, members Members, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{session: session, members: members, logger: logger}
}

func (s *ChatService) Open(ctx context.Context, req *OpenRequest) (*ViewResponse, error) {
	key, err := model.ParseConversationKey(req.Conversation)
	if err != nil {
		return &ViewResponse{Result: resultOf(apperr.Wrap(apperr.CodeValidation, "invalid conversation", err))}, nil
	}
	err = s.session.Open(ctx, key)
	return &ViewResponse{Result: resultOf(err), View: s.session.Sync().View()}, nil
}

func (s *ChatService) Close(ctx context.Context, _ *Empty) (*Result, error) {
	s.session.Close(ctx)
	r := resultOf(nil)
	return &r, nil
}

func (s *ChatService) Snapshot(_ context.Context, _ *Empty) (*SnapshotResponse, error) {
	return &SnapshotResponse{Result: resultOf(nil), Snapshot: s.session.Snapshot()}, nil
}

func (s *ChatService) LoadOlder(ctx context.Context, _ *Empty) (*LoadOlderResponse, error) {
	n, err := s.session.LoadOlder(ctx)
	return &LoadOlderResponse{Result: resultOf(err), Added: n, HasMore: s.session.Sync().View().HasMore}, nil
}

func (s *ChatService) Send(ctx context.Context, req *SendRequest) (*MessageResponse, error) {
	m, err := s.session.Send(ctx, req.Content)
	return messageResponse(m, err), nil
}

func (s *ChatService) Retry(ctx context.Context, req *ClientIDRequest) (*MessageResponse, error) {
	m, err := s.session.Sync().Retry(ctx, req.ClientID)
	return messageResponse(m, err), nil
}

func (s *ChatService) Edit(ctx context.Context, req *EditRequest) (*MessageResponse, error) {
	m, err := s.session.Edit(ctx, req.ID, req.Content)
	return messageResponse(m, err), nil
}

func (s *ChatService) Delete(ctx context.Context, req *IDRequest) (*Result, error) {
	r := resultOf(s.session.Delete(ctx, req.ID))
	return &r, nil
}

func (s *ChatService) Pin(ctx context.Context, req *IDRequest) (*Result, error) {
	r := resultOf(s.session.Sync().Pin(ctx, req.ID))
	return &r, nil
}

func (s *ChatService) Unpin(ctx context.Context, req *IDRequest) (*Result, error) {
	r := resultOf(s.session.Sync().Unpin(ctx, req.ID))
	return &r, nil
}

func (s *ChatService) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	n, err := s.session.Sync().MarkRead(ctx, req.PeerID)
	return &MarkReadResponse{Result: resultOf(err), Count: n}, nil
}

func (s *ChatService) Attach(ctx context.Context, req *AttachRequest) (*AttachResponse, error) {
	added, err := s.session.Staging().Add(ctx, req.Paths)
	return &AttachResponse{Result: resultOf(err), Added: added, Pending: s.session.Staging().Pending()}, nil
}

func (s *ChatService) RemoveAttachment(_ context.Context, req *IndexRequest) (*AttachResponse, error) {
	_, err := s.session.Staging().Remove(req.Index)
	return &AttachResponse{Result: resultOf(err), Pending: s.session.Staging().Pending()}, nil
}

func (s *ChatService) InputChanged(_ context.Context, _ *Empty) (*Result, error) {
	s.session.Typing().InputChanged()
	r := resultOf(nil)
	return &r, nil
}

func (s *ChatService) Search(_ context.Context, req *SearchRequest) (*SearchResponse, error) {
	cur, err := s.session.Search(req.Query)
	return &SearchResponse{Result: resultOf(err), Cursor: cur}, nil
}

func (s *ChatService) SearchMove(_ context.Context, req *MoveRequest) (*SearchResponse, error) {
	cur, err := s.session.Indexer().Move(req.Delta)
	return &SearchResponse{Result: resultOf(err), Cursor: cur}, nil
}

func (s *ChatService) SearchClear(_ context.Context, _ *Empty) (*Result, error) {
	s.session.Indexer().Clear()
	r := resultOf(nil)
	return &r, nil
}

func (s *ChatService) Member(ctx context.Context, req *IDRequest) (*MemberResponse, error) {
	if s.members == nil {
		return &MemberResponse{Result: resultOf(apperr.FailedPrecondition("member lookup is not configured"))}, nil
	}
	m, err := s.members.Member(ctx, req.ID)
	if err != nil {
		return &MemberResponse{Result: resultOf(err)}, nil
	}
	return &MemberResponse{Result: resultOf(nil), Member: &m}, nil
}

func messageResponse(m model.Message, err error) *MessageResponse {
	resp := &MessageResponse{Result: resultOf(err)}
	if m.ID != "" || m.ClientID != "" {
		resp.Message = &m
	}
	return resp
}

var _ ChatServer = (*ChatService)(nil)

// Register adds the service to srv.
func (s *ChatService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&chatServiceDesc, s)
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "Open", ChatServer.Open),
		unary(ChatServiceName, "Close", ChatServer.Close),
		unary(ChatServiceName, "Snapshot", ChatServer.Snapshot),
		unary(ChatServiceName, "LoadOlder", ChatServer.LoadOlder),
		unary(ChatServiceName, "Send", ChatServer.Send),
		unary(ChatServiceName, "Retry", ChatServer.Retry),
		unary(ChatServiceName, "Edit", ChatServer.Edit),
		unary(ChatServiceName, "Delete", ChatServer.Delete),
		unary(ChatServiceName, "Pin", ChatServer.Pin),
		unary(ChatServiceName, "Unpin", ChatServer.Unpin),
		unary(ChatServiceName, "MarkRead", ChatServer.MarkRead),
		unary(ChatServiceName, "Attach", ChatServer.Attach),
		unary(ChatServiceName, "RemoveAttachment", ChatServer.RemoveAttachment),
		unary(ChatServiceName, "InputChanged", ChatServer.InputChanged),
		unary(ChatServiceName, "Search", ChatServer.Search),
		unary(ChatServiceName, "SearchMove", ChatServer.SearchMove),
		unary(ChatServiceName, "SearchClear", ChatServer.SearchClear),
		unary(ChatServiceName, "Member", ChatServer.Member),
	},
	Metadata: "parley/v1/chat.json",
}
