package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/matheus3301/parley/internal/call"
)

const CallServiceName = "parley.v1.CallService"

// CallServer is the method set of parley.v1.CallService.
type CallServer interface {
	Start(context.Context, *StartCallRequest) (*CallResponse, error)
	Accept(context.Context, *RoomRequest) (*CallResponse, error)
	Reject(context.Context, *RoomRequest) (*CallResponse, error)
	End(context.Context, *Empty) (*CallResponse, error)
	Dismiss(context.Context, *Empty) (*CallResponse, error)
	ToggleAudio(context.Context, *Empty) (*CallResponse, error)
	State(context.Context, *Empty) (*CallResponse, error)
}

// CallService drives the session's call machine.
type CallService struct {
	machine *call.Machine
}

func NewCallService(m *call.Machine) *CallService {
	return &CallService{machine: m}
}

func (s *CallService) respond(err error) *CallResponse {
	st := s.machine.State()
	return &CallResponse{Result: resultOf(err), RoomID: st.RoomID, Muted: st.AudioMuted, State: st}
}

func (s *CallService) Start(ctx context.Context, req *StartCallRequest) (*CallResponse, error) {
	_, err := s.machine.StartCall(ctx, req.ReceiverID)
	return s.respond(err), nil
}

func (s *CallService) Accept(ctx context.Context, req *RoomRequest) (*CallResponse, error) {
	return s.respond(s.machine.AcceptCall(ctx, req.RoomID)), nil
}

func (s *CallService) Reject(ctx context.Context, req *RoomRequest) (*CallResponse, error) {
	return s.respond(s.machine.RejectCall(ctx, req.RoomID)), nil
}

func (s *CallService) End(ctx context.Context, _ *Empty) (*CallResponse, error) {
	return s.respond(s.machine.EndCall(ctx)), nil
}

func (s *CallService) Dismiss(_ context.Context, _ *Empty) (*CallResponse, error) {
	return s.respond(s.machine.Dismiss()), nil
}

func (s *CallService) ToggleAudio(_ context.Context, _ *Empty) (*CallResponse, error) {
	_, err := s.machine.ToggleLocalAudio()
	return s.respond(err), nil
}

func (s *CallService) State(_ context.Context, _ *Empty) (*CallResponse, error) {
	return s.respond(nil), nil
}

var _ CallServer = (*CallService)(nil)

// Register adds the service to srv.
func (s *CallService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&callServiceDesc, s)
}

var callServiceDesc = grpc.ServiceDesc{
	ServiceName: CallServiceName,
	HandlerType: (*CallServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(CallServiceName, "Start", CallServer.Start),
		unary(CallServiceName, "Accept", CallServer.Accept),
		unary(CallServiceName, "Reject", CallServer.Reject),
		unary(CallServiceName, "End", CallServer.End),
		unary(CallServiceName, "Dismiss", CallServer.Dismiss),
		unary(CallServiceName, "ToggleAudio", CallServer.ToggleAudio),
		unary(CallServiceName, "State", CallServer.State),
	},
	Metadata: "parley/v1/call.json",
}
