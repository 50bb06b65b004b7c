package api

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/core"
)

const EventServiceName = "parley.v1.EventService"

// EventServer is the method set of parley.v1.EventService.
type EventServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Watch(*WatchRequest, grpc.ServerStream) error
}

// EventService reports session status and streams bus events.
type EventService struct {
	sessionName string
	startedAt   time.Time
	session     *core.Session
	bus         *bus.Bus
	logger      *zap.Logger
}

func NewEventService(sessionName string, session *core.Session, b *bus.Bus, logger *zap.Logger) *EventService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		session:     session,
		bus:         b,
		logger:      logger,
	}
}

func (s *EventService) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	st := s.session.Status()
	return &StatusResponse{
		Session:      s.sessionName,
		Status:       string(st.Current()),
		SinceUnixMs:  st.Since().UnixMilli(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		Pid:          os.Getpid(),
		Conversation: s.session.Sync().Key().String(),
	}, nil
}

// Watch streams every bus event under req.Namespace until the caller goes away.
func (s *EventService) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(&EventEnvelope{
				EventID:          uuid.NewString(),
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
				PayloadVersion:   1,
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

var _ EventServer = (*EventService)(nil)

// Register adds the service to srv.
func (s *EventService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&eventServiceDesc, s)
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: EventServiceName,
	HandlerType: (*EventServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(EventServiceName, "Status", EventServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(EventServer).Watch(in, stream)
			},
		},
	},
	Metadata: "parley/v1/event.json",
}
