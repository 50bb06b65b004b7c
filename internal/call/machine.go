package call

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/transport"
)

// DefaultRingTimeout bounds how long a call may ring before giving up.
const DefaultRingTimeout = 40 * time.Second

const signalTimeout = 5 * time.Second

// Signaler delivers call signals to the peer.
type Signaler interface {
	Signal(ctx context.Context, sig transport.CallSignal) error
}

// Media joins and leaves the audio room once signaling has connected.
type Media interface {
	Join(ctx context.Context, roomID string) error
	Leave(roomID string)
	SetAudioEnabled(enabled bool) error
}

// Options configures a Machine.
type Options struct {
	SelfID      string
	RingTimeout time.Duration
	// OnTransition, when set, observes every status change.
	OnTransition func(from, to Status)
}

// Machine is the call signaling state machine of one session.
type Machine struct {
	selfID       string
	ringTimeout  time.Duration
	onTransition func(from, to Status)
	sig          Signaler
	media        Media
	bus          *bus.Bus
	logger       *zap.Logger

	mu    sync.Mutex
	state State
	ring  *time.Timer
}

// NewMachine creates an idle machine. media may be nil when no audio plane is wired.
func NewMachine(opts Options, sig Signaler, media Media, b *bus.Bus, logger *zap.Logger) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		selfID:       opts.SelfID,
		ringTimeout:  opts.RingTimeout,
		onTransition: opts.OnTransition,
		sig:          sig,
		media:        media,
		bus:          b,
		logger:       logger,
		state:        State{Status: Idle},
	}
}

// State returns a copy of the current call state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transitionLocked moves to the given status and applies edit to the new
// state. Entering Idle always forgets the room and its participants.
func (m *Machine) transitionLocked(to Status, edit func(*State)) (State, error) {
	from := m.state.Status
	if err := checkTransition(from, to); err != nil {
		return m.state, err
	}
	next := m.state
	next.Status = to
	if edit != nil {
		edit(&next)
	}
	if to == Idle {
		next.RoomID, next.CallerID, next.ReceiverID = "", "", ""
		next.AudioMuted = false
	}
	if to != RingingOutgoing && to != RingingIncoming {
		m.stopRingLocked()
	}
	m.state = next
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
	m.logger.Debug("call transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return next, nil
}

func (m *Machine) publish(st State) {
	m.bus.Emit(bus.CallStateChanged, st)
}

func (m *Machine) armRingLocked(roomID string) {
	m.stopRingLocked()
	m.ring = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(roomID) })
}

func (m *Machine) stopRingLocked() {
	if m.ring != nil {
		m.ring.Stop()
		m.ring = nil
	}
}

func (m *Machine) signal(ctx context.Context, sig transport.CallSignal) error {
	if m.sig == nil {
		return apperr.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if err := m.sig.Signal(ctx, sig); err != nil {
		return apperr.Transport("call "+string(sig.Type), err)
	}
	return nil
}

// StartCall rings receiverID in a fresh room and returns the room id.
func (m *Machine) StartCall(ctx context.Context, receiverID string) (string, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return "", apperr.Validation("receiver id is required")
	}
	if receiverID == m.selfID {
		return "", apperr.Validation("cannot call yourself")
	}

	roomID := uuid.NewString()
	m.mu.Lock()
	if m.state.Status != Idle {
		m.mu.Unlock()
		return "", apperr.FailedPrecondition("a call is already in progress")
	}
	st, err := m.transitionLocked(RingingOutgoing, func(s *State) {
		s.RoomID = roomID
		s.CallerID = m.selfID
		s.ReceiverID = receiverID
		s.Error = ""
	})
	if err != nil {
		m.mu.Unlock()
		return "", apperr.Wrap(apperr.CodeInternal, "start call", err)
	}
	m.armRingLocked(roomID)
	m.mu.Unlock()
	m.publish(st)

	err = m.signal(ctx, transport.CallSignal{
		Type:       transport.SignalOffer,
		RoomID:     roomID,
		CallerID:   m.selfID,
		ReceiverID: receiverID,
	})
	if err != nil {
		m.fail(roomID, err.Error())
		return "", err
	}
	return roomID, nil
}

// ringExpired ends a call nobody answered.
func (m *Machine) ringExpired(roomID string) {
	m.mu.Lock()
	if m.state.RoomID != roomID {
		m.mu.Unlock()
		return
	}
	prev := m.state
	var msg string
	switch prev.Status {
	case RingingOutgoing:
		msg = errNoAnswer
	case RingingIncoming:
		msg = errMissed
	default:
		m.mu.Unlock()
		return
	}
	st, _ := m.transitionLocked(Idle, func(s *State) { s.Error = msg })
	m.mu.Unlock()
	m.publish(st)

	if prev.Status == RingingOutgoing {
		err := m.signal(context.Background(), transport.CallSignal{
			Type:       transport.SignalEnd,
			RoomID:     roomID,
			CallerID:   prev.CallerID,
			ReceiverID: prev.ReceiverID,
			Reason:     errNoAnswer,
		})
		if err != nil {
			m.logger.Warn("ring timeout end signal failed", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// HandleSignal applies a remote signal. Signals for another room are ignored.
func (m *Machine) HandleSignal(ctx context.Context, sig transport.CallSignal) {
	switch sig.Type {
	case transport.SignalOffer:
		m.handleOffer(ctx, sig)
	case transport.SignalAccept:
		m.handleAccept(ctx, sig)
	case transport.SignalReject:
		m.handleReject(sig)
	case transport.SignalEnd:
		m.handleEnd(sig)
	default:
		m.logger.Debug("ignoring unknown call signal", zap.String("type", string(sig.Type)))
	}
}

func (m *Machine) handleOffer(ctx context.Context, sig transport.CallSignal) {
	if sig.CallerID == m.selfID || (sig.ReceiverID != "" && sig.ReceiverID != m.selfID) {
		return
	}
	m.mu.Lock()
	if m.state.Status != Idle {
		duplicate := m.state.RoomID == sig.RoomID
		m.mu.Unlock()
		if duplicate {
			return
		}
		err := m.signal(ctx, transport.CallSignal{
			Type:       transport.SignalReject,
			RoomID:     sig.RoomID,
			CallerID:   sig.CallerID,
			ReceiverID: m.selfID,
			Reason:     ReasonBusy,
		})
		if err != nil {
			m.logger.Warn("busy reject failed", zap.String("room", sig.RoomID), zap.Error(err))
		}
		return
	}
	st, err := m.transitionLocked(RingingIncoming, func(s *State) {
		s.RoomID = sig.RoomID
		s.CallerID = sig.CallerID
		s.ReceiverID = m.selfID
		s.Error = ""
	})
	if err != nil {
		m.mu.Unlock()
		return
	}
	m.armRingLocked(sig.RoomID)
	m.mu.Unlock()
	m.publish(st)
}

func (m *Machine) handleAccept(ctx context.Context, sig transport.CallSignal) {
	m.mu.Lock()
	if m.state.Status != RingingOutgoing || m.state.RoomID != sig.RoomID {
		m.mu.Unlock()
		return
	}
	st, err := m.transitionLocked(Connected, nil)
	m.mu.Unlock()
	if err != nil {
		return
	}
	m.publish(st)
	m.join(ctx, sig.RoomID)
}

func (m *Machine) handleReject(sig transport.CallSignal) {
	m.mu.Lock()
	if m.state.Status != RingingOutgoing || m.state.RoomID != sig.RoomID {
		m.mu.Unlock()
		return
	}
	msg := errRejected
	if sig.Reason == ReasonBusy {
		msg = errBusy
	}
	st, err := m.transitionLocked(Idle, func(s *State) { s.Error = msg })
	m.mu.Unlock()
	if err != nil {
		return
	}
	m.publish(st)
}

func (m *Machine) handleEnd(sig transport.CallSignal) {
	m.mu.Lock()
	if m.state.Status == Idle || m.state.RoomID != sig.RoomID {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state.Status == Connected
	st, err := m.transitionLocked(Idle, func(s *State) { s.Error = "" })
	m.mu.Unlock()
	if err != nil {
		return
	}
	if wasConnected && m.media != nil {
		m.media.Leave(sig.RoomID)
	}
	m.publish(st)
}

// AcceptCall answers the incoming call in roomID.
func (m *Machine) AcceptCall(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.state.Status != RingingIncoming || m.state.RoomID != roomID {
		m.mu.Unlock()
		return apperr.FailedPrecondition("no incoming call for this room")
	}
	callerID := m.state.CallerID
	st, err := m.transitionLocked(Connected, nil)
	m.mu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "accept call", err)
	}
	m.publish(st)

	err = m.signal(ctx, transport.CallSignal{
		Type:       transport.SignalAccept,
		RoomID:     roomID,
		CallerID:   callerID,
		ReceiverID: m.selfID,
	})
	if err != nil {
		m.fail(roomID, err.Error())
		return err
	}
	return m.join(ctx, roomID)
}

// RejectCall declines the incoming call in roomID.
func (m *Machine) RejectCall(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.state.Status != RingingIncoming || m.state.RoomID != roomID {
		m.mu.Unlock()
		return apperr.FailedPrecondition("no incoming call for this room")
	}
	callerID := m.state.CallerID
	st, err := m.transitionLocked(Idle, func(s *State) { s.Error = "" })
	m.mu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "reject call", err)
	}
	m.publish(st)

	return m.signal(ctx, transport.CallSignal{
		Type:       transport.SignalReject,
		RoomID:     roomID,
		CallerID:   callerID,
		ReceiverID: m.selfID,
		Reason:     ReasonDeclined,
	})
}

// EndCall hangs up, cancelling a ringing call as well. The peer is notified
// with an end signal. Ending while idle is a no-op.
func (m *Machine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	prev := m.state
	switch prev.Status {
	case Idle:
		m.mu.Unlock()
		return nil
	case Failed:
		st, _ := m.transitionLocked(Idle, nil)
		m.mu.Unlock()
		m.publish(st)
		return nil
	}
	st, err := m.transitionLocked(Idle, func(s *State) { s.Error = "" })
	m.mu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "end call", err)
	}
	if prev.Status == Connected && m.media != nil {
		m.media.Leave(prev.RoomID)
	}
	m.publish(st)

	return m.signal(ctx, transport.CallSignal{
		Type:       transport.SignalEnd,
		RoomID:     prev.RoomID,
		CallerID:   prev.CallerID,
		ReceiverID: prev.ReceiverID,
	})
}

// Dismiss acknowledges a call error and returns to idle. In idle it clears
// the last error left by a finished call.
func (m *Machine) Dismiss() error {
	m.mu.Lock()
	var st State
	switch m.state.Status {
	case Failed:
		st, _ = m.transitionLocked(Idle, func(s *State) { s.Error = "" })
	case Idle:
		if m.state.Error == "" {
			m.mu.Unlock()
			return nil
		}
		m.state.Error = ""
		st = m.state
	default:
		m.mu.Unlock()
		return apperr.FailedPrecondition("call is still active")
	}
	m.mu.Unlock()
	m.publish(st)
	return nil
}

// ToggleLocalAudio mutes or unmutes the microphone and returns the new muted
// flag. It only applies to a connected call.
func (m *Machine) ToggleLocalAudio() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != Connected {
		return m.state.AudioMuted, apperr.FailedPrecondition("audio can only be toggled during a connected call")
	}
	muted := !m.state.AudioMuted
	if m.media != nil {
		if err := m.media.SetAudioEnabled(!muted); err != nil {
			return m.state.AudioMuted, apperr.Wrap(apperr.CodeInternal, "toggle audio", err)
		}
	}
	m.state.AudioMuted = muted
	m.bus.Emit(bus.CallStateChanged, m.state)
	return muted, nil
}

// Fail moves an active call into the error state after an unrecoverable
// signaling failure.
func (m *Machine) Fail(reason string) {
	m.fail("", reason)
}

func (m *Machine) fail(roomID, reason string) {
	m.mu.Lock()
	if m.state.Status == Idle || m.state.Status == Failed || (roomID != "" && m.state.RoomID != roomID) {
		m.mu.Unlock()
		return
	}
	prev := m.state
	st, err := m.transitionLocked(Failed, func(s *State) { s.Error = reason })
	m.mu.Unlock()
	if err != nil {
		return
	}
	if prev.Status == Connected && m.media != nil {
		m.media.Leave(prev.RoomID)
	}
	m.publish(st)
}

// Reset ends whatever call is active and leaves the machine idle with no
// error. It is used when the session navigates away.
func (m *Machine) Reset(ctx context.Context) {
	if err := m.EndCall(ctx); err != nil {
		m.logger.Debug("end call on reset", zap.Error(err))
	}
	_ = m.Dismiss()
}

func (m *Machine) join(ctx context.Context, roomID string) error {
	if m.media == nil {
		return nil
	}
	if err := m.media.Join(ctx, roomID); err != nil {
		m.fail(roomID, err.Error())
		return apperr.Wrap(apperr.CodeInternal, "join audio room", err)
	}
	return nil
}
