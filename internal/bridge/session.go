package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPollInterval is how often a session probes the link.
const defaultPollInterval = time.Second

// State is a session lifecycle state.
type State int

// Session states. A session only moves forward through these.
const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// EmitFunc delivers a status event to the session's client. It must not
// block; the gateway queues the frame for its write pump.
type EmitFunc func(StatusEvent)

// SessionOptions configures a Session.
type SessionOptions struct {
	// ID identifies the session in logs. Generated when empty.
	ID string

	// Device is the shared link. The session never closes it.
	Device Device

	// Emit receives status events, in the order they are observed.
	Emit EmitFunc

	// PollInterval between link probes. Default: 1 second.
	PollInterval time.Duration

	// AnnounceOnAttach emits one status event with the current state as
	// soon as the session starts. That observation is also the baseline,
	// so it is never repeated as an edge. Announcing is intentional even
	// though status is otherwise edge-only: a fresh client has no previous
	// state, so its first observation counts as a change.
	AnnounceOnAttach bool

	Logger Logger
}

// Session pairs one client channel with the shared device link.
//
// Thread Safety:
//   - Handle must be called from a single goroutine (the channel's reader),
//     which keeps client messages in arrival order.
//   - Start, Close, State and ID are safe for concurrent use.
type Session struct {
	id         string
	device     Device
	dispatcher *Dispatcher
	emit       EmitFunc
	interval   time.Duration
	announce   bool
	logger     Logger

	// statusMu guards the tracker and serialises every emission, so an
	// explicit reconnect report and a poll edge can never interleave.
	statusMu sync.Mutex
	tracker  statusTracker
	closed   bool

	stateMu  sync.Mutex
	state    State
	started  bool
	cancel   context.CancelFunc
	pollDone chan struct{}
}

// NewSession creates an active session. Call Start to begin polling.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Device == nil {
		return nil, ErrNoDevice
	}
	if opts.Emit == nil {
		return nil, ErrNoEmitter
	}

	dispatcher, err := NewDispatcher(opts.Device)
	if err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = "ses-" + uuid.NewString()[:8]
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Session{
		id:         id,
		device:     opts.Device,
		dispatcher: dispatcher,
		emit:       opts.Emit,
		interval:   interval,
		announce:   opts.AnnounceOnAttach,
		logger:     opts.Logger,
		state:      StateActive,
		pollDone:   make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Start launches the status-poll goroutine. It stops when ctx is cancelled
// or Close is called. Calling Start more than once has no effect.
func (s *Session) Start(ctx context.Context) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.started || s.state != StateActive {
		return
	}
	s.started = true

	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.pollLoop(pollCtx)
}

// Handle decodes one client frame and dispatches it.
//
// Malformed frames and unknown types are dropped silently. A non-nil error
// means the session can no longer serve the client (closed, or a dispatch
// fault) and the caller should end the channel.
func (s *Session) Handle(ctx context.Context, raw []byte) (err error) {
	if s.State() != StateActive {
		return ErrSessionClosed
	}

	defer func() {
		if r := recover(); r != nil {
			s.logError("dispatch panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrDispatchFault, r)
		}
	}()

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		s.logDebug("ignoring malformed client message", "error", err)
		return nil
	}

	if !s.dispatcher.Known(msg.Type) {
		s.logDebug("ignoring unknown client message type", "type", msg.Type)
		return nil
	}

	if !s.dispatcher.ReportsStatus(msg.Type) {
		s.dispatcher.Dispatch(ctx, msg)
		return nil
	}

	// Hold statusMu across the call so the poll loop cannot report the
	// same transition first.
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	ev, _ := s.dispatcher.Dispatch(ctx, msg)
	if ev != nil {
		s.tracker.Set(ev.Data.RobotConnected)
		s.emitLocked(*ev)
	}
	return nil
}

// Close ends the session: the poll goroutine is cancelled and awaited, and
// no status event is emitted once Close returns. The device link is not
// touched. Safe to call multiple times.
func (s *Session) Close() {
	s.stateMu.Lock()
	if s.state != StateActive {
		s.stateMu.Unlock()
		return
	}
	s.state = StateClosing
	cancel := s.cancel
	started := s.started
	s.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-s.pollDone
	}

	s.statusMu.Lock()
	s.closed = true
	s.statusMu.Unlock()

	s.stateMu.Lock()
	s.state = StateClosed
	s.stateMu.Unlock()

	s.logDebug("session closed")
}

func (s *Session) pollLoop(ctx context.Context) {
	defer close(s.pollDone)
	defer func() {
		if r := recover(); r != nil {
			s.logError("status poll panicked", "panic", r)
		}
	}()

	if s.announce {
		s.announceState(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// announceState sends the current state once and makes it the baseline.
func (s *Session) announceState(ctx context.Context) {
	s.device.RefreshConnectionState()
	connected := s.device.IsConnected()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	s.tracker.Set(connected)
	s.emitLocked(NewStatusEvent(connected))
}

// poll probes the link and emits an event on a state edge.
func (s *Session) poll(ctx context.Context) {
	s.device.RefreshConnectionState()
	connected := s.device.IsConnected()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if !s.tracker.Observe(connected) {
		return
	}
	s.logInfo("robot connection changed", "robot_connected", connected)
	s.emitLocked(NewStatusEvent(connected))
}

// emitLocked delivers ev unless the session is closed. Caller holds statusMu.
func (s *Session) emitLocked(ev StatusEvent) {
	if s.closed {
		return
	}
	s.emit(ev)
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, append([]any{"session_id", s.id}, keysAndValues...)...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, append([]any{"session_id", s.id}, keysAndValues...)...)
	}
}

func (s *Session) logError(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Error(msg, append([]any{"session_id", s.id}, keysAndValues...)...)
	}
}
