package wamp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a Session's position in the NEW -> ... -> CLOSED/FAILED
// lifecycle.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateHandshaking
	StateChallenged
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateChallenged:
		return "CHALLENGED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// OnChallengeFunc answers a router's CHALLENGE with a signature. Supplying
// none and receiving a CHALLENGE anyway is an AuthError.
type OnChallengeFunc func(authMethod string, extra Details) (signature string, err error)

// InvocationFunc handles an INVOCATION for a registered procedure. A
// non-nil *WampError return becomes the ERROR sent back to the router
// verbatim; any other error is wrapped as wamp.error.runtime_error.
type InvocationFunc func(args []interface{}, kwargs Details) (result interface{}, err error)

// EventFunc handles an EVENT for a subscribed topic. Panics inside an
// EventFunc are recovered and logged, never propagated to the dispatcher.
type EventFunc func(args []interface{}, kwargs Details)

// SessionConfig configures a Session's handshake and ambient behavior.
type SessionConfig struct {
	Realm          string
	Roles          Details
	OnChallenge    OnChallengeFunc
	CallTimeout    time.Duration
	GoodbyeTimeout time.Duration
	Logger         *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Roles == nil {
		c.Roles = Details{
			"caller":     Details{},
			"callee":     Details{"features": Details{}},
			"publisher":  Details{},
			"subscriber": Details{},
		}
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.GoodbyeTimeout <= 0 {
		c.GoodbyeTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// pendingTable is a req_id-keyed table of waiters, guarded by Session.mu.
type pendingTable map[int64]chan interface{}

// Session owns one WAMP connection: the transport, the HELLO/WELCOME/
// GOODBYE lifecycle, the request-id allocator, and the correlation tables
// the dispatcher and role operations both touch.
type Session struct {
	cfg     SessionConfig
	dial    DialFunc
	traceID string
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID int64
	transport Transport

	nextReqID int64

	pendingCalls           pendingTable
	pendingRegistrations   pendingTable
	pendingUnregistrations pendingTable
	pendingSubscriptions   pendingTable
	pendingPublishes       pendingTable

	invocationHandlers map[int64]InvocationFunc
	eventHandlers      map[int64]EventFunc

	registrationMap map[string]int64 // procedure -> registration_id
	subscriptionMap map[string]int64 // topic -> subscription_id

	generalQueue   chan interface{}
	dispatcherDone chan struct{}
	closeOnce      sync.Once
}

// NewSession constructs a Session that will dial its transport via dial
// when begin() is called. Nothing happens until begin().
func NewSession(dial DialFunc, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	traceID := uuid.NewString()
	return &Session{
		cfg:                    cfg,
		dial:                   dial,
		traceID:                traceID,
		log:                    cfg.Logger.With("session", traceID),
		state:                  StateNew,
		nextReqID:              0,
		pendingCalls:           make(pendingTable),
		pendingRegistrations:   make(pendingTable),
		pendingUnregistrations: make(pendingTable),
		pendingSubscriptions:   make(pendingTable),
		pendingPublishes:       make(pendingTable),
		invocationHandlers:     make(map[int64]InvocationFunc),
		eventHandlers:          make(map[int64]EventFunc),
		registrationMap:        make(map[string]int64),
		subscriptionMap:        make(map[string]int64),
		generalQueue:           make(chan interface{}, 8),
		dispatcherDone:         make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the router-allocated session id, valid only once the
// session reaches ESTABLISHED.
func (s *Session) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Stats is a point-in-time snapshot of a Session's local bookkeeping,
// intended for introspection endpoints rather than protocol logic.
type Stats struct {
	State                  string
	SessionID              int64
	TraceID                string
	Registrations          int
	Subscriptions          int
	PendingCalls           int
	PendingRegistrations   int
	PendingUnregistrations int
	PendingSubscriptions   int
	PendingPublishes       int
}

// Stats returns a snapshot of the session's current counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:                  s.state.String(),
		SessionID:              s.sessionID,
		TraceID:                s.traceID,
		Registrations:          len(s.registrationMap),
		Subscriptions:          len(s.subscriptionMap),
		PendingCalls:           len(s.pendingCalls),
		PendingRegistrations:   len(s.pendingRegistrations),
		PendingUnregistrations: len(s.pendingUnregistrations),
		PendingSubscriptions:   len(s.pendingSubscriptions),
		PendingPublishes:       len(s.pendingPublishes),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) nextRequestID() int64 {
	return atomic.AddInt64(&s.nextReqID, 1)
}

// begin connects the transport and runs the HELLO/CHALLENGE/WELCOME
// sequence. On success the dispatcher is running and SessionID is set.
func (s *Session) begin(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("begin() called in state %s", s.state)}
	}
	s.state = StateConnecting
	s.mu.Unlock()

	t, err := s.dial(ctx)
	if err != nil {
		s.setState(StateFailed)
		return &ConnectionError{Op: "dial", Err: err}
	}

	s.mu.Lock()
	s.transport = t
	s.state = StateHandshaking
	s.mu.Unlock()

	go s.runDispatcher()

	if err := s.sayHello(ctx); err != nil {
		s.setState(StateFailed)
		s.transport.Close()
		return err
	}

	s.setState(StateEstablished)
	s.log.Info("session established", "session_id", s.sessionID, "realm", s.cfg.Realm)
	return nil
}

// sayHello drives the HELLO -> (CHALLENGE -> AUTHENTICATE ->)? WELCOME|ABORT
// exchange described in spec §4.D.
func (s *Session) sayHello(ctx context.Context) error {
	if err := s.sendMessage(Hello{Realm: s.cfg.Realm, Details: Details{"roles": s.cfg.Roles}}); err != nil {
		return err
	}

	msg, err := s.recvLifecycle(ctx, s.cfg.CallTimeout)
	if err != nil {
		return err
	}

	if chal, ok := msg.(Challenge); ok {
		s.setState(StateChallenged)
		if s.cfg.OnChallenge == nil {
			return &AuthError{Reason: ErrNoOnChallenge.Error()}
		}
		sig, err := s.cfg.OnChallenge(chal.AuthMethod, chal.Extra)
		if err != nil {
			return &AuthError{Reason: fmt.Sprintf("on_challenge failed: %v", err)}
		}
		if err := s.sendMessage(Authenticate{Signature: sig, Extra: Details{}}); err != nil {
			return err
		}
		msg, err = s.recvLifecycle(ctx, s.cfg.CallTimeout)
		if err != nil {
			return err
		}
	}

	switch m := msg.(type) {
	case Welcome:
		s.mu.Lock()
		s.sessionID = m.SessionID
		s.mu.Unlock()
		return nil
	case Abort:
		return &AuthError{Reason: "router sent ABORT instead of WELCOME", URI: m.Reason}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unexpected message during hello: %T", msg)}
	}
}

// end runs the GOODBYE exchange, stops the dispatcher, closes the
// transport, and releases every pending waiter. Idempotent.
func (s *Session) end(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed || s.state == StateNew {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.sayGoodbye(ctx)

	if s.transport != nil {
		s.transport.Close()
	}

	<-s.dispatcherDone

	s.failAllPending(&SessionClosedError{})
	s.resetMaps()

	s.setState(StateClosed)
	s.log.Info("session closed")
	return nil
}

// resetMaps clears the session's local bookkeeping on the way to CLOSED,
// per spec §4.D's end() contract. Pending waiters are drained separately
// by failAllPending before this runs.
func (s *Session) resetMaps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = 0
	s.registrationMap = make(map[string]int64)
	s.subscriptionMap = make(map[string]int64)
	s.invocationHandlers = make(map[int64]InvocationFunc)
	s.eventHandlers = make(map[int64]EventFunc)
}

// sayGoodbye sends GOODBYE and waits briefly for the router's echo,
// swallowing a timeout: the router may already be gone, and graceful
// shutdown should not fail because of that.
func (s *Session) sayGoodbye(ctx context.Context) {
	if err := s.sendMessage(Goodbye{Details: Details{}, Reason: "wamp.close.normal"}); err != nil {
		s.log.Debug("say_goodbye: send failed, router likely already gone", "error", err)
		return
	}

	_, err := s.recvLifecycle(ctx, s.cfg.GoodbyeTimeout)
	if err != nil {
		s.log.Debug("say_goodbye: no echoed GOODBYE before timeout, continuing", "error", err)
	}
}

// sendMessage serializes msg and sends it as a single text frame. Safe for
// concurrent use; the transport itself serializes writes.
func (s *Session) sendMessage(msg json.Marshaler) error {
	payload, err := msg.MarshalJSON()
	if err != nil {
		return &ProtocolError{Reason: "encoding outbound message", Err: err}
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}

	if err := t.Send(payload); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// recvLifecycle pops the next lifecycle message (WELCOME/CHALLENGE/GOODBYE/
// ABORT) from the general queue, failing with ProtocolError on timeout.
func (s *Session) recvLifecycle(ctx context.Context, timeout time.Duration) (interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-s.generalQueue:
		if !ok {
			return nil, &SessionClosedError{}
		}
		return msg, nil
	case <-timer.C:
		return nil, &ProtocolError{Reason: "timed out waiting for reply"}
	case <-ctx.Done():
		return nil, &ProtocolError{Reason: "context canceled while waiting for reply", Err: ctx.Err()}
	}
}

// Recv is the public recv(timeout) operation: it pops the next lifecycle
// message delivered to the general queue (e.g. an unsolicited GOODBYE).
func (s *Session) Recv(timeout time.Duration) (interface{}, error) {
	return s.recvLifecycle(context.Background(), timeout)
}

func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tbl := range []pendingTable{
		s.pendingCalls, s.pendingRegistrations, s.pendingUnregistrations,
		s.pendingSubscriptions, s.pendingPublishes,
	} {
		for id, ch := range tbl {
			ch <- err
			delete(tbl, id)
		}
	}
}
