package wamp

import (
	"fmt"
	"time"
)

// doRequest allocates no request id itself — callers already have one,
// since the id must be embedded in the outbound message — but owns the
// wait: register the waiter, send, block until release() delivers a value
// or the timeout fires.
func (s *Session) doRequest(tbl pendingTable, reqID int64, msg interface {
	MarshalJSON() ([]byte, error)
}, timeout time.Duration) (interface{}, error) {
	s.mu.Lock()
	if s.state != StateEstablished {
		st := s.state
		s.mu.Unlock()
		return nil, &ProtocolError{Reason: fmt.Sprintf("operation invalid in session state %s", st)}
	}
	ch := make(chan interface{}, 1)
	tbl[reqID] = ch
	s.mu.Unlock()

	if err := s.sendMessage(msg); err != nil {
		s.mu.Lock()
		delete(tbl, reqID)
		s.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	case <-timer.C:
		s.mu.Lock()
		delete(tbl, reqID)
		s.mu.Unlock()
		return nil, &ProtocolError{Reason: "timed out waiting for reply"}
	}
}

// Call invokes procedure and blocks for RESULT or ERROR. An ERROR reply is
// returned as *WampError via the error return, so callers can inspect its
// URI/Args/Kwargs by a type assertion rather than losing that detail to a
// generic error string.
func (s *Session) Call(procedure string, args []interface{}, kwargs Details) (*Result, error) {
	reqID := s.nextRequestID()
	msg := Call{ReqID: reqID, Options: Options{}, Procedure: procedure, Args: args, Kwargs: kwargs}

	v, err := s.doRequest(s.pendingCalls, reqID, msg, s.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	result := v.(Result)
	return &result, nil
}

// First returns the first positional result, the args[0] convention
// spec §4.F calls out, alongside the full Result for callers that need
// more.
func (r *Result) First() (interface{}, bool) {
	if len(r.Args) == 0 {
		return nil, false
	}
	return r.Args[0], true
}

// Register sends REGISTER, waits for REGISTERED, and records the
// registration so INVOCATIONs for it reach handler.
func (s *Session) Register(procedure string, handler InvocationFunc) (int64, error) {
	reqID := s.nextRequestID()
	msg := Register{ReqID: reqID, Options: Options{}, Procedure: procedure}

	v, err := s.doRequest(s.pendingRegistrations, reqID, msg, s.cfg.CallTimeout)
	if err != nil {
		return 0, err
	}
	reg := v.(Registered)

	s.mu.Lock()
	s.registrationMap[procedure] = reg.RegistrationID
	s.invocationHandlers[reg.RegistrationID] = handler
	s.mu.Unlock()

	return reg.RegistrationID, nil
}

// Unregister explicitly releases a local registration. The router also
// clears it implicitly on session end; this is only needed when the
// client wants to stop serving a procedure mid-session.
func (s *Session) Unregister(procedure string) error {
	s.mu.Lock()
	regID, ok := s.registrationMap[procedure]
	s.mu.Unlock()
	if !ok {
		return &ProtocolError{Reason: fmt.Sprintf("no local registration for procedure %q", procedure)}
	}

	reqID := s.nextRequestID()
	msg := Unregister{ReqID: reqID, RegistrationID: regID}

	if _, err := s.doRequest(s.pendingUnregistrations, reqID, msg, s.cfg.CallTimeout); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.registrationMap, procedure)
	delete(s.invocationHandlers, regID)
	s.mu.Unlock()
	return nil
}

// Publish sends a fire-and-forget PUBLISH; the spec default when the
// caller does not opt into acknowledgement.
func (s *Session) Publish(topic string, args []interface{}, kwargs Details) error {
	reqID := s.nextRequestID()
	msg := Publish{ReqID: reqID, Options: Options{"acknowledge": false}, Topic: topic, Args: args, Kwargs: kwargs}
	return s.sendMessage(msg)
}

// PublishAck sends PUBLISH with acknowledge:true and waits for PUBLISHED
// or ERROR, per the Open Question in spec §9 (unspecified by the
// reference, implemented here per SPEC_FULL.md §3).
func (s *Session) PublishAck(topic string, args []interface{}, kwargs Details) (*Published, error) {
	reqID := s.nextRequestID()
	msg := Publish{ReqID: reqID, Options: Options{"acknowledge": true}, Topic: topic, Args: args, Kwargs: kwargs}

	v, err := s.doRequest(s.pendingPublishes, reqID, msg, s.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	pub := v.(Published)
	return &pub, nil
}

// Subscribe sends SUBSCRIBE, waits for SUBSCRIBED, and records the
// subscription so EVENTs for it reach handler.
func (s *Session) Subscribe(topic string, handler EventFunc) (int64, error) {
	reqID := s.nextRequestID()
	msg := Subscribe{ReqID: reqID, Options: Options{}, Topic: topic}

	v, err := s.doRequest(s.pendingSubscriptions, reqID, msg, s.cfg.CallTimeout)
	if err != nil {
		return 0, err
	}
	sub := v.(Subscribed)

	s.mu.Lock()
	s.subscriptionMap[topic] = sub.SubscriptionID
	s.eventHandlers[sub.SubscriptionID] = handler
	s.mu.Unlock()

	return sub.SubscriptionID, nil
}
