package wamp

import (
	"fmt"
)

// runDispatcher is the session's single inbound reader. It owns the only
// call to transport.Recv; every other goroutine only ever touches the
// transport through sendMessage's mutex-guarded Send.
func (s *Session) runDispatcher() {
	defer close(s.dispatcherDone)

	for {
		payload, err := s.transport.Recv()
		if err != nil {
			s.log.Debug("dispatcher: transport read failed, stopping", "error", err)
			s.handleReaderFailure(err)
			return
		}

		msg, err := Decode(payload)
		if err != nil {
			s.log.Warn("dispatcher: dropping malformed inbound message", "error", err)
			continue
		}

		s.route(msg)
	}
}

func (s *Session) handleReaderFailure(err error) {
	s.mu.Lock()
	intentional := s.state == StateClosing
	if !intentional {
		s.state = StateFailed
	}
	s.mu.Unlock()

	if !intentional {
		s.failAllPending(&ConnectionError{Op: "read", Err: err})
	}
	s.closeGeneralQueue()
}

func (s *Session) closeGeneralQueue() {
	s.closeOnce.Do(func() {
		close(s.generalQueue)
	})
}

func (s *Session) pushLifecycle(msg interface{}) {
	select {
	case s.generalQueue <- msg:
	default:
		s.log.Warn("dispatcher: general queue full, dropping lifecycle message", "message", fmt.Sprintf("%T", msg))
	}
}

func (s *Session) route(msg interface{}) {
	switch m := msg.(type) {
	case Welcome, Challenge, Goodbye, Abort:
		s.log.Debug("dispatcher: lifecycle message", "type", fmt.Sprintf("%T", m))
		s.pushLifecycle(m)

	case Error:
		s.routeError(m)

	case Result:
		s.release(s.pendingCalls, m.ReqID, m)

	case Published:
		s.release(s.pendingPublishes, m.ReqID, m)

	case Subscribed:
		s.release(s.pendingSubscriptions, m.ReqID, m)

	case Registered:
		s.release(s.pendingRegistrations, m.ReqID, m)

	case Unregistered:
		s.release(s.pendingUnregistrations, m.ReqID, m)

	case Event:
		s.dispatchEvent(m)

	case Invocation:
		s.dispatchInvocation(m)

	default:
		s.log.Warn("dispatcher: no route for message", "type", fmt.Sprintf("%T", m))
	}
}

func (s *Session) routeError(m Error) {
	var tbl pendingTable
	switch m.ReqType {
	case CodeCall:
		tbl = s.pendingCalls
	case CodeRegister:
		tbl = s.pendingRegistrations
	case CodeUnregister:
		tbl = s.pendingUnregistrations
	case CodeSubscribe:
		tbl = s.pendingSubscriptions
	case CodePublish:
		tbl = s.pendingPublishes
	default:
		s.log.Warn("dispatcher: ERROR with unknown req_type", "req_type", int(m.ReqType), "req_id", m.ReqID)
		return
	}
	s.release(tbl, m.ReqID, newWampError(m))
}

// release hands the waiter its value and removes it from the table. A
// req_id with no matching waiter is logged and dropped, per spec §4.E.
func (s *Session) release(tbl pendingTable, reqID int64, value interface{}) {
	s.mu.Lock()
	ch, ok := tbl[reqID]
	if ok {
		delete(tbl, reqID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("dispatcher: no pending waiter for req_id", "req_id", reqID)
		return
	}
	ch <- value
}

func (s *Session) dispatchEvent(m Event) {
	s.mu.Lock()
	handler, ok := s.eventHandlers[m.SubscriptionID]
	s.mu.Unlock()

	if !ok {
		s.log.Warn("dispatcher: EVENT for unknown subscription", "subscription_id", m.SubscriptionID)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("dispatcher: event handler panicked", "subscription_id", m.SubscriptionID, "panic", r)
			}
		}()
		handler(m.Args, m.Kwargs)
	}()
}

func (s *Session) dispatchInvocation(m Invocation) {
	s.mu.Lock()
	handler, ok := s.invocationHandlers[m.RegistrationID]
	s.mu.Unlock()

	if !ok {
		s.log.Warn("dispatcher: INVOCATION for unknown registration", "registration_id", m.RegistrationID)
		s.sendInvocationError(m.RequestID, "wamp.error.no_such_procedure", "no such procedure registered")
		return
	}

	result, err := s.runInvocationHandler(handler, m)
	if err != nil {
		if werr, ok := err.(*WampError); ok {
			s.sendInvocationErrorValue(m.RequestID, werr)
			return
		}
		s.sendInvocationError(m.RequestID, "wamp.error.runtime_error", err.Error())
		return
	}

	yield := Yield{InvocationID: m.RequestID, Options: Options{}}
	if result != nil {
		yield.Args = []interface{}{result}
	}
	if err := s.sendMessage(yield); err != nil {
		s.log.Warn("dispatcher: failed to send YIELD", "error", err)
	}
}

// runInvocationHandler calls the handler synchronously (per spec §4.E) and
// recovers a panic as a runtime_error, since a handler must never take the
// reader goroutine down with it.
func (s *Session) runInvocationHandler(handler InvocationFunc, m Invocation) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invocation handler panicked: %v", r)
		}
	}()
	return handler(m.Args, m.Kwargs)
}

func (s *Session) sendInvocationError(invocationID int64, uri, detail string) {
	s.sendInvocationErrorValue(invocationID, &WampError{URI: uri, Args: []interface{}{detail}})
}

func (s *Session) sendInvocationErrorValue(invocationID int64, werr *WampError) {
	msg := Error{
		ReqType: CodeInvocation,
		ReqID:   invocationID,
		Details: Details{},
		URI:     werr.URI,
		Args:    werr.Args,
		Kwargs:  werr.Kwargs,
	}
	if err := s.sendMessage(msg); err != nil {
		s.log.Warn("dispatcher: failed to send ERROR for INVOCATION", "error", err)
	}
}
