package wamp

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeHub is a minimal in-process dealer+broker: just enough WAMP router
// behavior (REGISTER/CALL/INVOCATION/YIELD forwarding, SUBSCRIBE/PUBLISH/
// EVENT fanout, and the wamp.registration.* meta procedures/events) to
// drive the role engines from both sides without a real router process.
type fakeHub struct {
	t *testing.T

	mu            sync.Mutex
	nextID        int64
	connections   []*hubConn
	registrations map[string]*hubRegistration // procedure -> reg
	regByID       map[int64]*hubRegistration
	subscriptions map[string][]*hubConn // topic -> subscriber connections
	subIDByTopic  map[string]int64
	onCreateSubs  []*hubConn
	pendingInvoke map[int64]pendingInvocation // invocation id -> origin
}

type hubConn struct {
	hub       *fakeHub
	transport *pipeTransport
	sessionID int64
}

type hubRegistration struct {
	procedure string
	id        int64
	owner     *hubConn
}

type pendingInvocation struct {
	caller      *hubConn
	callReqID   int64
}

func newFakeHub(t *testing.T) *fakeHub {
	return &fakeHub{
		t:             t,
		registrations: make(map[string]*hubRegistration),
		regByID:       make(map[int64]*hubRegistration),
		subscriptions: make(map[string][]*hubConn),
		subIDByTopic:  make(map[string]int64),
		pendingInvoke: make(map[int64]pendingInvocation),
	}
}

func (h *fakeHub) allocID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

// Connect wires a brand-new Session-facing pipe into the hub and starts
// its router-side goroutine. Use the returned DialFunc to build a Session.
func (h *fakeHub) Connect() DialFunc {
	clientSide, routerSide := newPipePair()
	conn := &hubConn{hub: h, transport: routerSide}
	h.mu.Lock()
	h.connections = append(h.connections, conn)
	h.mu.Unlock()

	go conn.run()

	return dialPipe(clientSide)
}

func (c *hubConn) send(msg interface {
	MarshalJSON() ([]byte, error)
}) {
	payload, err := msg.MarshalJSON()
	if err != nil {
		return
	}
	c.transport.Send(payload)
}

func (c *hubConn) run() {
	for {
		payload, err := c.transport.Recv()
		if err != nil {
			return
		}
		msg, err := Decode(payload)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case Hello:
			c.sessionID = c.hub.allocID()
			c.send(Welcome{SessionID: c.sessionID, Details: Details{}})
		case Goodbye:
			c.send(Goodbye{Details: Details{}, Reason: "wamp.close.normal"})
		case Register:
			c.handleRegister(m)
		case Unregister:
			c.handleUnregister(m)
		case Call:
			c.handleCall(m)
		case Yield:
			c.handleYield(m)
		case Error:
			c.handleInvocationError(m)
		case Subscribe:
			c.handleSubscribe(m)
		case Publish:
			c.handlePublish(m)
		}
	}
}

func (c *hubConn) handleRegister(m Register) {
	h := c.hub
	h.mu.Lock()
	if _, exists := h.registrations[m.Procedure]; exists {
		h.mu.Unlock()
		c.send(Error{ReqType: CodeRegister, ReqID: m.ReqID, Details: Details{}, URI: "wamp.error.procedure_already_exists"})
		return
	}
	regID := h.nextID + 1
	h.nextID++
	reg := &hubRegistration{procedure: m.Procedure, id: regID, owner: c}
	h.registrations[m.Procedure] = reg
	h.regByID[regID] = reg
	onCreateSubs := append([]*hubConn{}, h.onCreateSubs...)
	h.mu.Unlock()

	c.send(Registered{ReqID: m.ReqID, RegistrationID: regID})

	for _, sub := range onCreateSubs {
		subID := h.subIDByTopic["wamp.registration.on_create"]
		pubID := h.allocID()
		sub.send(Event{
			SubscriptionID: subID,
			PublicationID:  pubID,
			Details:        Details{},
			Args:           []interface{}{m.Procedure, Details{"id": regID}},
		})
	}
}

func (c *hubConn) handleUnregister(m Unregister) {
	h := c.hub
	h.mu.Lock()
	reg, ok := h.regByID[m.RegistrationID]
	if ok {
		delete(h.regByID, m.RegistrationID)
		delete(h.registrations, reg.procedure)
	}
	h.mu.Unlock()

	if !ok {
		c.send(Error{ReqType: CodeUnregister, ReqID: m.ReqID, Details: Details{}, URI: "wamp.error.no_such_registration"})
		return
	}
	c.send(Unregistered{ReqID: m.ReqID})
}

func (c *hubConn) handleCall(m Call) {
	h := c.hub

	if reg, ok := h.metaProcedure(m.Procedure); ok {
		reg(c, m)
		return
	}

	h.mu.Lock()
	reg, ok := h.registrations[m.Procedure]
	h.mu.Unlock()
	if !ok {
		c.send(Error{
			ReqType: CodeCall, ReqID: m.ReqID, Details: Details{},
			URI: "wamp.error.no_such_procedure",
			Args: []interface{}{fmt.Sprintf("no callee registered for procedure %q", m.Procedure)},
		})
		return
	}

	invocationID := h.allocID()
	h.mu.Lock()
	h.pendingInvoke[invocationID] = pendingInvocation{caller: c, callReqID: m.ReqID}
	h.mu.Unlock()

	reg.owner.send(Invocation{
		RequestID:      invocationID,
		RegistrationID: reg.id,
		Details:        Details{},
		Args:           m.Args,
		Kwargs:         m.Kwargs,
	})
}

func (c *hubConn) handleYield(m Yield) {
	h := c.hub
	h.mu.Lock()
	origin, ok := h.pendingInvoke[m.InvocationID]
	if ok {
		delete(h.pendingInvoke, m.InvocationID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	origin.caller.send(Result{ReqID: origin.callReqID, Details: Details{}, Args: m.Args, Kwargs: m.Kwargs})
}

func (c *hubConn) handleInvocationError(m Error) {
	if m.ReqType != CodeInvocation {
		return
	}
	h := c.hub
	h.mu.Lock()
	origin, ok := h.pendingInvoke[m.ReqID]
	if ok {
		delete(h.pendingInvoke, m.ReqID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	origin.caller.send(Error{ReqType: CodeCall, ReqID: origin.callReqID, Details: Details{}, URI: m.URI, Args: m.Args, Kwargs: m.Kwargs})
}

func (c *hubConn) handleSubscribe(m Subscribe) {
	h := c.hub
	h.mu.Lock()
	subID, ok := h.subIDByTopic[m.Topic]
	if !ok {
		subID = h.nextID + 1
		h.nextID++
		h.subIDByTopic[m.Topic] = subID
	}
	h.subscriptions[m.Topic] = append(h.subscriptions[m.Topic], c)
	if m.Topic == "wamp.registration.on_create" {
		h.onCreateSubs = append(h.onCreateSubs, c)
	}
	h.mu.Unlock()

	c.send(Subscribed{ReqID: m.ReqID, SubscriptionID: subID})
}

func (c *hubConn) handlePublish(m Publish) {
	h := c.hub
	h.mu.Lock()
	subs := append([]*hubConn{}, h.subscriptions[m.Topic]...)
	subID := h.subIDByTopic[m.Topic]
	h.mu.Unlock()

	pubID := h.allocID()
	for _, sub := range subs {
		sub.send(Event{SubscriptionID: subID, PublicationID: pubID, Details: Details{}, Args: m.Args, Kwargs: m.Kwargs})
	}

	if ack, _ := m.Options["acknowledge"].(bool); ack {
		c.send(Published{ReqID: m.ReqID, PublicationID: pubID})
	}
}

// metaProcedure returns the handler for a wamp.registration.* meta
// procedure, if m.Procedure names one.
func (h *fakeHub) metaProcedure(procedure string) (func(c *hubConn, m Call), bool) {
	switch procedure {
	case "wamp.registration.list":
		return h.metaList, true
	case "wamp.registration.lookup":
		return h.metaLookup, true
	case "wamp.registration.match":
		return h.metaLookup, true
	case "wamp.registration.get":
		return h.metaGet, true
	case "wamp.registration.list_callees":
		return h.metaListCallees, true
	case "wamp.registration.count_callees":
		return h.metaCountCallees, true
	default:
		return nil, false
	}
}

func (h *fakeHub) metaList(c *hubConn, m Call) {
	h.mu.Lock()
	exact := make([]int64, 0, len(h.regByID))
	for id := range h.regByID {
		exact = append(exact, id)
	}
	h.mu.Unlock()
	c.send(Result{ReqID: m.ReqID, Details: Details{}, Kwargs: Details{
		"exact": toInterfaceSlice(exact), "prefix": []interface{}{}, "wildcard": []interface{}{},
	}})
}

func (h *fakeHub) metaLookup(c *hubConn, m Call) {
	procedure, _ := firstArg(m).(string)
	h.mu.Lock()
	reg, ok := h.registrations[procedure]
	h.mu.Unlock()
	if !ok {
		c.send(Result{ReqID: m.ReqID, Details: Details{}, Args: []interface{}{nil}})
		return
	}
	c.send(Result{ReqID: m.ReqID, Details: Details{}, Args: []interface{}{reg.id}})
}

func (h *fakeHub) metaGet(c *hubConn, m Call) {
	id := toInt64(firstArg(m))
	h.mu.Lock()
	reg, ok := h.regByID[id]
	h.mu.Unlock()
	if !ok {
		c.send(Error{
			ReqType: CodeCall, ReqID: m.ReqID, Details: Details{},
			URI:  "wamp.error.no_such_registration",
			Args: []interface{}{fmt.Sprintf("no registration with ID %v exists on this dealer", id)},
		})
		return
	}
	c.send(Result{ReqID: m.ReqID, Details: Details{}, Args: []interface{}{map[string]interface{}{
		"id": reg.id, "created": "2016-01-01T00:00:00Z", "uri": reg.procedure, "match": "exact", "invoke": "single",
	}}})
}

func (h *fakeHub) metaListCallees(c *hubConn, m Call) {
	id := toInt64(firstArg(m))
	h.mu.Lock()
	reg, ok := h.regByID[id]
	h.mu.Unlock()
	if !ok {
		c.send(Result{ReqID: m.ReqID, Details: Details{}, Args: []interface{}{[]interface{}{}}})
		return
	}
	c.send(Result{ReqID: m.ReqID, Details: Details{}, Args: []interface{}{[]interface{}{reg.owner.sessionID}}})
}

func (h *fakeHub) metaCountCallees(c *hubConn, m Call) {
	id := toInt64(firstArg(m))
	h.mu.Lock()
	_, ok := h.regByID[id]
	h.mu.Unlock()
	count := 0
	if ok {
		count = 1
	}
	c.send(Result{ReqID: m.ReqID, Details: Details{}, Args: []interface{}{count}})
}

func firstArg(m Call) interface{} {
	if len(m.Args) == 0 {
		return nil
	}
	return m.Args[0]
}

func toInterfaceSlice(ids []int64) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// testSession opens an established Session against hub with sane test
// timeouts, registering t.Cleanup to close it.
func testSession(t *testing.T, hub *fakeHub) *Session {
	t.Helper()
	s := NewSession(hub.Connect(), SessionConfig{
		Realm:          "realm1",
		CallTimeout:    2 * time.Second,
		GoodbyeTimeout: 200 * time.Millisecond,
	})
	if err := s.begin(testContext()); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	t.Cleanup(func() { s.end(testContext()) })
	return s
}
