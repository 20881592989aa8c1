package wamp

import "fmt"

// RegistrationInfo is the reply shape of wamp.registration.get.
type RegistrationInfo struct {
	ID      int64
	Created string
	URI     string
	Match   string
	Invoke  string
}

// GetRegistrationList calls wamp.registration.list.
func (s *Session) GetRegistrationList() (exact, prefix, wildcard []int64, err error) {
	res, err := s.Call("wamp.registration.list", nil, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	kw := res.Kwargs
	if kw == nil && len(res.Args) > 0 {
		if m, ok := res.Args[0].(map[string]interface{}); ok {
			kw = Details(m)
		}
	}
	exact = toInt64Slice(kw["exact"])
	prefix = toInt64Slice(kw["prefix"])
	wildcard = toInt64Slice(kw["wildcard"])
	return exact, prefix, wildcard, nil
}

// GetRegistrationLookup calls wamp.registration.lookup(procedure); a nil
// return means the router reported no matching registration.
func (s *Session) GetRegistrationLookup(procedure string) (*int64, error) {
	return s.callForOptionalID("wamp.registration.lookup", procedure)
}

// GetRegistrationMatch calls wamp.registration.match(procedure); a nil
// return means no registration matches.
func (s *Session) GetRegistrationMatch(procedure string) (*int64, error) {
	return s.callForOptionalID("wamp.registration.match", procedure)
}

func (s *Session) callForOptionalID(procedure, arg string) (*int64, error) {
	res, err := s.Call(procedure, []interface{}{arg}, nil)
	if err != nil {
		return nil, err
	}
	v, ok := res.First()
	if !ok || v == nil {
		return nil, nil
	}
	id := toInt64(v)
	return &id, nil
}

// GetRegistration calls wamp.registration.get(id). A missing registration
// surfaces as *WampError with URI wamp.error.no_such_registration, per
// spec scenario S5.
func (s *Session) GetRegistration(registrationID int64) (*RegistrationInfo, error) {
	res, err := s.Call("wamp.registration.get", []interface{}{registrationID}, nil)
	if err != nil {
		return nil, err
	}
	v, ok := res.First()
	if !ok {
		return nil, &ProtocolError{Reason: "wamp.registration.get returned no result"}
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("wamp.registration.get: unexpected result shape %T", v)}
	}
	info := &RegistrationInfo{
		ID:      toInt64(m["id"]),
		Created: stringOrEmpty(m["created"]),
		URI:     stringOrEmpty(m["uri"]),
		Match:   stringOrEmpty(m["match"]),
		Invoke:  stringOrEmpty(m["invoke"]),
	}
	return info, nil
}

// ListCallees calls wamp.registration.list_callees(id).
func (s *Session) ListCallees(registrationID int64) ([]int64, error) {
	res, err := s.Call("wamp.registration.list_callees", []interface{}{registrationID}, nil)
	if err != nil {
		return nil, err
	}
	v, ok := res.First()
	if !ok {
		return nil, nil
	}
	return toInt64Slice(v), nil
}

// CountCallees calls wamp.registration.count_callees(id).
func (s *Session) CountCallees(registrationID int64) (int64, error) {
	res, err := s.Call("wamp.registration.count_callees", []interface{}{registrationID}, nil)
	if err != nil {
		return 0, err
	}
	v, ok := res.First()
	if !ok {
		return 0, &ProtocolError{Reason: "wamp.registration.count_callees returned no result"}
	}
	return toInt64(v), nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toInt64Slice(v interface{}) []int64 {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(arr))
	for _, e := range arr {
		out = append(out, toInt64(e))
	}
	return out
}

func stringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}
