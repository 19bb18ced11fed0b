// Package message defines the JSON-RPC message exchanged between client and
// server.
//
// A Message is one decoded protocol unit. The wire form is a JSON object;
// which members are present decides what the message is: a "method" makes it
// a request (with an "id") or a notification (without one), a "result" makes
// it a reply, an "error" member makes it an error.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"jrpc-mux/codec"
)

// Kind discriminates the four message variants.
type Kind int

const (
	KindRequest Kind = iota // method call expecting one correlated reply
	KindNotify              // method call with no reply
	KindReply               // successful answer to a request
	KindError               // failure answer to a request
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotify:
		return "notification"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message carries the data for a single JSON-RPC unit.
//
//   - Request:      Method and Params set, ID set.
//   - Notification: Method and Params set, no ID.
//   - Reply:        Result set, ID set.
//   - Error:        Error set, ID set.
//
// Member presence is tracked apart from the values, so a JSON null params,
// result or error stays a present null rather than turning absent. An "id"
// of JSON null counts as absent, the way 1.0 peers encode notifications.
type Message struct {
	Kind   Kind
	Method string
	Params any // request and notification payload
	Result any // reply payload
	Error  any // error payload
	ID     any // nil when absent

	hasMethod bool
	hasParams bool
	hasResult bool
	hasError  bool
}

var idCounter atomic.Uint64

// nextID hands out process-wide request ids starting at 0.
func nextID() any {
	return json.Number(strconv.FormatUint(idCounter.Add(1)-1, 10))
}

// NewRequest builds a request for method with a fresh id. Params may be any
// structured value, including null.
func NewRequest(method string, params any) *Message {
	return &Message{
		Kind:      KindRequest,
		Method:    method,
		Params:    params,
		ID:        nextID(),
		hasMethod: true,
		hasParams: true,
	}
}

// NewNotify builds a notification for method. No reply will ever correlate
// with it.
func NewNotify(method string, params any) *Message {
	return &Message{
		Kind:      KindNotify,
		Method:    method,
		Params:    params,
		hasMethod: true,
		hasParams: true,
	}
}

// NewReply builds the success answer carrying result, correlated by id.
func NewReply(result, id any) *Message {
	return &Message{Kind: KindReply, Result: result, ID: id, hasResult: true}
}

// NewError builds the failure answer carrying errValue, correlated by id.
func NewError(errValue, id any) *Message {
	return &Message{Kind: KindError, Error: errValue, ID: id, hasError: true}
}

// Validate checks the envelope against the shape its Kind requires and
// returns a human-readable reason when it does not conform.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		switch {
		case !m.hasMethod:
			return errors.New("request has no method")
		case !m.hasParams:
			return errors.New("request has no params")
		case m.ID == nil:
			return errors.New("request has no id")
		case m.hasResult || m.hasError:
			return errors.New("request has a result or error member")
		}
	case KindNotify:
		switch {
		case !m.hasMethod:
			return errors.New("notification has no method")
		case !m.hasParams:
			return errors.New("notification has no params")
		case m.ID != nil:
			return errors.New("notification has an id")
		case m.hasResult || m.hasError:
			return errors.New("notification has a result or error member")
		}
	case KindReply:
		switch {
		case !m.hasResult:
			return errors.New("reply has no result")
		case m.ID == nil:
			return errors.New("reply has no id")
		case m.hasMethod || m.hasParams || m.hasError:
			return errors.New("reply has a method, params or error member")
		}
	case KindError:
		switch {
		case !m.hasError:
			return errors.New("error reply has no error member")
		case m.ID == nil:
			return errors.New("error reply has no id")
		case m.hasMethod || m.hasParams || m.hasResult:
			return errors.New("error reply has a method, params or result member")
		}
	default:
		return fmt.Errorf("unknown message kind %d", int(m.Kind))
	}
	return nil
}

// FromValue interprets a decoded structured value as a message, classifying
// it by member presence and validating the resulting envelope.
func FromValue(v any) (*Message, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("message is not a JSON object")
	}
	m := &Message{}
	for member, val := range obj {
		switch member {
		case "method":
			s, ok := val.(string)
			if !ok {
				return nil, errors.New(`"method" is not a string`)
			}
			m.Method = s
			m.hasMethod = true
		case "params":
			m.Params = val
			m.hasParams = true
		case "result":
			m.Result = val
			m.hasResult = true
		case "error":
			m.Error = val
			m.hasError = true
		case "id":
			m.ID = val
		default:
			return nil, fmt.Errorf("message has unknown member %q", member)
		}
	}
	switch {
	case m.hasMethod && m.ID != nil:
		m.Kind = KindRequest
	case m.hasMethod:
		m.Kind = KindNotify
	case m.hasResult:
		m.Kind = KindReply
	case m.hasError:
		m.Kind = KindError
	default:
		return nil, errors.New("message is unrecognizable")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ToValue renders m as the object the codec serializes.
func (m *Message) ToValue() any {
	obj := make(map[string]any)
	if m.hasMethod {
		obj["method"] = m.Method
	}
	if m.hasParams {
		obj["params"] = m.Params
	}
	if m.hasResult {
		obj["result"] = m.Result
	}
	if m.hasError {
		obj["error"] = m.Error
	}
	if m.ID != nil {
		obj["id"] = m.ID
	}
	return obj
}

// String renders m as its wire text. Meant for logs.
func (m *Message) String() string {
	return codec.String(m.ToValue())
}
