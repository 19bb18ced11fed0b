package message

import (
	"testing"

	"jrpc-mux/codec"
)

func mustParse(t *testing.T, text string) any {
	t.Helper()
	v, err := codec.Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", text, err)
	}
	return v
}

func TestFromValueClassification(t *testing.T) {
	cases := []struct {
		text string
		kind Kind
	}{
		{`{"method":"echo","params":{"x":1},"id":0}`, KindRequest},
		{`{"method":"shutdown","params":{}}`, KindNotify},
		{`{"method":"shutdown","params":{},"id":null}`, KindNotify},
		{`{"result":{"x":1},"id":0}`, KindReply},
		{`{"error":{"error":"unknown method"},"id":7}`, KindError},
		{`{"result":null,"id":3}`, KindReply},
	}
	for _, c := range cases {
		m, err := FromValue(mustParse(t, c.text))
		if err != nil {
			t.Errorf("FromValue(%s) failed: %v", c.text, err)
			continue
		}
		if m.Kind != c.kind {
			t.Errorf("kind mismatch for %s: got %s, want %s", c.text, m.Kind, c.kind)
		}
	}
}

func TestFromValueRejectsBadEnvelopes(t *testing.T) {
	cases := []string{
		`[]`,
		`{}`,
		`{"id":1}`,
		`{"method":7,"params":[],"id":1}`,
		`{"method":"m","id":1}`,
		`{"method":"m","params":[],"id":1,"result":2}`,
		`{"result":1,"error":2,"id":1}`,
		`{"result":1}`,
		`{"method":"m","params":[],"id":1,"extra":true}`,
	}
	for _, text := range cases {
		if _, err := FromValue(mustParse(t, text)); err == nil {
			t.Errorf("FromValue(%s) succeeded, want error", text)
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	params := mustParse(t, `{"a":[1,2],"b":null}`)
	req := NewRequest("echo", params)
	if err := req.Validate(); err != nil {
		t.Fatalf("fresh request invalid: %v", err)
	}

	// Through the wire form and back.
	wire, err := codec.Encode(req.ToValue())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := FromValue(mustParse(t, string(wire)))
	if err != nil {
		t.Fatalf("FromValue failed: %v", err)
	}

	if back.Kind != KindRequest {
		t.Errorf("kind mismatch: got %s, want request", back.Kind)
	}
	if back.Method != "echo" {
		t.Errorf("method mismatch: got %s, want echo", back.Method)
	}
	if !codec.Equal(back.Params, params) {
		t.Errorf("params mismatch: got %s, want %s", codec.String(back.Params), codec.String(params))
	}
	if !codec.Equal(back.ID, req.ID) {
		t.Errorf("id mismatch: got %v, want %v", back.ID, req.ID)
	}
}

func TestRequestIDsAreDistinct(t *testing.T) {
	a := NewRequest("echo", map[string]any{})
	b := NewRequest("echo", map[string]any{})
	if codec.Equal(a.ID, b.ID) {
		t.Errorf("two requests share id %v", a.ID)
	}
}

func TestNullParamsStayPresent(t *testing.T) {
	m, err := FromValue(mustParse(t, `{"method":"echo","params":null,"id":1}`))
	if err != nil {
		t.Fatalf("FromValue failed: %v", err)
	}
	if m.Params != nil {
		t.Errorf("params value mismatch: got %v, want nil", m.Params)
	}

	// The null member must survive re-rendering.
	wire, err := codec.Encode(m.ToValue())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(wire) != `{"id":1,"method":"echo","params":null}` {
		t.Errorf("wire mismatch: got %s, want {\"id\":1,\"method\":\"echo\",\"params\":null}", wire)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	n := NewNotify("shutdown", map[string]any{})
	if err := n.Validate(); err != nil {
		t.Fatalf("fresh notification invalid: %v", err)
	}
	wire, err := codec.Encode(n.ToValue())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(wire) != `{"method":"shutdown","params":{}}` {
		t.Errorf("wire mismatch: got %s, want {\"method\":\"shutdown\",\"params\":{}}", wire)
	}
}
