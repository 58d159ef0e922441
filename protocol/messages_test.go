package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode_Discrimination(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // "request", "response", "notification"
	}{
		{
			name:  "request with numeric id",
			input: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
			want:  "request",
		},
		{
			name:  "request with string id",
			input: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			want:  "request",
		},
		{
			name:  "notification",
			input: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want:  "notification",
		},
		{
			name:  "success response",
			input: `{"jsonrpc":"2.0","id":1,"result":{}}`,
			want:  "response",
		},
		{
			name:  "error response",
			input: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`,
			want:  "response",
		},
		{
			name:  "null result response",
			input: `{"jsonrpc":"2.0","id":7,"result":null}`,
			want:  "response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			var got string
			switch msg.(type) {
			case *Request:
				got = "request"
			case *Response:
				got = "response"
			case *Notification:
				got = "notification"
			}
			if got != tt.want {
				t.Errorf("Decode() shape = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode int
	}{
		{
			name:     "malformed JSON",
			input:    `{"jsonrpc":"2.0",`,
			wantCode: CodeParseError,
		},
		{
			name:     "missing jsonrpc",
			input:    `{"id":1,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "wrong jsonrpc version",
			input:    `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "null request id",
			input:    `{"jsonrpc":"2.0","id":null,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "fractional request id",
			input:    `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "id without method or result",
			input:    `{"jsonrpc":"2.0","id":1}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "result and error together",
			input:    `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
			wantCode: CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if err == nil {
				t.Fatal("Decode() expected error")
			}

			var protoErr *Error
			if !errors.As(err, &protoErr) {
				t.Fatalf("Decode() error type = %T", err)
			}
			if protoErr.Code != tt.wantCode {
				t.Errorf("Decode() code = %d, want %d", protoErr.Code, tt.wantCode)
			}
		})
	}
}

func TestDecode_PreservesNumericID(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`

	msg, err := Decode([]byte(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	req, ok := msg.(*Request)
	if !ok {
		t.Fatalf("Decode() shape = %T", msg)
	}
	// A float64 round-trip would mangle this value.
	if string(req.ID) != "9007199254740993" {
		t.Errorf("ID = %s, want 9007199254740993", req.ID)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msgs := []Message{
		&Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"},
		&Request{JSONRPC: "2.0", ID: json.RawMessage(`"a-1"`), Method: "tools/call", Params: json.RawMessage(`{"name":"echo"}`)},
		&Notification{JSONRPC: "2.0", Method: "notifications/progress", Params: json.RawMessage(`{"progressToken":"t","progress":1}`)},
		NewErrorResponse(json.RawMessage(`3`), NewMethodNotFound("does/notExist")),
	}

	for _, msg := range msgs {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		back, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", data, err)
		}

		orig, _ := json.Marshal(msg)
		again, _ := json.Marshal(back)
		if !bytes.Equal(orig, again) {
			t.Errorf("round trip mismatch:\n  sent %s\n  got  %s", orig, again)
		}
	}
}

func TestEncode_OmitsNullOptionalFields(t *testing.T) {
	req, err := NewRequest(json.RawMessage(`1`), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	data, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(data), "params") {
		t.Errorf("Encode() emitted absent params: %s", data)
	}

	resp := NewErrorResponse(json.RawMessage(`1`), NewInternalError("boom"))
	data, err = Encode(resp)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(data), "result") {
		t.Errorf("error response emitted result member: %s", data)
	}
}

func TestResponse_MarshalSuccessCarriesResult(t *testing.T) {
	resp, err := NewResponse(json.RawMessage(`4`), map[string]any{})
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}

	data, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"result"`) {
		t.Errorf("success response missing result member: %s", data)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("success response carries error member: %s", data)
	}
}

func TestValidRequestID(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`1`, true},
		{`"abc"`, true},
		{`-7`, true},
		{`null`, false},
		{`1.5`, false},
		{`true`, false},
		{`{}`, false},
		{``, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ValidRequestID(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("ValidRequestID(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestIDKey_DistinguishesStringAndNumber(t *testing.T) {
	if IDKey(json.RawMessage(`1`)) == IDKey(json.RawMessage(`"1"`)) {
		t.Error("numeric 1 and string \"1\" must map to distinct keys")
	}
}

func TestExtractID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"extractable id", `{"jsonrpc":"2.0","id":42,"method":123}`, "42"},
		{"no id", `{"jsonrpc":"2.0","method":"x"}`, ""},
		{"garbage", `not json at all`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractID([]byte(tt.input))
			if string(got) != tt.want {
				t.Errorf("ExtractID() = %q, want %q", got, tt.want)
			}
		})
	}
}
