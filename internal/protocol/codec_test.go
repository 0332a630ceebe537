package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		msg     func(t *testing.T) *Message
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "request line",
			msg: func(t *testing.T) *Message {
				m, err := NewRequest(7, "tools/list", nil)
				if err != nil {
					t.Fatal(err)
				}
				return m
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.HasSuffix(output, "\n") {
					t.Error("missing newline terminator")
				}
				if strings.Count(output, "\n") != 1 {
					t.Error("expected exactly one line")
				}
				if !strings.Contains(output, `"jsonrpc":"2.0"`) {
					t.Error("missing jsonrpc field")
				}
				if !strings.Contains(output, `"id":7`) {
					t.Error("missing id field")
				}
				if strings.Contains(output, `"params"`) {
					t.Error("nil params should be omitted")
				}
			},
		},
		{
			name: "error response with null id",
			msg: func(t *testing.T) *Message {
				return NewErrorResponse(nil, ParseError())
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"id":null`) {
					t.Errorf("want null id, got %s", output)
				}
				if !strings.Contains(output, `"code":-32700`) {
					t.Error("missing parse error code")
				}
				if strings.Contains(output, `"result"`) {
					t.Error("error response must not carry result")
				}
			},
		},
		{
			name: "fills missing version",
			msg: func(t *testing.T) *Message {
				return &Message{ID: json.RawMessage("1"), Method: "shutdown"}
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"jsonrpc":"2.0"`) {
					t.Error("version not filled")
				}
			},
		},
		{
			name: "nil message",
			msg: func(t *testing.T) *Message {
				return nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.msg(t))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, string(out))
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, msg *Message)
	}{
		{
			name:  "request",
			input: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`,
			checkFn: func(t *testing.T, msg *Message) {
				if msg.Method != "tools/call" {
					t.Errorf("method = %q", msg.Method)
				}
				if string(msg.ID) != "1" {
					t.Errorf("id = %s", msg.ID)
				}
				if msg.IsNotification() {
					t.Error("request with id reported as notification")
				}
			},
		},
		{
			name:  "notification",
			input: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			checkFn: func(t *testing.T, msg *Message) {
				if !msg.IsNotification() {
					t.Error("want notification")
				}
			},
		},
		{
			name:  "explicit null id is not a notification",
			input: `{"jsonrpc":"2.0","id":null,"method":"initialize"}`,
			checkFn: func(t *testing.T, msg *Message) {
				if msg.IsNotification() {
					t.Error("null id must still be answered")
				}
			},
		},
		{
			name:  "error response",
			input: `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"Method not found: x"}}`,
			checkFn: func(t *testing.T, msg *Message) {
				if !msg.IsResponse() {
					t.Error("want response")
				}
				if msg.Error == nil || msg.Error.Code != CodeMethodNotFound {
					t.Errorf("error = %+v", msg.Error)
				}
			},
		},
		{
			name:  "surrounding whitespace",
			input: "  {\"id\":2,\"result\":{}}\r\n",
			checkFn: func(t *testing.T, msg *Message) {
				if !msg.IsResponse() {
					t.Error("want response")
				}
			},
		},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "array", input: `[1,2]`, wantErr: true},
		{name: "empty", input: ``, wantErr: true},
		{name: "truncated", input: `{"id":1,"method":"tools/li`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Errorf("error %v does not wrap ErrParse", err)
				}
				return
			}
			if tt.checkFn != nil {
				tt.checkFn(t, msg)
			}
		})
	}
}

func TestReaderLines(t *testing.T) {
	big := strings.Repeat("x", 256*1024)
	input := "{\"id\":1,\"method\":\"a\"}\n\n{\"id\":2,\"method\":\"" + big + "\"}\n{\"id\":3,\"method\":\"c\"}"

	r := NewReader(strings.NewReader(input))

	first, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if first.Method != "a" {
		t.Errorf("first method = %q", first.Method)
	}

	second, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if len(second.Method) != len(big) {
		t.Errorf("long line truncated to %d bytes", len(second.Method))
	}

	third, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("final line without newline: %v", err)
	}
	if third.Method != "c" {
		t.Errorf("third method = %q", third.Method)
	}

	if _, err := r.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("want io.EOF, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	msg, err := NewResult(json.RawMessage("3"), map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if got := buf.String(); got != `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`+"\n" {
		t.Errorf("unexpected line %q", got)
	}

	err = WriteMessage(failingWriter{}, msg)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError, got %v", err)
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestSameID(t *testing.T) {
	if !SameID(json.RawMessage("1"), json.RawMessage(" 1 ")) {
		t.Error("whitespace should not matter")
	}
	if SameID(json.RawMessage("1"), json.RawMessage(`"1"`)) {
		t.Error("number and string ids differ")
	}
}
