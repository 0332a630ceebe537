package protocol

import (
	"bytes"
	"encoding/json"
)

// Version is the JSON-RPC version written on every outgoing envelope.
const Version = "2.0"

// Message is the line envelope exchanged with tool hosts and peers.
// A request carries Method; a response carries exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether the envelope is a request without an id member.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether the envelope answers a request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request envelope. params may be nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &Message{JSONRPC: Version, ID: idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds a request envelope without an id.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response for id. A nil id is written as null.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: responseID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response for id. A nil id is written as null.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	return &Message{JSONRPC: Version, ID: responseID(id), Error: rpcErr}
}

// SameID compares two ids by their compact JSON form.
func SameID(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, &TransportError{Op: "encode params", Err: err}
	}
	return data, nil
}
