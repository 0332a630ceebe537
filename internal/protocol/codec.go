package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Encode serializes msg as a single newline-terminated line.
// A missing jsonrpc field is filled with Version.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteMessage encodes msg and writes it to w with a single Write call so a
// line is never split across writes.
func WriteMessage(w io.Writer, msg *Message) error {
	line, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Decode parses one line into an envelope. Any failure wraps ErrParse.
func Decode(line []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrParse)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: envelope is not a JSON object", ErrParse)
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &msg, nil
}

// Reader reads newline-delimited envelopes. Lines have no size ceiling here;
// payload limits belong to whoever owns the other end of the pipe.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r. An existing *bufio.Reader is reused.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br}
	}
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator. A final line
// without a newline is returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// ReadMessage reads lines until a non-blank one and decodes it.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
}
