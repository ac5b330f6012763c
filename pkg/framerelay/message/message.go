package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the "kind" tag carried by every relay message.
type Kind string

const (
	// Client to server
	KindRequest Kind = "RELAY_REQUEST" // Backend call to perform
	KindInit    Kind = "RELAY_INIT"    // Handshake probe

	// Server to client
	KindResponse Kind = "RELAY_RESPONSE" // Backend call completed
	KindError    Kind = "RELAY_ERROR"    // Backend call or relay failed
	KindReady    Kind = "RELAY_READY"    // Handshake answer
)

// ErrUnrecognized is returned by Decode for anything that is not a
// well-formed relay message. Receivers drop such input silently since the
// channel is shared with unrelated traffic.
var ErrUnrecognized = errors.New("not a relay message")

// Message is one of *Request, *Response, *ErrorReply, *Init or *Ready.
type Message interface {
	Kind() Kind
	ID() string
}

// Request asks the server to call the backend route behind Target.
type Request struct {
	CorrelationID string            `json:"correlationId"`
	Target        string            `json:"target"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
}

// Result is the outcome of a backend call as seen by the caller.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Response carries the Result for a Request.
type Response struct {
	CorrelationID string `json:"correlationId"`
	Result        Result `json:"result"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// ErrorReply reports that a Request could not be served.
type ErrorReply struct {
	CorrelationID         string `json:"correlationId"`
	Error                 string `json:"error"`
	OriginalCorrelationID string `json:"originalCorrelationId,omitempty"`
	ErrorKind             string `json:"errorKind,omitempty"`
	Timestamp             int64  `json:"timestamp,omitempty"`
}

// InitConfig is the configuration a client announces in its handshake.
type InitConfig struct {
	BaseURL string `json:"baseUrl"`
	Timeout int64  `json:"timeout,omitempty"` // milliseconds
}

// Init opens a handshake.
type Init struct {
	CorrelationID string     `json:"correlationId"`
	Config        InitConfig `json:"config"`
	Timestamp     int64      `json:"timestamp,omitempty"`
}

// Ready answers an Init with the server's identity.
type Ready struct {
	CorrelationID string `json:"correlationId"`
	ServerID      string `json:"serverId"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

func (*Request) Kind() Kind    { return KindRequest }
func (*Response) Kind() Kind   { return KindResponse }
func (*ErrorReply) Kind() Kind { return KindError }
func (*Init) Kind() Kind       { return KindInit }
func (*Ready) Kind() Kind      { return KindReady }

func (m *Request) ID() string    { return m.CorrelationID }
func (m *Response) ID() string   { return m.CorrelationID }
func (m *ErrorReply) ID() string { return m.CorrelationID }
func (m *Init) ID() string       { return m.CorrelationID }
func (m *Ready) ID() string      { return m.CorrelationID }

// Now returns the current time in the wire timestamp unit.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewCorrelationID returns a collision-resistant identifier made of a
// millisecond timestamp and a random suffix.
func NewCorrelationID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("relay_%d_%s", time.Now().UnixMilli(), suffix)
}

// Encode serializes a message with its kind tag.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Request:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Request
		}{KindRequest, v})
	case *Response:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Response
		}{KindResponse, v})
	case *ErrorReply:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*ErrorReply
		}{KindError, v})
	case *Init:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Init
		}{KindInit, v})
	case *Ready:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Ready
		}{KindReady, v})
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", m)
	}
}

// Decode narrows raw channel data to a relay message. It returns
// ErrUnrecognized unless both the data and the decoded message pass the
// predicate for its kind.
func Decode(data []byte) (Message, error) {
	var m Message
	var valid func([]byte) bool

	switch KindOf(data) {
	case KindRequest:
		m, valid = &Request{}, IsRequest
	case KindResponse:
		m, valid = &Response{}, IsResponse
	case KindError:
		m, valid = &ErrorReply{}, IsError
	case KindInit:
		m, valid = &Init{}, IsInit
	case KindReady:
		m, valid = &Ready{}, IsReady
	default:
		return nil, ErrUnrecognized
	}

	if !valid(data) {
		return nil, ErrUnrecognized
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	// encoding/json matches keys case-insensitively and keeps the last
	// duplicate, so the struct can differ from what the predicate saw.
	decoded, err := Encode(m)
	if err != nil || !valid(decoded) {
		return nil, ErrUnrecognized
	}

	return m, nil
}
