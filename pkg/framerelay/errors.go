package framerelay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies relay failures so callers can branch on the failure
// class instead of matching message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindNetwork
	KindInvalidRequest
	KindInvalidResponse
	KindNoActiveTarget
	KindInitialization
	KindPermissionDenied
)

var kindNames = map[ErrorKind]string{
	KindUnknown:          "UnknownError",
	KindTimeout:          "Timeout",
	KindNetwork:          "NetworkError",
	KindInvalidRequest:   "InvalidRequest",
	KindInvalidResponse:  "InvalidResponse",
	KindNoActiveTarget:   "NoActiveTarget",
	KindInitialization:   "InitializationError",
	KindPermissionDenied: "PermissionDenied",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseErrorKind maps a wire name back to an ErrorKind. Unrecognized names
// yield KindUnknown.
func ParseErrorKind(name string) ErrorKind {
	for kind, n := range kindNames {
		if strings.EqualFold(n, name) {
			return kind
		}
	}
	return KindUnknown
}

// Error is the error type returned by the relay client and server.
type Error struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
	Err           error
}

// Sentinels for use with errors.Is. Any *Error matches the sentinel of the
// same kind.
var (
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrInvalidResponse  = &Error{Kind: KindInvalidResponse}
	ErrNoActiveTarget   = &Error{Kind: KindNoActiveTarget}
	ErrInitialization   = &Error{Kind: KindInitialization}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrUnknown          = &Error{Kind: KindUnknown}
)

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if e.CorrelationID != "" {
		sb.WriteString(" (correlation id ")
		sb.WriteString(e.CorrelationID)
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.CorrelationID == "" && t.Err == nil && t.Kind == e.Kind
}

// WithCorrelationID returns a copy of the error annotated with a correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}
