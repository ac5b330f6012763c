// Package channel models the cross-document messaging channel the relay runs
// over: windows that accept posted messages, endpoints whose listeners
// receive them, and frames that may or may not currently hold a window.
//
// Delivery is asynchronous and unordered across senders, and a message may
// be lost without notice. Nothing above this package may assume otherwise.
package channel

import (
	"errors"
)

// ErrClosed is returned when posting to a window that has gone away.
var ErrClosed = errors.New("window is closed")

// Event is a message as seen by a listener.
type Event struct {
	Data   []byte
	Origin string // origin of the sending window
	Source Window // window to reply to, nil if the sender is anonymous
}

// Listener receives events posted to an Endpoint. Listeners of one endpoint
// are invoked serially, never concurrently with each other.
type Listener func(Event)

// Window is anything messages can be posted to.
type Window interface {
	// Origin identifies the window's security origin.
	Origin() string

	// PostMessage queues data for delivery. The message is silently dropped
	// if targetOrigin is neither "*" nor the window's origin. source is the
	// sending window and becomes Event.Source on the receiving side.
	PostMessage(data []byte, targetOrigin string, source Window) error
}

// Endpoint is a Window whose incoming messages can be observed.
type Endpoint interface {
	Window

	// AddListener registers l and returns a function that removes it.
	AddListener(l Listener) (remove func())
}

// Frame holds a reference to a window that can change or disappear, like an
// iframe whose content navigates away.
type Frame interface {
	// ContentWindow returns the current window, or nil if unreachable.
	ContentWindow() Window
}

// OriginMatches applies the targetOrigin rule of PostMessage.
func OriginMatches(targetOrigin, origin string) bool {
	return targetOrigin == "*" || targetOrigin == origin
}
