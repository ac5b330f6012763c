// Package framerelay holds the pieces shared by the relay client and server:
// the error taxonomy, configuration defaults and validation, and the
// reference-counted Shared handle.
//
// The relay lets code running in a restricted context invoke backend APIs
// through a trusted peer. The two sides exchange the messages defined in the
// message package over a channel.Window, which may be in-process or carried
// over WebSocket.
package framerelay
