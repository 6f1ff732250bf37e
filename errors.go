package mq

import (
	"errors"
)

// Standard errors returned by the client
var (
	// ErrConnectionRefused is returned when the server rejects the connection.
	// You can unwrap this error to find the specific reason if available.
	ErrConnectionRefused = errors.New("connection refused")

	// Specific connection refusal reasons (v3.1.1)
	ErrUnacceptableProtocolVersion = errors.New("unacceptable protocol version")
	ErrIdentifierRejected          = errors.New("identifier rejected")
	ErrServerUnavailable           = errors.New("server unavailable")
	ErrBadUsernameOrPassword       = errors.New("bad username or password")
	ErrNotAuthorized               = errors.New("not authorized")

	// ErrSubscriptionFailed is returned when the server rejects a subscription.
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrClientDisconnected is returned when an operation is cancelled because
	// the client was disconnected or stopped.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrServerDisconnect is returned via OnConnectionLost when the server
	// sends a DISCONNECT packet to close the connection gracefully.
	ErrServerDisconnect = errors.New("server sent disconnect")

	// ErrAwaitPingResp is returned via OnConnectionLost when the network-side
	// keep-alive timer fires a second time while still awaiting a PINGRESP
	// for the PingReq it sent on the previous cycle — two ping cycles with
	// no response, per SPEC_FULL.md §7.
	ErrAwaitPingResp = errors.New("no pingresp received within two keep-alive cycles")
)
