// Package transport provides the server-side listener abstraction the
// daemon accepts connections through: plain TCP, TLS, and WebSocket. Each
// produces ordinary net.Conn streams so the connection handler's Framer
// never needs to know which one it got, mirroring the teacher's own
// transport-agnostic client.ContextDialer design in options.go.
package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Listener accepts incoming MQTT connections regardless of the underlying
// transport. It is satisfied by net.Listener directly for the plain-TCP and
// TLS cases, and by a small adapter for WebSocket.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Kind names one of the transports a listener entry in the daemon's
// configuration can select.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "ws"
)

// Config describes one listener the daemon should open.
type Config struct {
	Kind     Kind
	Addr     string
	CertFile string // required when Kind == KindTLS
	KeyFile  string // required when Kind == KindTLS
}

// Listen opens a Listener for cfg. ctx is used only while the listening
// socket is being opened: cancelling it after Listen returns neither
// unblocks Accept nor affects already-open connections.
func Listen(ctx context.Context, cfg Config) (Listener, error) {
	switch cfg.Kind {
	case KindTCP, "":
		return ListenTCP(ctx, cfg.Addr)
	case KindTLS:
		return ListenTLS(ctx, cfg.Addr, cfg.CertFile, cfg.KeyFile)
	case KindWebSocket:
		return ListenWebSocket(ctx, cfg.Addr)
	default:
		return nil, &UnsupportedKindError{Kind: cfg.Kind}
	}
}

// UnsupportedKindError is returned by Listen for an unrecognized Kind.
type UnsupportedKindError struct {
	Kind Kind
}

func (e *UnsupportedKindError) Error() string {
	return "transport: unsupported listener kind " + string(e.Kind)
}

// ListenTCP opens a plain TCP listener, grounded on the teacher's own
// dialServer plain-TCP branch in client.go (net.Dialer.DialContext),
// mirrored on the accept side.
func ListenTCP(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// ListenTLS opens a TLS listener using a certificate/key pair from disk,
// reusing *tls.Config the same way clientOptions.TLSConfig is consumed on
// the dial side in client.go.
func ListenTLS(ctx context.Context, addr, certFile, keyFile string) (Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	tcpLn, err := ListenTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return tls.NewListener(tcpLn, cfg), nil
}
