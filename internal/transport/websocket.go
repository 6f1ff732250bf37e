package transport

import (
	"context"
	"net"
	"net/http"

	"nhooyr.io/websocket"
)

// wsListener adapts an nhooyr.io/websocket HTTP upgrade handler to the
// Listener interface, so the daemon's accept loop can treat it exactly like
// a plain net.Listener. Grounded on the teacher's examples/websocket/main.go
// client-side use of nhooyr.io/websocket, mirrored for the accept side.
type wsListener struct {
	tcp    net.Listener
	server *http.Server
	conns  chan net.Conn
	errs   chan error
}

// ListenWebSocket opens an HTTP server on addr that upgrades every request
// to a WebSocket carrying the "mqtt" subprotocol, yielding each upgraded
// connection as a net.Conn through Accept.
func ListenWebSocket(ctx context.Context, addr string) (Listener, error) {
	tcpLn, err := ListenTCP(ctx, addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		tcp:   tcpLn.(net.Listener),
		conns: make(chan net.Conn),
		errs:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"mqtt"},
		})
		if err != nil {
			return
		}
		conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
		select {
		case l.conns <- conn:
		case <-r.Context().Done():
			conn.Close()
		}
	})
	l.server = &http.Server{Handler: mux}

	go func() {
		l.errs <- l.server.Serve(l.tcp)
	}()

	return l, nil
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case err := <-l.errs:
		return nil, err
	}
}

func (l *wsListener) Close() error {
	return l.server.Close()
}

func (l *wsListener) Addr() net.Addr {
	return l.tcp.Addr()
}
