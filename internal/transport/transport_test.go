package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenTCPAcceptsConnections(t *testing.T) {
	ln, err := Listen(context.Background(), Config{Kind: KindTCP, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	dialed, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer dialed.Close()

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
}

func TestListenDefaultsToTCP(t *testing.T) {
	ln, err := Listen(context.Background(), Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()
	require.NotEmpty(t, ln.Addr().String())
}

func TestListenUnsupportedKind(t *testing.T) {
	_, err := Listen(context.Background(), Config{Kind: "quic", Addr: "127.0.0.1:0"})
	require.Error(t, err)

	var unsupported *UnsupportedKindError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, Kind("quic"), unsupported.Kind)
}

func TestListenTLSRequiresValidCertPair(t *testing.T) {
	_, err := ListenTLS(context.Background(), "127.0.0.1:0", "/no/such/cert.pem", "/no/such/key.pem")
	require.Error(t, err)
}
