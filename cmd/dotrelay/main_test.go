package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dotrelay/internal/network/networktest"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func splitAddr(t *testing.T, addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	return host, port
}

func TestRunExitsBeforeBindingWithoutTrustAnchor(t *testing.T) {
	listenIP, listenPort := splitAddr(t, networktest.ClosedAddr(t))

	var stderr bytes.Buffer
	status := run(context.Background(), lookupFrom(map[string]string{
		"CA_PATH":               "/nonexistent/ca-certificates.crt",
		"LISTENING_SOCKET_IP":   listenIP,
		"LISTENING_SOCKET_PORT": listenPort,
	}), &stderr)

	require.Equal(t, 1, status)
	require.Contains(t, stderr.String(), "unable to open CA bundle")

	// Nothing was ever bound to the listening address.
	ln, err := net.Listen("tcp", net.JoinHostPort(listenIP, listenPort))
	require.NoError(t, err)
	ln.Close()
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	var stderr bytes.Buffer
	status := run(context.Background(), lookupFrom(map[string]string{
		"DNS_SERVER_PORT": "not-a-port",
	}), &stderr)

	require.Equal(t, 1, status)
	require.Contains(t, stderr.String(), "DNS_SERVER_PORT")
}

func TestRunServesUntilCanceled(t *testing.T) {
	fixed := []byte{0x00, 0x02, 0x0f, 0xf0}

	ca := networktest.NewCA(t)
	upstream := networktest.NewTLSServer(t, ca.Issue(t, "resolver.example.test"), networktest.Fixed(fixed))
	upstreamIP, upstreamPort := splitAddr(t, upstream.Addr())
	listenIP, listenPort := splitAddr(t, networktest.ClosedAddr(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status := make(chan int, 1)
	go func() {
		status <- run(ctx, lookupFrom(map[string]string{
			"DNS_SERVER_IP":         upstreamIP,
			"DNS_SERVER_PORT":       upstreamPort,
			"DNS_SERVER_NAME":       "resolver.example.test",
			"CA_PATH":               ca.WriteBundle(t),
			"LISTENING_SOCKET_IP":   listenIP,
			"LISTENING_SOCKET_PORT": listenPort,
			"UPSTREAM_TIMEOUT":      "5s",
		}), io.Discard)
	}()

	listenAddr := net.JoinHostPort(listenIP, listenPort)

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("tcp", listenAddr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err := conn.Write(bytes.Repeat([]byte{0x42}, 12))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, fixed, resp)

	cancel()

	select {
	case code := <-status:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
