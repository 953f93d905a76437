package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dotrelay/internal/metrics"
)

// handlerFunc adapts a function to ServerHandler, recording consumed errors.
type handlerFunc struct {
	handle func(ctx context.Context, conn net.Conn) error

	mutex  sync.Mutex
	errors []error
}

func (h *handlerFunc) Handle(ctx context.Context, conn net.Conn) error {
	return h.handle(ctx, conn)
}

func (h *handlerFunc) ConsumeError(ctx context.Context, err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.errors = append(h.errors, err)
}

func (h *handlerFunc) consumed() []error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return append([]error(nil), h.errors...)
}

// runningServer is a TCPServer serving on a loopback port in the background.
type runningServer struct {
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// stop shuts the server down and returns the result of Serve. It may be called more than once.
func (s *runningServer) stop() error {
	s.cancel()
	<-s.done

	return s.err
}

func startServer(t *testing.T, opts TCPServerOpts, handler ServerHandler) *runningServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	server := NewTCPServer(ln.Addr().String(), metrics.NewNoopConnectionLifecycleHook(), opts)

	running := &runningServer{
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(running.done)
		running.err = server.Serve(ctx, ln, handler)
	}()

	t.Cleanup(func() {
		running.stop()
	})

	return running
}

func roundTrip(t *testing.T, addr string, payload []byte) []byte {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write(payload)
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)

	return resp
}

func TestTCPServerServesConnections(t *testing.T) {
	handler := &handlerFunc{handle: func(ctx context.Context, conn net.Conn) error {
		if ConnectionID(ctx) == 0 {
			return fmt.Errorf("missing connection ID")
		}

		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}

		_, err = conn.Write(buf[:n])
		return err
	}}

	addr := startServer(t, TCPServerOpts{}, handler).addr

	require.Equal(t, []byte("first"), roundTrip(t, addr, []byte("first")))
	require.Equal(t, []byte("second"), roundTrip(t, addr, []byte("second")))
	require.Empty(t, handler.consumed())
}

func TestTCPServerSlowClientDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})

	handler := &handlerFunc{handle: func(ctx context.Context, conn net.Conn) error {
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}

		if string(buf[:n]) == "slow" {
			<-release
		}

		_, err = conn.Write(buf[:n])
		return err
	}}

	addr := startServer(t, TCPServerOpts{MaxConcurrentConnections: 2}, handler).addr

	slow, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer slow.Close()

	_, err = slow.Write([]byte("slow"))
	require.NoError(t, err)

	require.Equal(t, []byte("fast"), roundTrip(t, addr, []byte("fast")))

	close(release)

	resp, err := io.ReadAll(slow)
	require.NoError(t, err)
	require.Equal(t, []byte("slow"), resp)
}

func TestTCPServerReportsHandlerErrors(t *testing.T) {
	handler := &handlerFunc{handle: func(ctx context.Context, conn net.Conn) error {
		conn.Read(make([]byte, 64))
		return io.ErrUnexpectedEOF
	}}

	addr := startServer(t, TCPServerOpts{}, handler).addr

	require.Empty(t, roundTrip(t, addr, []byte("query")))
	require.Eventually(t, func() bool {
		return len(handler.consumed()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTCPServerShutdownCancelsHandlers(t *testing.T) {
	entered := make(chan struct{})

	handler := &handlerFunc{handle: func(ctx context.Context, conn net.Conn) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}

	server := startServer(t, TCPServerOpts{}, handler)

	conn, err := net.Dial("tcp", server.addr)
	require.NoError(t, err)
	defer conn.Close()

	<-entered

	stopped := make(chan error, 1)
	go func() {
		stopped <- server.stop()
	}()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The listening socket has been released.
	_, err = net.DialTimeout("tcp", server.addr, time.Second)
	require.Error(t, err)
}

func TestTCPServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	server := NewTCPServer(ln.Addr().String(), metrics.NewNoopConnectionLifecycleHook(), TCPServerOpts{})
	handler := &handlerFunc{handle: func(ctx context.Context, conn net.Conn) error { return nil }}

	err = server.ListenAndServe(context.Background(), handler)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to listen")
}
