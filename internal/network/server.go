package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"dotrelay/internal/metrics"
)

// contextKey is a type alias for context keys passed to server handlers.
type contextKey int

// ServerHandler is a common interface that wraps logic for handling incoming connections.
type ServerHandler interface {
	// Handle describes the routine to run when the server establishes a successful connection
	// with a client. The passed conn is a net.Conn-implementing TCPConn. The context is canceled
	// when the server shuts down.
	Handle(ctx context.Context, conn net.Conn) error

	// ConsumeError is a callback invoked when the server fails to establish a connection with a
	// client, or when the handler returns an error.
	ConsumeError(ctx context.Context, err error)
}

// TCPServer describes a server that listens on a TCP address.
type TCPServer struct {
	addr   string
	cxHook metrics.ConnectionLifecycleHook
	opts   TCPServerOpts
	nextID uint64
}

// TCPServerOpts formalizes TCP server configuration options.
type TCPServerOpts struct {
	// ReadTimeout is the maximum amount of time the server will wait to read from a client
	// after it has established a connection with the server, after which the server will
	// consider the read to have failed.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum amount of time the server is allowed to take to write to a
	// client, after which the server will consider the write to have failed.
	WriteTimeout time.Duration
	// MaxConcurrentConnections configures the maximum number of clients that are served at
	// once. Further connections wait in the listen backlog until a slot frees up.
	MaxConcurrentConnections int
}

const (
	// ConnectionIDContextKey is the name of the context key carrying the sequential identifier
	// (uint64) the server assigned to the connection being handled.
	ConnectionIDContextKey contextKey = iota
)

const (
	defaultMaxConcurrentConnections = 128
	maxAcceptBackoff                = time.Second
)

// NewTCPServer creates a TCP server listening on the specified address.
func NewTCPServer(addr string, cxHook metrics.ConnectionLifecycleHook, opts TCPServerOpts) *TCPServer {
	// Sane option defaults
	if opts.MaxConcurrentConnections <= 0 {
		opts.MaxConcurrentConnections = defaultMaxConcurrentConnections
	}

	return &TCPServer{addr: addr, cxHook: cxHook, opts: opts}
}

// ListenAndServe starts listening on the TCP address with which the server was configured and
// serves connections using the specified handler until ctx is canceled. It returns an error if it
// fails to bind to the initialized address.
func (s *TCPServer) ListenAndServe(ctx context.Context, handler ServerHandler) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on TCP socket: err=%v", err)
	}

	return s.Serve(ctx, ln, handler)
}

// Serve accepts connections on ln, handling each one in its own goroutine. When ctx is canceled,
// the listener is closed, every in-flight handler's context is canceled, and Serve returns once all
// handlers have returned. The listener is always closed when Serve returns.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener, handler ServerHandler) error {
	ctx, cancel := context.WithCancel(ctx)

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})

	var wg sync.WaitGroup

	defer func() {
		stop()
		cancel()
		ln.Close()
		wg.Wait()
	}()

	sem := semaphore.NewWeighted(int64(s.opts.MaxConcurrentConnections))

	var backoff time.Duration

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			sem.Release(1)

			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: listener closed: err=%v", err)
			}

			s.cxHook.EmitConnectionError()
			handler.ConsumeError(ctx, fmt.Errorf("server: error accepting connection: err=%v", err))

			// Back off on repeated accept failures, e.g. file descriptor exhaustion.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}

			continue
		}

		backoff = 0

		tcpConn := NewTCPConn(conn, s.opts.ReadTimeout, s.opts.WriteTimeout)
		s.cxHook.EmitConnectionOpen(0, tcpConn.RemoteAddr())

		connCtx := context.WithValue(ctx, ConnectionIDContextKey, atomic.AddUint64(&s.nextID, 1))

		wg.Add(1)

		go func() {
			defer func() {
				s.cxHook.EmitConnectionClose(tcpConn.RemoteAddr())
				tcpConn.Close()
				sem.Release(1)
				wg.Done()
			}()

			if err := handler.Handle(connCtx, tcpConn); err != nil {
				handler.ConsumeError(connCtx, err)
			}
		}()
	}
}

// ConnectionID reads the connection identifier assigned by the server, or zero if there is none.
func ConnectionID(ctx context.Context) uint64 {
	id, _ := ctx.Value(ConnectionIDContextKey).(uint64)
	return id
}
