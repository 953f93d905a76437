package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"lib.kevinlin.info/aperture/lib"

	"dotrelay/internal/metrics"
)

// Relay defines the interface for forwarding a single opaque query to an upstream server.
type Relay interface {
	// Relay sends the query upstream and returns the upstream's response.
	Relay(ctx context.Context, query []byte) ([]byte, error)

	// RemoteAddr describes the upstream server, for reporting purposes.
	RemoteAddr() net.Addr
}

// Stats formalizes stats tracked per-relay.
type Stats struct {
	// SuccessfulRelays is the number of queries for which the relay returned a response.
	SuccessfulRelays int
	// FailedRelays is the number of queries for which the relay returned an error.
	FailedRelays int
}

// TLSRelay forwards each query over a fresh TLS connection to a single upstream server. Connections
// are never pooled or shared between queries.
type TLSRelay struct {
	addr       string
	remote     net.Addr
	serverName string
	roots      *x509.CertPool
	cxHook     metrics.ConnectionLifecycleHook
	ioHook     metrics.ConnectionIOHook
	opts       TLSRelayOpts
	stats      Stats
	statsMutex sync.RWMutex
}

// TLSRelayOpts formalizes TLS relay configuration options.
type TLSRelayOpts struct {
	// Timeout bounds an entire relay: connection establishment, TLS handshake, and the
	// write-read transaction with the upstream.
	Timeout time.Duration
	// Framing determines how the upstream response boundary is found.
	Framing Framing
	// BufferSize bounds the response read under Raw framing.
	BufferSize int
}

const (
	defaultRelayTimeout = 10 * time.Second
	defaultBufferSize   = 1024
)

// LoadCertPool reads a PEM-encoded bundle of trust anchors from disk.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay: error reading CA bundle: path=%s err=%v", path, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("relay: no certificates found in CA bundle: path=%s", path)
	}

	return pool, nil
}

// NewTLSRelay creates a relay to the upstream at addr (host:port). The upstream must present a
// certificate chaining to roots and issued for serverName; serverName is also sent as SNI.
func NewTLSRelay(addr string, serverName string, roots *x509.CertPool, cxHook metrics.ConnectionLifecycleHook, ioHook metrics.ConnectionIOHook, opts TLSRelayOpts) (*TLSRelay, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid upstream address: addr=%s err=%v", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid upstream port: addr=%s err=%v", addr, err)
	}

	if serverName == "" {
		return nil, fmt.Errorf("relay: missing upstream TLS server name")
	}

	if roots == nil {
		return nil, fmt.Errorf("relay: missing trust anchors")
	}

	// Sane option defaults
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRelayTimeout
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}

	return &TLSRelay{
		addr:       addr,
		remote:     &net.TCPAddr{IP: net.ParseIP(host), Port: port},
		serverName: serverName,
		roots:      roots,
		cxHook:     cxHook,
		ioHook:     ioHook,
		opts:       opts,
	}, nil
}

// Relay opens one TLS connection to the upstream, validates the peer, writes the query, reads one
// response, and closes the connection. Failures are reported as *RelayError.
func (r *TLSRelay) Relay(ctx context.Context, query []byte) (resp []byte, err error) {
	defer func() {
		r.statsMutex.Lock()
		defer r.statsMutex.Unlock()

		if err != nil {
			r.stats.FailedRelays++
		} else {
			r.stats.SuccessfulRelays++
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}

	defer func() {
		r.cxHook.EmitConnectionClose(conn.RemoteAddr())
		conn.Close()
	}()

	// Pending I/O is interrupted as soon as the caller goes away or the timeout lapses.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, r.classify(ctx, WriteFailure, errors.Wrap(err, "error setting deadline"))
		}
	}

	/* Proxy the query to the upstream */

	writeTimer := lib.NewStopwatch()

	n, err := conn.Write(query)
	if err == nil && n != len(query) {
		err = fmt.Errorf("short write: expected=%d actual=%d", len(query), n)
	}

	if err != nil {
		r.ioHook.EmitWriteError(conn.RemoteAddr())
		return nil, r.classify(ctx, WriteFailure, errors.Wrap(err, "error writing query to upstream"))
	}

	r.ioHook.EmitWrite(writeTimer.Elapsed(), conn.RemoteAddr())

	/* Read the response from the upstream */

	readTimer := lib.NewStopwatch()

	resp, err = ReadMessage(conn, r.opts.Framing, r.opts.BufferSize)
	if err != nil {
		r.ioHook.EmitReadError(conn.RemoteAddr())
		return nil, r.classify(ctx, ReadFailure, errors.Wrap(err, "error reading response from upstream"))
	}

	r.ioHook.EmitRead(readTimer.Elapsed(), conn.RemoteAddr())

	return resp, nil
}

// RemoteAddr returns the configured upstream address. The IP is nil when the upstream was
// configured by hostname.
func (r *TLSRelay) RemoteAddr() net.Addr {
	return r.remote
}

// Stats returns current relay stats.
func (r *TLSRelay) Stats() Stats {
	r.statsMutex.RLock()
	defer r.statsMutex.RUnlock()

	return r.stats
}

// String returns a string representation of the relay.
func (r *TLSRelay) String() string {
	return fmt.Sprintf("TLSRelay{addr: %s, server_name: %s}", r.addr, r.serverName)
}

// dial establishes a TCP connection with the upstream and completes a verified TLS handshake. It
// either returns a usable connection or an error; it never returns a partially constructed one.
func (r *TLSRelay) dial(ctx context.Context) (*tls.Conn, error) {
	dialTimer := lib.NewStopwatch()

	var dialer net.Dialer

	rawConn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		r.cxHook.EmitConnectionError()
		return nil, r.classify(ctx, ConnectFailure, errors.Wrap(err, "error establishing connection"))
	}

	tlsConn := tls.Client(rawConn, r.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		r.cxHook.EmitConnectionError()

		// Certificate checks fail the handshake with an already classified error.
		var relayErr *RelayError
		if errors.As(err, &relayErr) {
			return nil, relayErr
		}

		return nil, r.classify(ctx, HandshakeFailure, errors.Wrap(err, "TLS handshake failed"))
	}

	r.cxHook.EmitConnectionOpen(dialTimer.Elapsed(), rawConn.RemoteAddr())

	return tlsConn, nil
}

// tlsConfig builds the client configuration for a single connection. There is no session cache; TLS
// state never outlives a relay.
func (r *TLSRelay) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: r.serverName,
		MinVersion: tls.VersionTLS12,
		// The standard verification is replaced by verifyConnection, which reports chain and
		// identity failures separately. This does not disable VerifyConnection.
		InsecureSkipVerify: true,
		VerifyConnection:   r.verifyConnection,
	}
}

// verifyConnection validates the peer chain against the trust anchors, then separately checks that
// the leaf certificate was issued for the expected server name.
func (r *TLSRelay) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return &RelayError{
			Kind: UntrustedCertificate,
			Err:  errors.New("upstream presented no certificates"),
		}
	}

	opts := x509.VerifyOptions{
		Roots:         r.roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	leaf := cs.PeerCertificates[0]

	if _, err := leaf.Verify(opts); err != nil {
		return &RelayError{
			Kind: UntrustedCertificate,
			Err:  errors.Wrap(err, "certificate chain validation failed"),
		}
	}

	if err := leaf.VerifyHostname(r.serverName); err != nil {
		return &RelayError{
			Kind: IdentityMismatch,
			Err:  errors.Wrapf(err, "certificate not issued for server name %s", r.serverName),
		}
	}

	return nil
}

// classify wraps err in a RelayError. Context expiry takes precedence over the supplied kind.
func (r *TLSRelay) classify(ctx context.Context, kind ErrorKind, err error) *RelayError {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		kind = Timeout
	case context.Canceled:
		kind = Canceled
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = Timeout
		}
	}

	return &RelayError{Kind: kind, Err: err}
}
