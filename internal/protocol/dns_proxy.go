package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"lib.kevinlin.info/aperture/lib"

	"dotrelay/internal/log"
	"dotrelay/internal/metrics"
	"dotrelay/internal/network"
)

// DNSProxyHandler is a server handler that relays each client's DNS query, as opaque bytes, to the
// upstream DNS-over-TLS resolver and writes the response back to the client.
type DNSProxyHandler struct {
	Upstream       network.Relay
	ClientCxIOHook metrics.ConnectionIOHook
	ProxyHook      metrics.ProxyHook
	Logger         log.Logger
	Opts           DNSProxyOpts
}

// DNSProxyOpts formalizes configuration options for the proxy handler.
type DNSProxyOpts struct {
	// Framing determines how the client query boundary is found.
	Framing network.Framing
	// BufferSize bounds the client read under Raw framing. Larger queries are truncated.
	BufferSize int
	// ServFailOnError replies with a synthesized SERVFAIL, when the query parses as a DNS
	// message, instead of closing the connection silently after a relay failure.
	ServFailOnError bool
	// ReportErrors enables capturing handler errors with Sentry.
	ReportErrors bool
}

// ConsumeError logs the proxy error and reports it to metrics and, if enabled, Sentry.
func (h *DNSProxyHandler) ConsumeError(ctx context.Context, err error) {
	reason := "proxy"
	if kind, ok := network.KindOf(err); ok {
		reason = kind.String()
	}

	h.Logger.Error("%v", err)
	h.ProxyHook.EmitError(reason)

	if h.Opts.ReportErrors {
		raven.CaptureError(err, map[string]string{
			"reason": reason,
			"conn":   fmt.Sprintf("%d", network.ConnectionID(ctx)),
		})
	}
}

// Handle reads a query from the client connection, relays it to the upstream, and writes the
// upstream response back to the client. If the relay fails, the client gets no response (or a
// SERVFAIL, if enabled) and the error is returned.
func (h *DNSProxyHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	rttTxTimer := lib.NewStopwatch()
	id := network.ConnectionID(ctx)

	/* Read the DNS request from the client */

	clientReq, err := h.clientRead(clientConn)
	if err != nil {
		return errors.Wrapf(err, "dns_proxy: conn=%d", id)
	}

	h.Logger.Debug(
		"dns_proxy: read request from client: conn=%d request_bytes=%d",
		id,
		len(clientReq),
	)

	/* Relay the request upstream over a dedicated TLS connection */

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.watchClient(clientConn, cancel)

	upstreamTxTimer := lib.NewStopwatch()

	upstreamResp, err := h.Upstream.Relay(ctx, clientReq)
	if err != nil {
		if h.Opts.ServFailOnError {
			h.replyServerFailure(id, clientConn, clientReq)
		}

		return errors.Wrapf(err, "dns_proxy: error relaying request upstream: conn=%d", id)
	}

	h.ProxyHook.EmitUpstreamLatency(
		upstreamTxTimer.Elapsed(),
		clientConn.RemoteAddr(),
		h.Upstream.RemoteAddr(),
	)

	h.Logger.Debug(
		"dns_proxy: completed upstream relay: conn=%d response_bytes=%d",
		id,
		len(upstreamResp),
	)

	/* Write the relayed result back to the client */

	if err := h.clientWrite(clientConn, upstreamResp); err != nil {
		return errors.Wrapf(err, "dns_proxy: conn=%d", id)
	}

	h.Logger.Debug("dns_proxy: completed write back to client: conn=%d rtt=%v", id, rttTxTimer.Elapsed())

	/* Report end-to-end metrics */

	h.ProxyHook.EmitRequestSize(int64(len(clientReq)), clientConn.RemoteAddr())
	h.ProxyHook.EmitResponseSize(int64(len(upstreamResp)), h.Upstream.RemoteAddr())
	h.ProxyHook.EmitRTT(
		rttTxTimer.Elapsed(),
		clientConn.RemoteAddr(),
		h.Upstream.RemoteAddr(),
	)

	return nil
}

// clientRead reads a request from the client.
func (h *DNSProxyHandler) clientRead(conn net.Conn) ([]byte, error) {
	clientReadTimer := lib.NewStopwatch()

	clientReq, err := network.ReadMessage(conn, h.Opts.Framing, h.bufferSize())
	if err != nil {
		h.ClientCxIOHook.EmitReadError(conn.RemoteAddr())
		return nil, fmt.Errorf("dns_proxy: error reading request from client: err=%v", err)
	}

	h.ClientCxIOHook.EmitRead(clientReadTimer.Elapsed(), conn.RemoteAddr())

	return clientReq, nil
}

// clientWrite writes data back to the client.
func (h *DNSProxyHandler) clientWrite(conn net.Conn, resp []byte) error {
	clientWriteTimer := lib.NewStopwatch()
	clientWriteBytes, err := conn.Write(resp)

	if err != nil {
		h.ClientCxIOHook.EmitWriteError(conn.RemoteAddr())
		return fmt.Errorf("dns_proxy: error writing response to client: err=%v", err)
	}

	if clientWriteBytes != len(resp) {
		h.ClientCxIOHook.EmitWriteError(conn.RemoteAddr())
		return fmt.Errorf(
			"dns_proxy: failed writing response bytes to client: expected=%d actual=%d",
			len(resp),
			clientWriteBytes,
		)
	}

	h.ClientCxIOHook.EmitWrite(clientWriteTimer.Elapsed(), conn.RemoteAddr())

	return nil
}

// replyServerFailure writes a synthesized SERVFAIL to the client, if the query can be parsed.
func (h *DNSProxyHandler) replyServerFailure(id uint64, conn net.Conn, clientReq []byte) {
	reply, err := ServerFailure(clientReq)
	if err != nil {
		h.Logger.Debug("dns_proxy: not replying with SERVFAIL: conn=%d err=%v", id, err)
		return
	}

	if err := h.clientWrite(conn, reply); err != nil {
		h.Logger.Warn("dns_proxy: error writing SERVFAIL: conn=%d err=%v", id, err)
		return
	}

	h.Logger.Debug("dns_proxy: replied with SERVFAIL: conn=%d", id)
}

// watchClient cancels the in-flight relay if the client connection fails, e.g. it is reset. A clean
// EOF is a half-close from a client that may still be waiting for its response, so it is ignored.
// The watcher exits when the server closes the connection after Handle returns.
func (h *DNSProxyHandler) watchClient(conn net.Conn, cancel context.CancelFunc) {
	raw := conn
	if wrapped, ok := conn.(interface{ Unwrap() net.Conn }); ok {
		raw = wrapped.Unwrap()
	}

	// Clear the deadline left over from the query read; the relay has its own timeout.
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	if _, err := raw.Read(make([]byte, 1)); err != nil && !errors.Is(err, io.EOF) {
		cancel()
	}
}

func (h *DNSProxyHandler) bufferSize() int {
	if h.Opts.BufferSize <= 0 {
		return 1024
	}

	return h.Opts.BufferSize
}
