package metrics

import (
	"fmt"
	"net"
	"time"
)

// ConnectionLifecycleHook is a metrics hook interface for reporting events that occur during a TCP
// connection lifecycle, with either a client or the upstream.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports the event that a connection was successfully opened.
	EmitConnectionOpen(latency time.Duration, addr net.Addr)

	// EmitConnectionClose reports the event that a connection was closed.
	EmitConnectionClose(addr net.Addr)

	// EmitConnectionError reports occurrence of an error establishing a connection.
	EmitConnectionError()
}

// ConnectionIOHook is a metrics hook interface for reporting events related to I/O with an
// established connection.
type ConnectionIOHook interface {
	// EmitRead reports a successful read and its latency.
	EmitRead(latency time.Duration, addr net.Addr)

	// EmitReadError reports the event that a connection read failed.
	EmitReadError(addr net.Addr)

	// EmitWrite reports a successful write and its latency.
	EmitWrite(latency time.Duration, addr net.Addr)

	// EmitWriteError reports the event that a connection write failed.
	EmitWriteError(addr net.Addr)
}

// ProxyHook is a metrics hook interface for reporting events and latencies related to end-to-end
// proxying of a client request with the upstream server.
type ProxyHook interface {
	// EmitRequestSize reports the size of the proxied request on the wire.
	EmitRequestSize(bytes int64, client net.Addr)

	// EmitResponseSize reports the size of the proxied response on the wire.
	EmitResponseSize(bytes int64, upstream net.Addr)

	// EmitRTT reports the total, end-to-end latency associated with serving a single request
	// from a client. This includes the time to establish/teardown the upstream connection,
	// transact with the upstream, and proxy the response to/from the client.
	EmitRTT(latency time.Duration, client net.Addr, upstream net.Addr)

	// EmitUpstreamLatency reports the latency associated with transacting with the upstream
	// to serve a single request.
	EmitUpstreamLatency(latency time.Duration, client net.Addr, upstream net.Addr)

	// EmitError reports the occurrence of a critical error in the proxy lifecycle that causes
	// the request to not be correctly served. The reason classifies the failure.
	EmitError(reason string)
}

// AsyncStatsdConnectionLifecycleHook is an implementation of ConnectionLifecycleHook that outputs
// metrics asynchronously to statsd.
type AsyncStatsdConnectionLifecycleHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdConnectionIOHook is an implementation of ConnectionIOHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdConnectionIOHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdProxyHook is an implementation of ProxyHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdProxyHook struct {
	client *StatsdClient
}

// NoopConnectionLifecycleHook implements the ConnectionLifecycleHook interface but noops on all
// emissions.
type NoopConnectionLifecycleHook struct{}

// NoopConnectionIOHook implements the ConnectionIOHook interface but noops on all emissions.
type NoopConnectionIOHook struct{}

// NoopProxyHook implements the ProxyHook interface but noops on all emissions.
type NoopProxyHook struct{}

// NewAsyncStatsdConnectionLifecycleHook creates a hook emitting to the given statsd client. The
// source denotes the entity with whom the server is opening and closing TCP connections.
func NewAsyncStatsdConnectionLifecycleHook(source string, client *StatsdClient) ConnectionLifecycleHook {
	return &AsyncStatsdConnectionLifecycleHook{
		client: client,
		source: source,
	}
}

// EmitConnectionOpen statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr": ipFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.cx_open", h.source), 1, tags)

		if latency > 0 {
			h.client.Timing(fmt.Sprintf("latency.%s.cx_open", h.source), latency, tags)
		}
	}()
}

// EmitConnectionClose statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.cx_close", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitConnectionError statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionError() {
	go h.client.Count(fmt.Sprintf("event.%s.cx_error", h.source), 1, nil)
}

// NewNoopConnectionLifecycleHook creates a noop implementation of ConnectionLifecycleHook.
func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

// EmitConnectionOpen noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {}

// EmitConnectionClose noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {}

// EmitConnectionError noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

// NewAsyncStatsdConnectionIOHook creates a hook emitting to the given statsd client. The source
// denotes the entity with whom the server is performing I/O.
func NewAsyncStatsdConnectionIOHook(source string, client *StatsdClient) ConnectionIOHook {
	return &AsyncStatsdConnectionIOHook{
		client: client,
		source: source,
	}
}

// EmitRead statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {
	go h.client.Timing(fmt.Sprintf("latency.%s.read", h.source), latency, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitWrite statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {
	go h.client.Timing(fmt.Sprintf("latency.%s.write", h.source), latency, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// NewNoopConnectionIOHook creates a noop implementation of ConnectionIOHook.
func NewNoopConnectionIOHook() ConnectionIOHook {
	return &NoopConnectionIOHook{}
}

// EmitRead noops.
func (h *NoopConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {}

// EmitReadError noops.
func (h *NoopConnectionIOHook) EmitReadError(addr net.Addr) {}

// EmitWrite noops.
func (h *NoopConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopConnectionIOHook) EmitWriteError(addr net.Addr) {}

// NewAsyncStatsdProxyHook creates a proxy hook emitting to the given statsd client.
func NewAsyncStatsdProxyHook(client *StatsdClient) ProxyHook {
	return &AsyncStatsdProxyHook{client}
}

// EmitRequestSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.request", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitResponseSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitResponseSize(bytes int64, upstream net.Addr) {
	go h.client.Size("size.proxy.response", bytes, map[string]string{
		"addr": ipFromAddr(upstream),
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdProxyHook) EmitRTT(latency time.Duration, client net.Addr, upstream net.Addr) {
	go h.client.Timing("latency.proxy.tx_rtt", latency, map[string]string{
		"client":   ipFromAddr(client),
		"upstream": ipFromAddr(upstream),
	})
}

// EmitUpstreamLatency statsd implementation
func (h *AsyncStatsdProxyHook) EmitUpstreamLatency(latency time.Duration, client net.Addr, upstream net.Addr) {
	go h.client.Timing("latency.proxy.tx_upstream", latency, map[string]string{
		"client":   ipFromAddr(client),
		"upstream": ipFromAddr(upstream),
	})
}

// EmitError statsd implementation
func (h *AsyncStatsdProxyHook) EmitError(reason string) {
	go h.client.Count("event.proxy.error", 1, map[string]string{
		"reason": reason,
	})
}

// NewNoopProxyHook creates a noop implementation of ProxyHook.
func NewNoopProxyHook() ProxyHook {
	return &NoopProxyHook{}
}

// EmitRequestSize noops.
func (h *NoopProxyHook) EmitRequestSize(bytes int64, client net.Addr) {}

// EmitResponseSize noops.
func (h *NoopProxyHook) EmitResponseSize(bytes int64, upstream net.Addr) {}

// EmitRTT noops.
func (h *NoopProxyHook) EmitRTT(latency time.Duration, client net.Addr, upstream net.Addr) {}

// EmitUpstreamLatency noops.
func (h *NoopProxyHook) EmitUpstreamLatency(latency time.Duration, client net.Addr, upstream net.Addr) {
}

// EmitError noops.
func (h *NoopProxyHook) EmitError(reason string) {}

// ipFromAddr returns the IP address from a full net.Addr, or null if unavailable.
func ipFromAddr(addr net.Addr) string {
	switch networkAddr := addr.(type) {
	case *net.TCPAddr:
		if networkAddr == nil || networkAddr.IP == nil {
			return "null"
		}

		return networkAddr.IP.String()
	default:
		return "null"
	}
}
