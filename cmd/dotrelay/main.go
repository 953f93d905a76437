package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/getsentry/raven-go"

	"dotrelay/internal/log"
	"dotrelay/internal/meta"
	"dotrelay/internal/metrics"
	"dotrelay/internal/network"
	"dotrelay/internal/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.LookupEnv, os.Stderr))
}

// run configures and serves the proxy until ctx is canceled. It returns the process exit status.
func run(ctx context.Context, lookup meta.LookupFunc, stderr io.Writer) int {
	// Parse application configuration
	config, err := meta.ParseEnv(lookup)
	if err != nil {
		fmt.Fprintf(stderr, "dotrelay: %v\n", err)
		return 1
	}

	// Logging configuration; verbosity was validated with the rest of the config
	level, _ := log.ParseLevel(config.Application.Verbosity)
	logger := log.NewConsoleLogger(level, stderr)
	logger.Debug("main: initialized logger: level=%v version=%s", level, meta.VersionSHA)
	logger.Debug("main: effective configuration:\n%s", config.YAML())

	// The trust anchor bundle must be readable before anything is bound
	if err := meta.CheckTrustAnchor(config.Upstream.CAPath); err != nil {
		logger.Error("main: %v", err)
		return 1
	}

	roots, err := network.LoadCertPool(config.Upstream.CAPath)
	if err != nil {
		logger.Error("main: %v", err)
		return 1
	}

	// Configure error reporting
	if config.Application.SentryDSN != "" {
		if err := raven.SetDSN(config.Application.SentryDSN); err != nil {
			logger.Error("main: invalid sentry DSN: err=%v", err)
			return 1
		}

		raven.SetRelease(meta.VersionSHA)
	}

	// Configure metrics reporting
	clientCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	upstreamCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	clientCxIOHook := metrics.NewNoopConnectionIOHook()
	upstreamCxIOHook := metrics.NewNoopConnectionIOHook()
	proxyHook := metrics.NewNoopProxyHook()

	if config.Metrics.Statsd != nil {
		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
		)

		statsdClient, err := metrics.NewDefaultStatsdClient(
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		)
		if err != nil {
			logger.Error("main: %v", err)
			return 1
		}
		defer statsdClient.Close()

		clientCxLifecycleHook = metrics.NewAsyncStatsdConnectionLifecycleHook("client", statsdClient)
		upstreamCxLifecycleHook = metrics.NewAsyncStatsdConnectionLifecycleHook("upstream", statsdClient)
		clientCxIOHook = metrics.NewAsyncStatsdConnectionIOHook("client", statsdClient)
		upstreamCxIOHook = metrics.NewAsyncStatsdConnectionIOHook("upstream", statsdClient)
		proxyHook = metrics.NewAsyncStatsdProxyHook(statsdClient)
	} else {
		logger.Warn("main: no metrics output engine specified; disabling metrics")
	}

	// Configure the upstream relay
	logger.Info(
		"main: configuring TLS relay for upstream server: addr=%s name=%s timeout=%v",
		config.UpstreamAddress(),
		config.Upstream.ServerName,
		config.Upstream.Timeout,
	)

	relay, err := network.NewTLSRelay(
		config.UpstreamAddress(),
		config.Upstream.ServerName,
		roots,
		upstreamCxLifecycleHook,
		upstreamCxIOHook,
		network.TLSRelayOpts{
			Timeout:    config.Upstream.Timeout,
			Framing:    config.Framing(),
			BufferSize: config.Protocol.BufferSize,
		},
	)
	if err != nil {
		logger.Error("main: %v", err)
		return 1
	}

	if config.Framing() == network.Raw {
		logger.Warn(
			"main: raw framing truncates messages larger than the buffer: buffer_size=%d",
			config.Protocol.BufferSize,
		)
	}

	// Configure the server listener
	h := &protocol.DNSProxyHandler{
		Upstream:       relay,
		ClientCxIOHook: clientCxIOHook,
		ProxyHook:      proxyHook,
		Logger:         logger,
		Opts: protocol.DNSProxyOpts{
			Framing:         config.Framing(),
			BufferSize:      config.Protocol.BufferSize,
			ServFailOnError: config.Protocol.ServFailOnError,
			ReportErrors:    config.Application.SentryDSN != "",
		},
	}

	logger.Info(
		"main: configuring TCP server listener: addr=%s max_concurrent_conns=%d",
		config.ListenAddress(),
		config.Listener.MaxConcurrentConnections,
	)

	tcpServer := network.NewTCPServer(
		config.ListenAddress(),
		clientCxLifecycleHook,
		network.TCPServerOpts{
			ReadTimeout:              config.Listener.ReadTimeout,
			WriteTimeout:             config.Listener.WriteTimeout,
			MaxConcurrentConnections: config.Listener.MaxConcurrentConnections,
		},
	)

	// Serve until shutdown
	logger.Info("main: serving until interrupted")

	if err := tcpServer.ListenAndServe(ctx, h); err != nil {
		logger.Error("main: %v", err)
		return 1
	}

	stats := relay.Stats()
	logger.Info(
		"main: shut down: successful_relays=%d failed_relays=%d",
		stats.SuccessfulRelays,
		stats.FailedRelays,
	)

	return 0
}
