package meta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"dotrelay/internal/network"
)

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func TestParseEnvDefaults(t *testing.T) {
	cfg, err := ParseEnv(lookupFrom(nil))
	require.NoError(t, err)

	require.Equal(t, "1.1.1.1:853", cfg.UpstreamAddress())
	require.Equal(t, "cloudflare-dns.com", cfg.Upstream.ServerName)
	require.Equal(t, "/etc/ssl/certs/ca-certificates.crt", cfg.Upstream.CAPath)
	require.Equal(t, 10*time.Second, cfg.Upstream.Timeout)
	require.Equal(t, "0.0.0.0:35353", cfg.ListenAddress())
	require.Equal(t, 1024, cfg.Protocol.BufferSize)
	require.Equal(t, network.Raw, cfg.Framing())
	require.False(t, cfg.Protocol.ServFailOnError)
	require.Equal(t, "error", cfg.Application.Verbosity)
	require.Nil(t, cfg.Metrics.Statsd)
}

func TestParseEnvOverrides(t *testing.T) {
	cfg, err := ParseEnv(lookupFrom(map[string]string{
		"DNS_SERVER_IP":              "9.9.9.9",
		"DNS_SERVER_PORT":            "8853",
		"DNS_SERVER_NAME":            "dns.quad9.net",
		"CA_PATH":                    "/tmp/ca.pem",
		"LISTENING_SOCKET_IP":        "127.0.0.1",
		"LISTENING_SOCKET_PORT":      "5353",
		"UPSTREAM_TIMEOUT":           "750ms",
		"CLIENT_READ_TIMEOUT":        "2",
		"MAX_CONCURRENT_CONNECTIONS": "4",
		"BUFFER_SIZE":                "4096",
		"FRAMING":                    "TCP",
		"SERVFAIL_ON_ERROR":          "true",
		"VERBOSITY":                  "debug",
		"STATSD_ADDR":                "127.0.0.1:8125",
		"STATSD_SAMPLE_RATE":         "0.5",
	}))
	require.NoError(t, err)

	require.Equal(t, "9.9.9.9:8853", cfg.UpstreamAddress())
	require.Equal(t, "dns.quad9.net", cfg.Upstream.ServerName)
	require.Equal(t, "/tmp/ca.pem", cfg.Upstream.CAPath)
	require.Equal(t, 750*time.Millisecond, cfg.Upstream.Timeout)
	require.Equal(t, "127.0.0.1:5353", cfg.ListenAddress())
	require.Equal(t, 2*time.Second, cfg.Listener.ReadTimeout)
	require.Equal(t, 10*time.Second, cfg.Listener.WriteTimeout)
	require.Equal(t, 4, cfg.Listener.MaxConcurrentConnections)
	require.Equal(t, 4096, cfg.Protocol.BufferSize)
	require.Equal(t, network.LengthPrefixed, cfg.Framing())
	require.True(t, cfg.Protocol.ServFailOnError)
	require.Equal(t, "debug", cfg.Application.Verbosity)
	require.Equal(t, &StatsdConfig{Address: "127.0.0.1:8125", SampleRate: 0.5}, cfg.Metrics.Statsd)
}

func TestParseEnvEmptyValuesUseDefaults(t *testing.T) {
	cfg, err := ParseEnv(lookupFrom(map[string]string{
		"DNS_SERVER_PORT": "",
		"CA_PATH":         "",
	}))
	require.NoError(t, err)

	require.Equal(t, 853, cfg.Upstream.Port)
	require.Equal(t, defaultCAPath, cfg.Upstream.CAPath)
}

func TestParseEnvInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"non-numeric port":   {"DNS_SERVER_PORT": "dot"},
		"port out of range":  {"LISTENING_SOCKET_PORT": "70000"},
		"zero upstream port": {"DNS_SERVER_PORT": "0"},
		"bad duration":       {"UPSTREAM_TIMEOUT": "soon"},
		"negative timeout":   {"UPSTREAM_TIMEOUT": "-1s"},
		"bad framing":        {"FRAMING": "udp"},
		"zero buffer":        {"BUFFER_SIZE": "0"},
		"huge buffer":        {"BUFFER_SIZE": "70000"},
		"bad bool":           {"SERVFAIL_ON_ERROR": "sometimes"},
		"bad verbosity":      {"VERBOSITY": "loud"},
		"bad sample rate":    {"STATSD_ADDR": "127.0.0.1:8125", "STATSD_SAMPLE_RATE": "1.5"},
		"zero concurrency":   {"MAX_CONCURRENT_CONNECTIONS": "0"},
	}

	for name, env := range cases {
		_, err := ParseEnv(lookupFrom(env))
		require.Error(t, err, name)
	}
}

func TestConfigYAML(t *testing.T) {
	cfg, err := ParseEnv(lookupFrom(map[string]string{"DNS_SERVER_NAME": "dns.google"}))
	require.NoError(t, err)

	var rendered map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(cfg.YAML()), &rendered))
	require.Equal(t, "dns.google", rendered["upstream"]["server_name"])
	require.Equal(t, 35353, rendered["listener"]["port"])
}

func TestCheckTrustAnchor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, os.WriteFile(path, []byte("not checked for contents"), 0o600))

	require.NoError(t, CheckTrustAnchor(path))
	require.Error(t, CheckTrustAnchor(filepath.Join(t.TempDir(), "missing.pem")))
}
