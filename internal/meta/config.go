package meta

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"dotrelay/internal/log"
	"dotrelay/internal/network"
)

// LookupFunc resolves a single environment key. It has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	Verbosity string `yaml:"verbosity"`
	SentryDSN string `yaml:"sentry_dsn,omitempty"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *StatsdConfig `yaml:"statsd,omitempty"`
}

// StatsdConfig describes the statsd metrics output engine.
type StatsdConfig struct {
	Address    string  `yaml:"addr"`
	SampleRate float32 `yaml:"sample_rate"`
}

// ListenerConfig is a top-level block for the local TCP listener.
type ListenerConfig struct {
	IP                       string        `yaml:"ip"`
	Port                     int           `yaml:"port"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
}

// UpstreamConfig is a top-level block for the single upstream DNS-over-TLS resolver.
type UpstreamConfig struct {
	IP         string        `yaml:"ip"`
	Port       int           `yaml:"port"`
	ServerName string        `yaml:"server_name"`
	CAPath     string        `yaml:"ca_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ProtocolConfig is a top-level block for wire-level proxying behavior.
type ProtocolConfig struct {
	Framing         string `yaml:"framing"`
	BufferSize      int    `yaml:"buffer_size"`
	ServFailOnError bool   `yaml:"servfail_on_error"`
}

// Config describes all application configuration options. It is built once at startup and is not
// mutated afterwards.
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Listener    ListenerConfig    `yaml:"listener"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
}

// Environment keys and their defaults.
const (
	envServerIP                 = "DNS_SERVER_IP"
	envServerPort               = "DNS_SERVER_PORT"
	envServerName               = "DNS_SERVER_NAME"
	envCAPath                   = "CA_PATH"
	envListenIP                 = "LISTENING_SOCKET_IP"
	envListenPort               = "LISTENING_SOCKET_PORT"
	envUpstreamTimeout          = "UPSTREAM_TIMEOUT"
	envClientReadTimeout        = "CLIENT_READ_TIMEOUT"
	envClientWriteTimeout       = "CLIENT_WRITE_TIMEOUT"
	envMaxConcurrentConnections = "MAX_CONCURRENT_CONNECTIONS"
	envBufferSize               = "BUFFER_SIZE"
	envFraming                  = "FRAMING"
	envServFailOnError          = "SERVFAIL_ON_ERROR"
	envVerbosity                = "VERBOSITY"
	envSentryDSN                = "SENTRY_DSN"
	envStatsdAddress            = "STATSD_ADDR"
	envStatsdSampleRate         = "STATSD_SAMPLE_RATE"

	defaultServerIP                 = "1.1.1.1"
	defaultServerPort               = 853
	defaultServerName               = "cloudflare-dns.com"
	defaultCAPath                   = "/etc/ssl/certs/ca-certificates.crt"
	defaultListenIP                 = "0.0.0.0"
	defaultListenPort               = 35353
	defaultTimeout                  = 10 * time.Second
	defaultMaxConcurrentConnections = 128
	defaultBufferSize               = 1024
	defaultVerbosity                = "error"
	defaultStatsdSampleRate         = 1.0

	// maxBufferSize admits a maximally sized DNS message plus its two-octet length prefix.
	maxBufferSize = 65535 + 2
)

// ParseEnv builds a Config from environment-style key/value inputs. Every key is optional; unset
// or empty keys take their defaults.
func ParseEnv(lookup LookupFunc) (*Config, error) {
	env := envReader{lookup: lookup}

	cfg := &Config{
		Application: ApplicationConfig{
			Verbosity: env.String(envVerbosity, defaultVerbosity),
			SentryDSN: env.String(envSentryDSN, ""),
		},
		Listener: ListenerConfig{
			IP:                       env.String(envListenIP, defaultListenIP),
			Port:                     env.Int(envListenPort, defaultListenPort),
			ReadTimeout:              env.Duration(envClientReadTimeout, defaultTimeout),
			WriteTimeout:             env.Duration(envClientWriteTimeout, defaultTimeout),
			MaxConcurrentConnections: env.Int(envMaxConcurrentConnections, defaultMaxConcurrentConnections),
		},
		Upstream: UpstreamConfig{
			IP:         env.String(envServerIP, defaultServerIP),
			Port:       env.Int(envServerPort, defaultServerPort),
			ServerName: env.String(envServerName, defaultServerName),
			CAPath:     env.String(envCAPath, defaultCAPath),
			Timeout:    env.Duration(envUpstreamTimeout, defaultTimeout),
		},
		Protocol: ProtocolConfig{
			Framing:         env.String(envFraming, network.Raw.String()),
			BufferSize:      env.Int(envBufferSize, defaultBufferSize),
			ServFailOnError: env.Bool(envServFailOnError, false),
		},
	}

	// Users can omit the statsd address entirely to disable metrics reporting.
	if addr := env.String(envStatsdAddress, ""); addr != "" {
		cfg.Metrics.Statsd = &StatsdConfig{
			Address:    addr,
			SampleRate: float32(env.Float(envStatsdSampleRate, defaultStatsdSampleRate)),
		}
	}

	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ListenAddress is the host:port on which the listener binds.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Listener.IP, strconv.Itoa(c.Listener.Port))
}

// UpstreamAddress is the host:port of the upstream resolver.
func (c *Config) UpstreamAddress() string {
	return net.JoinHostPort(c.Upstream.IP, strconv.Itoa(c.Upstream.Port))
}

// Framing returns the parsed wire framing. The value is validated by ParseEnv.
func (c *Config) Framing() network.Framing {
	framing, _ := network.ParseFraming(c.Protocol.Framing)
	return framing
}

// YAML renders the effective configuration for diagnostics.
func (c *Config) YAML() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unrenderable config: err=%v>", err)
	}

	return string(data)
}

// CheckTrustAnchor verifies that the trust anchor bundle at path can be opened for reading.
func CheckTrustAnchor(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: unable to open CA bundle: path=%s err=%v", path, err)
	}

	return file.Close()
}

// validate the contents of the configuration. Returns an error if validation failed; nil otherwise.
func (c *Config) validate() error {
	/* Application */

	if _, ok := log.ParseLevel(c.Application.Verbosity); !ok {
		return fmt.Errorf("config: unknown verbosity: verbosity=%s", c.Application.Verbosity)
	}

	/* Metrics */

	if c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return fmt.Errorf("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	/* Listener */

	if !validPort(c.Listener.Port) {
		return fmt.Errorf("config: invalid listening port: port=%d", c.Listener.Port)
	}

	if c.Listener.MaxConcurrentConnections <= 0 {
		return fmt.Errorf(
			"config: max concurrent connections must be positive: value=%d",
			c.Listener.MaxConcurrentConnections,
		)
	}

	/* Upstream */

	if c.Upstream.IP == "" {
		return fmt.Errorf("config: missing upstream server address")
	}

	if !validPort(c.Upstream.Port) {
		return fmt.Errorf("config: invalid upstream port: port=%d", c.Upstream.Port)
	}

	if c.Upstream.ServerName == "" {
		return fmt.Errorf("config: missing upstream TLS server name")
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: upstream timeout must be positive: timeout=%v", c.Upstream.Timeout)
	}

	/* Protocol */

	if _, ok := network.ParseFraming(c.Protocol.Framing); !ok {
		return fmt.Errorf("config: unknown framing: framing=%s", c.Protocol.Framing)
	}

	if c.Protocol.BufferSize <= 0 || c.Protocol.BufferSize > maxBufferSize {
		return fmt.Errorf(
			"config: buffer size must be in range [1, %d]: size=%d",
			maxBufferSize,
			c.Protocol.BufferSize,
		)
	}

	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// envReader reads typed values from a LookupFunc, remembering the first parse error.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (r *envReader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return "", false
	}

	return value, true
}

func (r *envReader) fail(key string, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: invalid value for %s: value=%q err=%v", key, value, err)
	}
}

func (r *envReader) String(key string, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}

	return fallback
}

func (r *envReader) Int(key string, fallback int) int {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}

	return parsed
}

func (r *envReader) Float(key string, fallback float64) float64 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}

	parsed, err := strconv.ParseFloat(value, 32)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}

	return parsed
}

func (r *envReader) Bool(key string, fallback bool) bool {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}

	return parsed
}

// Duration accepts Go duration strings ("750ms", "10s") as well as a bare number of seconds.
func (r *envReader) Duration(key string, fallback time.Duration) time.Duration {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}

	return parsed
}
