package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol is an OTLP transport.
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

// SignalType is an OTel signal this service exports.
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "http://localhost:4318"
	defaultTimeout      = 10 * time.Second
)

// ExporterConfig is the resolved OTLP exporter setup of one signal.
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

// lookupFunc reads one environment variable; tests substitute a map.
type lookupFunc func(key string) string

var lookupEnv lookupFunc = os.Getenv

func IsTracingEnabled() bool {
	return isTrue(lookupEnv("OTEL_TRACING_ENABLED"))
}

func IsMetricsEnabled() bool {
	return isTrue(lookupEnv("OTEL_METRICS_ENABLED"))
}

// GetExporterConfig resolves the exporter of signal from the standard
// OTEL_EXPORTER_OTLP_* variables. A signal-specific variable
// (OTEL_EXPORTER_OTLP_TRACES_TIMEOUT) wins over the shared one
// (OTEL_EXPORTER_OTLP_TIMEOUT).
func GetExporterConfig(signal SignalType) ExporterConfig {
	return resolveExporterConfig(signal, lookupEnv)
}

func resolveExporterConfig(signal SignalType, lookup lookupFunc) ExporterConfig {
	env := signalEnv{signal: signal, lookup: lookup}

	protocol := parseProtocol(env.get("PROTOCOL"))
	endpoint := env.endpoint(protocol)

	insecure := strings.HasPrefix(endpoint, "http://")
	if v := env.get("INSECURE"); v != "" {
		insecure = isTrue(v)
	}

	return ExporterConfig{
		Endpoint:    endpoint,
		Protocol:    protocol,
		Headers:     parseHeaders(env.get("HEADERS")),
		Timeout:     parseDuration(env.get("TIMEOUT"), defaultTimeout),
		Insecure:    insecure,
		Compression: env.get("COMPRESSION"),
	}
}

type signalEnv struct {
	signal SignalType
	lookup lookupFunc
}

func (e signalEnv) specific(suffix string) string {
	return e.lookup("OTEL_EXPORTER_OTLP_" + strings.ToUpper(string(e.signal)) + "_" + suffix)
}

func (e signalEnv) shared(suffix string) string {
	return e.lookup("OTEL_EXPORTER_OTLP_" + suffix)
}

// get returns the signal-specific value of suffix, else the shared one.
func (e signalEnv) get(suffix string) string {
	if v := e.specific(suffix); v != "" {
		return v
	}
	return e.shared(suffix)
}

// endpoint prefers the signal endpoint as given, then the shared endpoint
// with the signal path appended, then the collector default.
func (e signalEnv) endpoint(protocol Protocol) string {
	if v := e.specific("ENDPOINT"); v != "" {
		return normalizeEndpoint(v, protocol)
	}
	base := e.shared("ENDPOINT")
	if base == "" {
		if protocol == ProtocolGRPC {
			return defaultGRPCEndpoint
		}
		base = defaultHTTPEndpoint
	}
	return withSignalPath(normalizeEndpoint(base, protocol), e.signal, protocol)
}

func parseProtocol(s string) Protocol {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolGRPC:
		return ProtocolGRPC
	case ProtocolHTTPJSON:
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

// normalizeEndpoint reduces a gRPC endpoint to host:port and gives an HTTP
// endpoint a scheme (https unless one is present).
func normalizeEndpoint(endpoint string, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			return u.Host
		}
		host, _, _ := strings.Cut(endpoint, "/")
		return host
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "https://" + endpoint
	}
	return endpoint
}

func withSignalPath(endpoint string, signal SignalType, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return endpoint
	}
	suffix := "/v1/" + string(signal)

	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimSuffix(endpoint, "/") + suffix
	}
	if strings.HasSuffix(u.Path, suffix) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String()
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseHeaders reads "k1=v1,k2=v2". Values keep everything after the first
// '=', so "Authorization=Basic abc==" survives intact.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = value
		slog.Debug("Parsed OTEL header", "key", key, "value_length", len(value))
	}
	return headers
}

// parseDuration accepts Go durations ("10s") and the plain milliseconds the
// OTEL_EXPORTER_OTLP_TIMEOUT normally carries ("10000").
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
