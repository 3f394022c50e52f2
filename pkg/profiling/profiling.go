// Package profiling runs the Pyroscope continuous profiler.
package profiling

import (
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/grafana/pyroscope-go"
)

const defaultServer = "http://localhost:4040"

// settings is the PYROSCOPE_* environment of one process.
type settings struct {
	enabled  bool
	server   string
	app      string
	user     string
	password string
}

func loadSettings(lookup func(string) string) settings {
	s := settings{
		enabled:  isTrue(lookup("PYROSCOPE_PROFILING_ENABLED")),
		server:   lookup("PYROSCOPE_SERVER_ADDRESS"),
		app:      lookup("PYROSCOPE_APPLICATION_NAME"),
		user:     lookup("PYROSCOPE_BASIC_AUTH_USER"),
		password: lookup("PYROSCOPE_BASIC_AUTH_PASSWORD"),
	}
	if s.server == "" {
		s.server = defaultServer
	}
	if s.app == "" {
		s.app = "commutecircles"
	}
	// Credentials only count as a pair.
	if s.user == "" || s.password == "" {
		s.user, s.password = "", ""
	}
	return s
}

func (s settings) config(version string) pyroscope.Config {
	return pyroscope.Config{
		ApplicationName:   s.app,
		ServerAddress:     s.server,
		BasicAuthUser:     s.user,
		BasicAuthPassword: s.password,
		Logger:            pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": "commutecircles",
			"version": version,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
		},
	}
}

// InitProfiling starts the profiler when PYROSCOPE_PROFILING_ENABLED is
// true. A profiler that fails to start is logged and skipped.
func InitProfiling(version string) (func(), error) {
	s := loadSettings(os.Getenv)
	if !s.enabled {
		slog.Debug("Pyroscope profiling is disabled")
		return func() {}, nil
	}

	// writeMu contention in the SQLite stores shows up here
	runtime.SetMutexProfileFraction(5)

	profiler, err := pyroscope.Start(s.config(version))
	if err != nil {
		slog.Warn("Pyroscope profiler did not start", "server", s.server, "error", err)
		return func() {}, nil
	}
	slog.Debug("Pyroscope profiling started", "server", s.server, "application", s.app)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("Stopping Pyroscope profiler failed", "error", err)
		}
	}, nil
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
