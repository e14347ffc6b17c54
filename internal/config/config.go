// internal/config/config.go
//
// Package config collects the tunable knobs of the session service. Every
// value is overridable through the environment; defaults are fixed here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the knob surface for the session service: render concurrency,
// reconnect policy, grace windows and retention.
type Config struct {
	// ListenAddr is the HTTP listen address of the API server.
	ListenAddr string

	// RenderWorkers bounds how many render jobs process simultaneously.
	RenderWorkers int
	// RenderLivenessTimeout reclaims a processing job whose worker went
	// silent for longer than this.
	RenderLivenessTimeout time.Duration

	// MaxReconnectAttempts is the consecutive failure count after which a
	// client connection enters the failed state.
	MaxReconnectAttempts int
	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff between attempts.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectCooldown is how long a failed connection waits before
	// attempts may resume.
	ReconnectCooldown time.Duration

	// ConnGraceWindow keeps an empty broadcast group alive awaiting a
	// rejoin before it is torn down.
	ConnGraceWindow time.Duration
	// TeardownDebounce guards client transports against rapid
	// mount/unmount thrashing.
	TeardownDebounce time.Duration

	// LobbyRetention is how long a closed lobby is kept before the reaper
	// deletes it. MatchRetention is the same for terminal matches.
	LobbyRetention time.Duration
	MatchRetention time.Duration

	// ServiceToken is the shared secret for trusted service-to-service
	// calls. Empty disables the service credential entirely.
	ServiceToken string

	// SystemLobbies names the standing lobbies recreated whenever missing.
	SystemLobbies []string
}

// Load builds a Config from the environment, falling back to defaults.
func Load() Config {
	return Config{
		ListenAddr:            getEnv("CUTROOM_ADDR", ":8080"),
		RenderWorkers:         getEnvInt("RENDER_WORKERS", 2),
		RenderLivenessTimeout: getEnvDuration("RENDER_LIVENESS_TIMEOUT", 2*time.Minute),
		MaxReconnectAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:    getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:     getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectCooldown:     getEnvDuration("RECONNECT_COOLDOWN", 5*time.Minute),
		ConnGraceWindow:       getEnvDuration("CONN_GRACE_WINDOW", 30*time.Second),
		TeardownDebounce:      getEnvDuration("TEARDOWN_DEBOUNCE", 2*time.Second),
		LobbyRetention:        getEnvDuration("LOBBY_RETENTION", time.Hour),
		MatchRetention:        getEnvDuration("MATCH_RETENTION", 24*time.Hour),
		ServiceToken:          getEnv("SERVICE_TOKEN", ""),
		SystemLobbies:         getEnvList("SYSTEM_LOBBIES", []string{"Quick Cut", "Night Shift"}),
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvList is a helper to split a comma separated environment variable,
// else a default value.
func getEnvList(key string, def []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// getEnvDuration is a helper to parse an environment variable as a
// time.Duration, else a default value.
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return v
}
