package config

import (
	"fmt"
	"os"
	"path/filepath"

	"fleet/pkg/protocol"
)

// Paths holds all resolved fleet state file paths.
type Paths struct {
	Home       string // ~/.fleet or FLEET_HOME
	PIDPath    string // fleet.pid or FLEET_PID_PATH
	SocketPath string // fleet.sock or FLEET_SOCKET_PATH
	StatePath  string // state.json or FLEET_STATE_PATH
	DBPath     string // events.db or FLEET_DB_PATH
	LogPath    string // daemon.log
}

// ResolvePaths returns all fleet paths, respecting env var overrides.
// FLEET_HOME moves the base directory; the specific variables override
// single files regardless of the base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		PIDPath:    resolvePathWithEnv("FLEET_PID_PATH", home, "fleet.pid"),
		SocketPath: resolvePathWithEnv("FLEET_SOCKET_PATH", home, "fleet.sock"),
		StatePath:  resolvePathWithEnv("FLEET_STATE_PATH", home, "state.json"),
		DBPath:     resolvePathWithEnv("FLEET_DB_PATH", home, "events.db"),
		LogPath:    filepath.Join(home, "daemon.log"),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("FLEET_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.FleetDir), nil
}

func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
