package protocol

import "time"

// Directory and path constants used throughout fleet.
const (
	// FleetDir is the user-level state directory (e.g., ~/.fleet).
	FleetDir = ".fleet"

	// WorktreesDir is the directory, relative to the repository root, where
	// worker working copies are created unless configured otherwise.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for worker branches.
	BranchPrefix = "fleet/"

	// SessionPrefix is the tmux session name prefix for worker sessions.
	SessionPrefix = "fleet-"
)

// Reference timing values. All of them are overridable through config.
const (
	DefaultPatrolInterval  = 60 * time.Second
	DefaultReadTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultDebounceBase    = 500 * time.Millisecond
	DefaultDebouncePerKB   = 100 * time.Millisecond
	DefaultDebounceMax     = 2000 * time.Millisecond
	DefaultLargeThreshold  = 1024
	DefaultEnterRetries    = 3
	DefaultEnterRetryDelay = 200 * time.Millisecond

	DefaultCrashThreshold = 3
	DefaultCrashWindow    = 24 * time.Hour

	DefaultConflictMaxAttempts  = 3
	DefaultConflictStuckTimeout = 5 * time.Minute

	DefaultSessionWidth  = 500
	DefaultSessionHeight = 50

	DefaultAutoCommandTimeout = 10 * time.Minute
	DefaultAutoMaxBackoff     = time.Hour
)

// MaxMessageBytes bounds a single line on the IPC socket.
const MaxMessageBytes = 4 << 20
