package paths

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the data directory.
const EnvHome = "ENCLAVE_HOME"

const (
	appName      = "enclave"
	sessionsDir  = "sessions"
	databaseFile = "sessions.db"
	configFile   = "enclave.yaml"
)

// Home returns the data directory: $ENCLAVE_HOME, else the user cache
// directory, else a directory under the system temp dir.
func Home() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

// SessionsDir returns the file store directory.
func SessionsDir() string {
	return filepath.Join(Home(), sessionsDir)
}

// DatabasePath returns the SQLite store path.
func DatabasePath() string {
	return filepath.Join(Home(), databaseFile)
}

// ConfigFile returns the config file path if it exists.
func ConfigFile() (string, bool) {
	path := filepath.Join(Home(), configFile)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
