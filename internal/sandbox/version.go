package sandbox

import (
	"fmt"
	"strings"
)

// Version is the engine version recorded in persisted sessions. Overridden
// at build time with -ldflags "-X .../internal/sandbox.Version=...".
var Version = "0.4.0"

// CompatibleVersion reports whether state persisted by engine version v can
// be loaded by this build. Major and minor must match; patch may differ.
func CompatibleVersion(v string) error {
	want, err := majorMinor(Version)
	if err != nil {
		return err
	}
	got, err := majorMinor(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	if got != want {
		return fmt.Errorf("%w: state from engine %s cannot be loaded by engine %s", ErrSnapshot, v, Version)
	}
	return nil
}

func majorMinor(v string) (string, error) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("malformed version %q", v)
	}
	return parts[0] + "." + parts[1], nil
}
