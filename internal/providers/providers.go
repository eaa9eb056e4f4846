package providers

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/providers/math"
	"github.com/GriffinCanCode/enclave/internal/providers/scraper"
	"github.com/GriffinCanCode/enclave/internal/providers/system"
)

// Group names accepted by Builtins.
const (
	GroupSystem = "system"
	GroupMath   = "math"
	GroupHTML   = "html"
)

var groups = map[string]func(logger *zap.Logger) []callback.Callback{
	GroupSystem: func(logger *zap.Logger) []callback.Callback { return system.NewProvider(logger).Callbacks() },
	GroupMath:   func(*zap.Logger) []callback.Callback { return math.NewProvider().Callbacks() },
	GroupHTML:   func(*zap.Logger) []callback.Callback { return scraper.NewProvider().Callbacks() },
}

// Groups returns the known group names, sorted.
func Groups() []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Builtins returns the callbacks of the named groups. Duplicate names are
// ignored; unknown ones are an error.
func Builtins(names []string, logger *zap.Logger) ([]callback.Callback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		out  []callback.Callback
		seen = make(map[string]bool, len(names))
	)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		group, ok := groups[name]
		if !ok {
			return nil, fmt.Errorf("unknown callback group %q (known: %v)", name, Groups())
		}
		out = append(out, group(logger)...)
	}
	return out, nil
}
