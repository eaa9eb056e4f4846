// Package providers assembles the built-in callback groups exposed to
// guest code.
//
// Available groups:
//   - system: clock, sleep, and logging into the host log
//   - math: descriptive statistics over number arrays
//   - html: text extraction, CSS and XPath queries, sanitizing
//
// The outbound fetch callback lives in providers/http and is enabled
// separately because it needs a network policy.
//
// Example Usage:
//
//	cbs, err := providers.Builtins([]string{"system", "math"}, logger)
//	sb, err := sandbox.NewBuilder().WithCallbacks(cbs...).Build()
package providers
