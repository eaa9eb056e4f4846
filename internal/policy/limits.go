package policy

import "time"

// ResourceLimits bounds a single execution. Zero values mean unlimited.
type ResourceLimits struct {
	ExecutionTimeout       time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
	CallbackTimeout        time.Duration `json:"callback_timeout" yaml:"callback_timeout"`
	MaxMemoryBytes         uint64        `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCallbackInvocations uint32        `json:"max_callback_invocations" yaml:"max_callback_invocations"`
}

// DefaultResourceLimits returns the limits applied when none are configured.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout:       30 * time.Second,
		CallbackTimeout:        10 * time.Second,
		MaxMemoryBytes:         128 * 1024 * 1024,
		MaxCallbackInvocations: 1000,
	}
}

// Unlimited returns limits with every ceiling disabled.
func Unlimited() ResourceLimits {
	return ResourceLimits{}
}

// CallbackBudgetExhausted reports whether dispatched has reached the
// invocation ceiling.
func (l ResourceLimits) CallbackBudgetExhausted(dispatched uint32) bool {
	return l.MaxCallbackInvocations > 0 && dispatched >= l.MaxCallbackInvocations
}
