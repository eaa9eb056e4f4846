// Package sandbox builds sandboxes and runs guest code in sessions.
//
// A Sandbox is the immutable configuration: image, callbacks, secrets,
// resource limits and network policy. A Session owns one live engine
// instance whose globals persist across Execute calls. Every Execute starts
// a fresh set of brokers for callbacks, networking, and trace/output
// collection, runs the guest to completion, and drains the brokers before
// returning.
package sandbox
