// Package config provides 12-factor configuration for the enclave server
// and CLI.
//
// Values are layered: Default, then an optional YAML, TOML or JSON file,
// then ENCLAVE_* environment variables. Only variables that are present
// override earlier layers.
//
// Configuration Sections:
//   - Server: listen address, CORS origins, shutdown timeout
//   - Logging: level, development mode, outputs
//   - RateLimit: per-client API rate limiting
//   - Sandbox: execution limits, guest image, preamble, output scrubbing
//   - Network: raw TCP/TLS access for guests (off by default)
//   - Fetch: the fetch callback (off by default)
//   - Sessions: session store and live session limits
//   - Callbacks: built-in callback groups offered to guests
//   - Secrets: secret names and the environment variables holding them
//
// Example Usage:
//
//	cfg, err := config.Load("enclave.yaml")
//	if err != nil {
//		return err
//	}
//	limits := cfg.Sandbox.Limits()
//
// Environment Variables:
//   - ENCLAVE_SERVER_PORT, ENCLAVE_SERVER_HOST, ENCLAVE_SERVER_ALLOWED_ORIGINS
//   - ENCLAVE_LOGGING_LEVEL, ENCLAVE_LOGGING_DEVELOPMENT
//   - ENCLAVE_RATE_LIMIT_REQUESTS_PER_SECOND, ENCLAVE_RATE_LIMIT_BURST
//   - ENCLAVE_SANDBOX_EXECUTION_TIMEOUT, ENCLAVE_SANDBOX_MAX_MEMORY_BYTES
//   - ENCLAVE_NETWORK_ENABLED, ENCLAVE_FETCH_ENABLED, ENCLAVE_FETCH_ALLOWED_HOSTS
//   - ENCLAVE_SESSIONS_STORE, ENCLAVE_SESSIONS_DIR
//   - ENCLAVE_CALLBACKS_BUILTINS (comma separated, e.g. "math,html")
package config
