// Package middleware provides the gin middleware shared by the API server:
// CORS, per-client and global rate limiting, and request body limits.
package middleware
