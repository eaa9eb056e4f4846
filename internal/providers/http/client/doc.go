// Package client is the outbound HTTP client behind the fetch callback.
//
// Layers, outermost first:
//   - a token-bucket rate limiter shared by all hosts
//   - one circuit breaker per host (server errors and transport failures
//     count, policy rejections and cancellations do not)
//   - resty for request building
//   - go-retryablehttp for retries with backoff
//   - an http.Transport whose dialer enforces the address guard on the
//     address actually connected to
package client
