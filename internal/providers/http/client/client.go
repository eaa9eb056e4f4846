package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/secrets"
)

// DialFunc dials a network address. It replaces the guarded dialer, mainly
// in tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Client.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit is requests per second across all hosts; 0 is unlimited.
	RateLimit float64
	Burst     int
	UserAgent string
	// Guard is enforced on every address the transport connects to.
	Guard policy.AddressGuard
	// Redirect vets each redirect hop; nil disables redirects.
	Redirect func(req *http.Request, via []*http.Request) error
	Dial     DialFunc
	Logger   *zap.Logger
}

// DefaultConfig mirrors the limits used for guest-initiated requests.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxRetries:   2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		UserAgent:    "enclave-fetch/1.0",
	}
}

// Client wraps resty over a retrying transport with rate limiting and a
// circuit breaker per host.
type Client struct {
	Resty    *resty.Client
	Limiter  *rate.Limiter
	Breakers *resilience.Group
	logger   *zap.Logger
}

// New builds a client. Retries happen below resty in go-retryablehttp so
// the breaker sees one outcome per logical request.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dial := cfg.Dial
	if dial == nil {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   cfg.Guard.Control,
		}
		dial = dialer.DialContext
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	retry := retryablehttp.NewClient()
	retry.HTTPClient.Transport = transport
	retry.RetryMax = cfg.MaxRetries
	retry.RetryWaitMin = cfg.RetryWaitMin
	retry.RetryWaitMax = cfg.RetryWaitMax
	retry.CheckRetry = checkRetry
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retry.Logger = leveledLogger{logger.Sugar()}

	redirect := cfg.Redirect
	if redirect == nil {
		redirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	// Redirects are followed by the inner client; the outer one only ever
	// sees the final response.
	retry.HTTPClient.CheckRedirect = redirect
	hc := retry.StandardClient()
	hc.CheckRedirect = redirect

	r := resty.NewWithClient(hc).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		r.SetHeader("User-Agent", cfg.UserAgent)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	breakers := resilience.NewGroup("http", resilience.Settings{
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		// External hosts vary in reliability; trip on a long failure streak
		// or a sustained failure rate.
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 10 || (c.Requests >= 20 && c.FailureRatio() > 0.7)
		},
		IsFailure: isRemoteFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	}, 0)

	return &Client{Resty: r, Limiter: limiter, Breakers: breakers, logger: logger}
}

// Request waits for the rate limiter and returns a request bound to ctx.
func (c *Client) Request(ctx context.Context) (*resty.Request, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.Resty.R().SetContext(ctx), nil
}

// Execute runs fn under host's breaker. Server errors count as failures
// but the response is still returned without an error.
func (c *Client) Execute(host string, fn func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := resilience.Call(c.Breakers.Get(host), func() (*resty.Response, error) {
		resp, err := fn()
		if err == nil && resp != nil && resp.StatusCode() >= http.StatusInternalServerError {
			return resp, &serverError{status: resp.StatusCode()}
		}
		return resp, err
	})

	var se *serverError
	switch {
	case errors.As(err, &se):
		return resp, nil
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return nil, fmt.Errorf("host %s unavailable: %w", host, err)
	}
	return resp, err
}

// BreakerState returns the breaker state for host.
func (c *Client) BreakerState(host string) resilience.State {
	return c.Breakers.Get(host).State()
}

type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error %d", e.status)
}

// policyErrors are raised locally and say nothing about the remote host.
var policyErrors = []error{
	policy.ErrRestrictedAddress,
	policy.ErrHostNotAllowed,
	secrets.ErrNotPermitted,
}

func isPolicyError(err error) bool {
	for _, target := range policyErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isRemoteFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !isPolicyError(err)
}

// checkRetry never retries policy rejections.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if isPolicyError(err) {
		return false, err
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// leveledLogger adapts zap to retryablehttp's logger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
