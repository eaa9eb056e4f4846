package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/saintfish/chardet"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/providers/http/client"
	"github.com/GriffinCanCode/enclave/internal/secrets"
)

// CallbackName is the name the fetch callback is registered under.
const CallbackName = "fetch"

const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"

	maxRedirects = 10
)

// FetchConfig bounds guest-initiated HTTP requests.
type FetchConfig struct {
	// AllowedHosts are host globs; empty denies every host.
	AllowedHosts     []string      `json:"allowed_hosts" yaml:"allowed_hosts" toml:"allowed_hosts"`
	AllowedMethods   []string      `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowPrivateIPs  bool          `json:"allow_private_ips" yaml:"allow_private_ips" toml:"allow_private_ips"`
	MaxResponseBytes int64         `json:"max_response_bytes" yaml:"max_response_bytes" toml:"max_response_bytes"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	// RateLimit is requests per second; 0 is unlimited.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst" toml:"burst"`
	UserAgent string  `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
}

// DefaultFetchConfig allows GET and POST to any public host.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		AllowedHosts:     []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		MaxResponseBytes: 10 << 20,
		Timeout:          30 * time.Second,
		MaxRetries:       2,
		UserAgent:        "enclave-fetch/1.0",
	}
}

// FetchArgs are the guest-supplied request fields.
type FetchArgs struct {
	URL     string            `json:"url" jsonschema:"required,description=Absolute http or https URL"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method (default GET)"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// BodyEncoding is "utf8" (default) or "base64".
	BodyEncoding string `json:"body_encoding,omitempty" jsonschema:"enum=utf8,enum=base64"`
}

// FetchResponse is returned to the guest. Text bodies are decoded to UTF-8;
// anything else is base64.
type FetchResponse struct {
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	BodyEncoding string            `json:"body_encoding"`
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithFallbackHosts sets the hosts a secret without its own allow list may
// be sent to. Without it the fetch allow list is used.
func WithFallbackHosts(hosts []string) Option {
	return func(f *Fetcher) { f.fallback = slices.Clone(hosts) }
}

// WithResolver sets the resolver used for the address pre-check.
func WithResolver(r *net.Resolver) Option {
	return func(f *Fetcher) { f.resolver = r }
}

// WithDialer replaces the guarded dialer.
func WithDialer(d client.DialFunc) Option {
	return func(f *Fetcher) { f.dial = d }
}

// Fetcher is the fetch callback.
type Fetcher struct {
	callback.Callback

	cfg      FetchConfig
	secrets  *secrets.Table
	fallback []string
	resolver *net.Resolver
	dial     client.DialFunc
	client   *client.Client
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// NewFetcher builds the fetch callback.
func NewFetcher(cfg FetchConfig, table *secrets.Table, opts ...Option) *Fetcher {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultFetchConfig().MaxResponseBytes
	}
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = DefaultFetchConfig().AllowedMethods
	}
	if table == nil {
		table, _ = secrets.NewTable()
	}

	f := &Fetcher{
		cfg:      cfg,
		secrets:  table,
		fallback: cfg.AllowedHosts,
		resolver: net.DefaultResolver,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	ccfg := client.DefaultConfig()
	if cfg.Timeout > 0 {
		ccfg.Timeout = cfg.Timeout
	}
	ccfg.MaxRetries = cfg.MaxRetries
	ccfg.RateLimit = cfg.RateLimit
	ccfg.Burst = cfg.Burst
	if cfg.UserAgent != "" {
		ccfg.UserAgent = cfg.UserAgent
	}
	ccfg.Guard = policy.AddressGuard{AllowPrivate: cfg.AllowPrivateIPs}
	ccfg.Redirect = f.checkRedirect
	ccfg.Dial = f.dial
	ccfg.Logger = f.logger
	f.client = client.New(ccfg)

	f.Callback = callback.Func(CallbackName,
		"Performs an HTTP request. Returns {status, headers, body, body_encoding}.",
		f.fetch)
	return f
}

// Client exposes the underlying HTTP client.
func (f *Fetcher) Client() *client.Client {
	return f.client
}

type secretsAttachedKey struct{}

func (f *Fetcher) fetch(ctx context.Context, args FetchArgs) (any, error) {
	method := strings.ToUpper(strings.TrimSpace(args.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !slices.Contains(f.cfg.AllowedMethods, method) {
		f.metrics.RecordFetch(method, "rejected")
		return nil, callback.InvalidArguments("method %s is not allowed", method)
	}

	u, host, err := f.target(args.URL)
	if err != nil {
		f.metrics.RecordFetch(method, "rejected")
		return nil, err
	}
	if err := f.checkAddresses(ctx, host); err != nil {
		f.metrics.RecordFetch(method, "rejected")
		return nil, err
	}

	headers := make(http.Header, len(args.Headers))
	for k, v := range args.Headers {
		headers.Set(k, v)
	}
	withSecrets := f.secrets.ContainsPlaceholder(headerText(headers))
	if err := f.secrets.SubstituteHeaderMap(headers, host, f.fallback); err != nil {
		f.metrics.RecordFetch(method, "rejected")
		return nil, callback.InvalidArguments("%v", err)
	}
	if withSecrets {
		ctx = context.WithValue(ctx, secretsAttachedKey{}, host)
	}

	body, err := decodeBody(args.Body, args.BodyEncoding)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := f.client.Execute(host, func() (*resty.Response, error) {
		req, err := f.client.Request(ctx)
		if err != nil {
			return nil, err
		}
		req.SetHeaderMultiValues(headers).SetDoNotParseResponse(true)
		if body != nil {
			req.SetBody(body)
		}
		return req.Execute(method, u.String())
	})
	if err != nil {
		f.metrics.RecordFetch(method, "error")
		f.logger.Debug("Fetch failed",
			zap.String("method", method),
			zap.String("host", host),
			zap.Error(err))
		return nil, callback.Failed("request to %s failed: %v", host, unwrapURLError(err))
	}

	out, err := f.readResponse(resp)
	if err != nil {
		f.metrics.RecordFetch(method, "error")
		return nil, err
	}
	f.metrics.RecordFetch(method, strconv.Itoa(out.Status))
	f.logger.Debug("Fetch completed",
		zap.String("method", method),
		zap.String("host", host),
		zap.Int("status", out.Status),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

// target validates the URL and host against the allow list.
func (f *Fetcher) target(raw string) (*url.URL, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", callback.InvalidArguments("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", callback.InvalidArguments("unsupported scheme %q", u.Scheme)
	}
	host := policy.NormalizeHost(u.Hostname())
	if host == "" {
		return nil, "", callback.InvalidArguments("url has no host")
	}
	if err := f.checkHost(host); err != nil {
		return nil, "", callback.InvalidArguments("%v", err)
	}
	return u, host, nil
}

func (f *Fetcher) checkHost(host string) error {
	if len(f.cfg.AllowedHosts) == 0 {
		return fmt.Errorf("%w: %s", policy.ErrHostNotAllowed, host)
	}
	return policy.HostPolicy{Allowed: f.cfg.AllowedHosts}.Check(host)
}

// checkAddresses rejects hosts that are, or resolve to, restricted
// addresses. The dialer checks again at connect time.
func (f *Fetcher) checkAddresses(ctx context.Context, host string) error {
	if f.cfg.AllowPrivateIPs {
		return nil
	}
	guard := policy.AddressGuard{}
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := guard.Check(addr); err != nil {
			return callback.InvalidArguments("%v", err)
		}
		return nil
	}

	addrs, err := f.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return callback.Failed("cannot resolve %s: %v", host, err)
	}
	for _, addr := range addrs {
		if err := guard.Check(addr); err != nil {
			return callback.InvalidArguments("%s resolves to a restricted address", host)
		}
	}
	return nil
}

// checkRedirect applies the host allow list to every hop and refuses to
// carry substituted secrets to a different host.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	host := policy.NormalizeHost(req.URL.Hostname())
	if err := f.checkHost(host); err != nil {
		return err
	}
	if orig, ok := req.Context().Value(secretsAttachedKey{}).(string); ok && orig != host {
		return fmt.Errorf("%w: redirect to %s with secrets attached", secrets.ErrNotPermitted, host)
	}
	return nil
}

func (f *Fetcher) readResponse(resp *resty.Response) (*FetchResponse, error) {
	raw := resp.RawBody()
	if raw != nil {
		defer raw.Close()
	}
	limit := f.cfg.MaxResponseBytes
	if n := resp.RawResponse.ContentLength; n > limit {
		return nil, callback.Failed("response too large: %d bytes (max %d)", n, limit)
	}

	var data []byte
	if raw != nil {
		var err error
		data, err = io.ReadAll(io.LimitReader(raw, limit+1))
		if err != nil {
			return nil, callback.Failed("reading response: %v", err)
		}
	}
	if int64(len(data)) > limit {
		return nil, callback.Failed("response too large: more than %d bytes", limit)
	}

	headers := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = strings.Join(v, ", ")
		}
	}

	body, encoding := encodeBody(data, resp.Header().Get("Content-Type"))
	return &FetchResponse{
		Status:       resp.StatusCode(),
		Headers:      headers,
		Body:         body,
		BodyEncoding: encoding,
	}, nil
}

func decodeBody(body, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8:
		if body == "" {
			return nil, nil
		}
		return []byte(body), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, callback.InvalidArguments("invalid base64 body: %v", err)
		}
		return data, nil
	default:
		return nil, callback.InvalidArguments("unknown body_encoding %q", encoding)
	}
}

// encodeBody returns the body as UTF-8 text when it is text in a charset we
// can decode, and as base64 otherwise.
func encodeBody(data []byte, contentType string) (string, string) {
	if len(data) == 0 {
		return "", EncodingUTF8
	}
	if !isText(data, contentType) {
		return base64.StdEncoding.EncodeToString(data), EncodingBase64
	}
	if utf8.Valid(data) {
		return string(data), EncodingUTF8
	}
	if text, ok := transcode(data, contentType); ok {
		return text, EncodingUTF8
	}
	return base64.StdEncoding.EncodeToString(data), EncodingBase64
}

var textTypes = []string{"application/json", "application/xml", "application/javascript", "application/x-www-form-urlencoded"}

func isText(data []byte, contentType string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if strings.HasPrefix(mt, "text/") || slices.Contains(textTypes, mt) ||
			strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml") {
			return true
		}
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// transcode converts data to UTF-8 using the declared charset, or the one
// chardet detects.
func transcode(data []byte, contentType string) (string, bool) {
	label := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = params["charset"]
	}
	if label == "" {
		res, err := chardet.NewTextDetector().DetectBest(data)
		if err != nil || res == nil {
			return "", false
		}
		label = res.Charset
	}

	r, err := charset.NewReader(bytes.NewReader(data), "text/plain; charset="+strings.ToLower(label))
	if err != nil {
		return "", false
	}
	out, err := io.ReadAll(r)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}

func headerText(h http.Header) string {
	var b strings.Builder
	for _, values := range h {
		for _, v := range values {
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
