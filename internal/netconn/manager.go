// Package netconn owns the TCP and TLS connections a guest opens through the
// network broker.
//
// Connections live in a table keyed by non-zero uint32 handles. The guest
// never sees a socket, only handles, and every connect is checked against the
// host patterns, the connection ceiling and the dial-time address guard.
package netconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/secrets"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// maxReadBytes caps a single guest read.
const maxReadBytes = 1 << 20

type conn struct {
	net.Conn
	host     string
	tls      bool
	rewriter *requestRewriter
}

// Manager is the connection table of one execution. It is safe for
// concurrent use, though the network broker drives it sequentially.
type Manager struct {
	cfg     policy.NetConfig
	secrets *secrets.Table
	logger  *zap.Logger
	metrics *monitoring.Metrics
	dialer  *net.Dialer

	mu    sync.Mutex
	conns map[uint32]*conn
	next  uint32
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithResolver replaces the DNS resolver used for dialing.
func WithResolver(r *net.Resolver) Option {
	return func(m *Manager) { m.dialer.Resolver = r }
}

// NewManager creates an empty connection table.
func NewManager(cfg policy.NetConfig, table *secrets.Table, opts ...Option) *Manager {
	guard := cfg.AddressGuard()
	m := &Manager{
		cfg:     cfg,
		secrets: table,
		logger:  zap.NewNop(),
		dialer:  &net.Dialer{Control: guard.Control},
		conns:   make(map[uint32]*conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func netErr(kind, format string, args ...any) *types.NetError {
	return &types.NetError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Connect opens a TCP connection after the host and ceiling checks.
func (m *Manager) Connect(ctx context.Context, host string, port uint16) (uint32, *types.NetError) {
	if host == "" {
		return 0, netErr(types.NetErrHostNotFound, "empty host")
	}
	if err := m.cfg.HostPolicy().Check(host); err != nil {
		return 0, netErr(types.NetErrNotPermitted, "%v", err)
	}

	m.mu.Lock()
	open := len(m.conns)
	m.mu.Unlock()
	if m.cfg.MaxConnections > 0 && open >= m.cfg.MaxConnections {
		return 0, netErr(types.NetErrNotPermitted, "connection limit reached (%d)", m.cfg.MaxConnections)
	}

	dialCtx, cancel := withTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(policy.NormalizeHost(host), strconv.Itoa(int(port)))
	raw, err := m.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return 0, classify(err)
	}

	c := &conn{Conn: raw, host: host}
	if m.secrets.Len() > 0 {
		c.rewriter = newRequestRewriter(m.secrets, host, m.cfg.AllowedHosts)
	}
	handle := m.insert(c)

	m.logger.Debug("Connection opened",
		zap.Uint32("handle", handle),
		zap.String("host", host),
		zap.Uint16("port", port))
	return handle, nil
}

// UpgradeTLS performs a TLS handshake over an open TCP connection. On success
// the TCP handle is invalidated and a new handle is returned; on failure the
// underlying connection is closed.
func (m *Manager) UpgradeTLS(ctx context.Context, handle uint32, hostname string) (uint32, *types.NetError) {
	c, ok := m.remove(handle)
	if !ok {
		return 0, netErr(types.NetErrInvalidHandle, "unknown TCP handle %d", handle)
	}
	if c.tls {
		_ = c.Close()
		return 0, netErr(types.NetErrInvalidHandle, "handle %d is already TLS", handle)
	}
	if hostname == "" {
		hostname = c.host
	}

	cfg := &tls.Config{
		ServerName: hostname,
		RootCAs:    m.cfg.RootCAs,
		MinVersion: tls.VersionTLS12,
	}
	if c.rewriter != nil {
		cfg.NextProtos = []string{"http/1.1"}
	}

	hsCtx, cancel := withTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	tc := tls.Client(c.Conn, cfg)
	if err := tc.HandshakeContext(hsCtx); err != nil {
		_ = c.Close()
		return 0, classifyHandshake(err)
	}

	upgraded := &conn{Conn: tc, host: c.host, tls: true, rewriter: c.rewriter}
	next := m.insert(upgraded)

	m.logger.Debug("Connection upgraded to TLS",
		zap.Uint32("tcp_handle", handle),
		zap.Uint32("tls_handle", next),
		zap.String("server_name", hostname))
	return next, nil
}

// Read reads up to n bytes. An empty result with no error means EOF.
func (m *Manager) Read(ctx context.Context, handle uint32, n int, wantTLS bool) ([]byte, *types.NetError) {
	c, nerr := m.lookup(handle, wantTLS)
	if nerr != nil {
		return nil, nerr
	}
	if n <= 0 {
		return []byte{}, nil
	}
	if n > maxReadBytes {
		n = maxReadBytes
	}

	_ = c.SetReadDeadline(deadline(ctx, m.cfg.IOTimeout))
	buf := make([]byte, n)
	read, err := c.Read(buf)
	if read > 0 {
		return buf[:read], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return []byte{}, nil
	}
	return nil, classify(err)
}

// Write writes data and returns how many bytes were accepted. When secrets
// are configured, HTTP request heads are rewritten first.
func (m *Manager) Write(ctx context.Context, handle uint32, data []byte, wantTLS bool) (int, *types.NetError) {
	c, nerr := m.lookup(handle, wantTLS)
	if nerr != nil {
		return 0, nerr
	}

	out := data
	if c.rewriter != nil {
		rewritten, err := c.rewriter.Rewrite(data)
		if err != nil {
			return 0, netErr(types.NetErrNotPermitted, "%v", err)
		}
		out = rewritten
	}

	_ = c.SetWriteDeadline(deadline(ctx, m.cfg.IOTimeout))
	if _, err := c.Write(out); err != nil {
		return 0, classify(err)
	}
	return len(data), nil
}

// Close removes and closes a connection. Unknown handles are ignored.
func (m *Manager) Close(handle uint32) {
	if c, ok := m.remove(handle); ok {
		_ = c.Close()
	}
}

// CloseAll closes every open connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[uint32]*conn)
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	m.metrics.SetNetConnections(0)
}

// Open returns the number of open connections.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) insert(c *conn) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if _, taken := m.conns[m.next]; !taken {
			break
		}
	}
	m.conns[m.next] = c
	m.metrics.SetNetConnections(len(m.conns))
	return m.next
}

func (m *Manager) remove(handle uint32) (*conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[handle]
	if ok {
		delete(m.conns, handle)
		m.metrics.SetNetConnections(len(m.conns))
	}
	return c, ok
}

func (m *Manager) lookup(handle uint32, wantTLS bool) (*conn, *types.NetError) {
	m.mu.Lock()
	c, ok := m.conns[handle]
	m.mu.Unlock()

	if !ok || c.tls != wantTLS {
		return nil, netErr(types.NetErrInvalidHandle, "unknown handle %d", handle)
	}
	return c, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (t.IsZero() || ctxDeadline.Before(t)) {
		t = ctxDeadline
	}
	return t
}

func classify(err error) *types.NetError {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, policy.ErrRestrictedAddress):
		return netErr(types.NetErrNotPermitted, "%v", err)
	case errors.As(err, &dnsErr):
		return netErr(types.NetErrHostNotFound, "%s", dnsErr.Name)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return netErr(types.NetErrTimedOut, "%v", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return netErr(types.NetErrConnectionRefused, "%v", err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return netErr(types.NetErrConnectionReset, "%v", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return netErr(types.NetErrTimedOut, "%v", err)
	}
	return netErr(types.NetErrIO, "%v", err)
}

func classifyHandshake(err error) *types.NetError {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr), errors.As(err, &invalidCert):
		return netErr(types.NetErrCertificate, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return netErr(types.NetErrTimedOut, "%v", err)
	}
	return netErr(types.NetErrHandshakeFailed, "%v", err)
}
