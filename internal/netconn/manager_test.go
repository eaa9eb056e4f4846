package netconn

import (
	"bufio"
	"context"
	"crypto/x509"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/secrets"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// echoServer accepts connections and echoes everything back.
func echoServer(t *testing.T) (host string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return splitAddr(t, ln.Addr().String())
}

// headServer reads one request head and reports it on the returned channel.
func headServer(t *testing.T) (string, uint16, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	heads := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		var sb strings.Builder
		for {
			line, err := r.ReadString('\n')
			sb.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		heads <- sb.String()
	}()
	host, port := splitAddr(t, ln.Addr().String())
	return host, port, heads
}

func splitAddr(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint16(port)
}

func readAll(t *testing.T, m *Manager, h uint32, isTLS bool) string {
	t.Helper()
	var sb strings.Builder
	for {
		data, err := m.Read(context.Background(), h, 4096, isTLS)
		require.Nil(t, err)
		if len(data) == 0 {
			return sb.String()
		}
		sb.Write(data)
	}
}

func TestConnectWriteReadClose(t *testing.T) {
	host, port := echoServer(t)
	m := NewManager(policy.PermissiveNetConfig(), nil)
	defer m.CloseAll()

	h, nerr := m.Connect(context.Background(), host, port)
	require.Nil(t, nerr)
	assert.NotZero(t, h)

	n, nerr := m.Write(context.Background(), h, []byte("ping"), false)
	require.Nil(t, nerr)
	assert.Equal(t, 4, n)

	data, nerr := m.Read(context.Background(), h, 16, false)
	require.Nil(t, nerr)
	assert.Equal(t, "ping", string(data))

	_, nerr = m.Read(context.Background(), h, 16, true)
	require.NotNil(t, nerr, "a TCP handle is not a TLS handle")
	assert.Equal(t, types.NetErrInvalidHandle, nerr.Kind)

	m.Close(h)
	assert.Equal(t, 0, m.Open())
	_, nerr = m.Read(context.Background(), h, 16, false)
	require.NotNil(t, nerr)
	assert.Equal(t, types.NetErrInvalidHandle, nerr.Kind)
}

func TestConnectPolicy(t *testing.T) {
	host, port := echoServer(t)

	tests := []struct {
		name string
		cfg  policy.NetConfig
		host string
		kind string
	}{
		{"blocked pattern", policy.DefaultNetConfig(), "localhost", types.NetErrNotPermitted},
		{"blocked ip pattern", policy.DefaultNetConfig(), host, types.NetErrNotPermitted},
		{"not allowed", policy.PermissiveNetConfig().WithAllowedHost("*.example.com"), host, types.NetErrNotPermitted},
		{
			name: "restricted address at dial time",
			cfg:  policy.NetConfig{ConnectTimeout: time.Second},
			host: host,
			kind: types.NetErrNotPermitted,
		},
		{"unresolvable", policy.PermissiveNetConfig(), "does-not-exist.invalid", types.NetErrHostNotFound},
		{"empty host", policy.PermissiveNetConfig(), "", types.NetErrHostNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cfg, nil)
			defer m.CloseAll()

			_, nerr := m.Connect(context.Background(), tt.host, port)
			require.NotNil(t, nerr)
			assert.Equal(t, tt.kind, nerr.Kind, nerr.Message)
		})
	}
}

func TestConnectAllowLocalhost(t *testing.T) {
	host, port := echoServer(t)
	m := NewManager(policy.DefaultNetConfig().AllowLocalhost(), nil)
	defer m.CloseAll()

	_, nerr := m.Connect(context.Background(), host, port)
	assert.Nil(t, nerr)
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitAddr(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	m := NewManager(policy.PermissiveNetConfig(), nil)
	_, nerr := m.Connect(context.Background(), host, port)
	require.NotNil(t, nerr)
	assert.Equal(t, types.NetErrConnectionRefused, nerr.Kind)
}

func TestConnectionLimit(t *testing.T) {
	host, port := echoServer(t)
	cfg := policy.PermissiveNetConfig()
	cfg.MaxConnections = 1
	m := NewManager(cfg, nil)
	defer m.CloseAll()

	first, nerr := m.Connect(context.Background(), host, port)
	require.Nil(t, nerr)

	_, nerr = m.Connect(context.Background(), host, port)
	require.NotNil(t, nerr)
	assert.Equal(t, types.NetErrNotPermitted, nerr.Kind)

	m.Close(first)
	_, nerr = m.Connect(context.Background(), host, port)
	assert.Nil(t, nerr, "closing frees a slot")
}

func TestHandleAllocationSkipsZero(t *testing.T) {
	m := NewManager(policy.PermissiveNetConfig(), nil)
	m.next = math.MaxUint32 - 1

	a := m.insert(&conn{})
	b := m.insert(&conn{})
	assert.Equal(t, uint32(math.MaxUint32), a)
	assert.Equal(t, uint32(1), b)

	m.conns = map[uint32]*conn{2: {}}
	m.next = 1
	assert.Equal(t, uint32(3), m.insert(&conn{}), "occupied handles are skipped")
}

func TestReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			time.Sleep(time.Second)
			c.Close()
		}
	}()
	host, port := splitAddr(t, ln.Addr().String())

	cfg := policy.PermissiveNetConfig()
	cfg.IOTimeout = 30 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.CloseAll()

	h, nerr := m.Connect(context.Background(), host, port)
	require.Nil(t, nerr)
	_, nerr = m.Read(context.Background(), h, 8, false)
	require.NotNil(t, nerr)
	assert.Equal(t, types.NetErrTimedOut, nerr.Kind)
}

func newTLSServer(t *testing.T) (*httptest.Server, *x509.CertPool, uint16) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello over tls")
	}))
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	_, port := splitAddr(t, srv.Listener.Addr().String())
	return srv, pool, port
}

func TestTLSUpgrade(t *testing.T) {
	_, pool, port := newTLSServer(t)
	cfg := policy.PermissiveNetConfig()
	cfg.RootCAs = pool
	m := NewManager(cfg, nil)
	defer m.CloseAll()

	tcp, nerr := m.Connect(context.Background(), "127.0.0.1", port)
	require.Nil(t, nerr)

	tlsHandle, nerr := m.UpgradeTLS(context.Background(), tcp, "example.com")
	require.Nil(t, nerr)
	assert.NotEqual(t, tcp, tlsHandle)

	_, nerr = m.Write(context.Background(), tcp, []byte("x"), false)
	require.NotNil(t, nerr, "the TCP handle is consumed by the upgrade")
	assert.Equal(t, types.NetErrInvalidHandle, nerr.Kind)

	req := "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"
	_, nerr = m.Write(context.Background(), tlsHandle, []byte(req), true)
	require.Nil(t, nerr)

	resp := readAll(t, m, tlsHandle, true)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200"))
	assert.Contains(t, resp, "hello over tls")
}

func TestTLSUpgradeFailures(t *testing.T) {
	_, pool, port := newTLSServer(t)

	t.Run("untrusted certificate", func(t *testing.T) {
		m := NewManager(policy.PermissiveNetConfig(), nil)
		tcp, nerr := m.Connect(context.Background(), "127.0.0.1", port)
		require.Nil(t, nerr)

		_, nerr = m.UpgradeTLS(context.Background(), tcp, "example.com")
		require.NotNil(t, nerr)
		assert.Equal(t, types.NetErrCertificate, nerr.Kind)
		assert.Equal(t, 0, m.Open(), "failed upgrades close the connection")
	})

	t.Run("hostname mismatch", func(t *testing.T) {
		cfg := policy.PermissiveNetConfig()
		cfg.RootCAs = pool
		m := NewManager(cfg, nil)
		tcp, nerr := m.Connect(context.Background(), "127.0.0.1", port)
		require.Nil(t, nerr)

		_, nerr = m.UpgradeTLS(context.Background(), tcp, "evil.test")
		require.NotNil(t, nerr)
		assert.Equal(t, types.NetErrCertificate, nerr.Kind)
	})

	t.Run("unknown handle", func(t *testing.T) {
		m := NewManager(policy.PermissiveNetConfig(), nil)
		_, nerr := m.UpgradeTLS(context.Background(), 42, "example.com")
		require.NotNil(t, nerr)
		assert.Equal(t, types.NetErrInvalidHandle, nerr.Kind)
	})
}

func TestWriteSubstitutesSecrets(t *testing.T) {
	table, err := secrets.NewTable(
		secrets.Spec{Name: "OPEN", Value: "open-secret"},
		secrets.Spec{Name: "SCOPED", Value: "scoped-secret", AllowedHosts: []string{"api.example.com"}},
	)
	require.NoError(t, err)
	env := table.Env()

	t.Run("allowed", func(t *testing.T) {
		host, port, heads := headServer(t)
		m := NewManager(policy.PermissiveNetConfig(), table)
		defer m.CloseAll()

		h, nerr := m.Connect(context.Background(), host, port)
		require.Nil(t, nerr)

		req := "GET / HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer " + env["OPEN"] + "\r\n\r\n"
		n, nerr := m.Write(context.Background(), h, []byte(req), false)
		require.Nil(t, nerr)
		assert.Equal(t, len(req), n)

		select {
		case head := <-heads:
			assert.Contains(t, head, "Authorization: Bearer open-secret")
			assert.NotContains(t, head, env["OPEN"])
		case <-time.After(2 * time.Second):
			t.Fatal("server never received the request head")
		}
	})

	t.Run("scoped to another host", func(t *testing.T) {
		host, port, _ := headServer(t)
		m := NewManager(policy.PermissiveNetConfig(), table)
		defer m.CloseAll()

		h, nerr := m.Connect(context.Background(), host, port)
		require.Nil(t, nerr)

		req := "GET / HTTP/1.1\r\nX-Key: " + env["SCOPED"] + "\r\n\r\n"
		_, nerr = m.Write(context.Background(), h, []byte(req), false)
		require.NotNil(t, nerr)
		assert.Equal(t, types.NetErrNotPermitted, nerr.Kind)
	})
}
