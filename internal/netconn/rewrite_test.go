package netconn

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/secrets"
)

func rewriterFor(t *testing.T, allowed ...string) (*requestRewriter, string) {
	t.Helper()
	table, err := secrets.NewTable(secrets.Spec{Name: "TOKEN", Value: "real-token", AllowedHosts: allowed})
	require.NoError(t, err)
	return newRequestRewriter(table, "api.example.com", nil), table.Env()["TOKEN"]
}

func rewriteAll(t *testing.T, r *requestRewriter, parts ...string) string {
	t.Helper()
	var out []byte
	for _, p := range parts {
		chunk, err := r.Rewrite([]byte(p))
		require.NoError(t, err)
		out = append(out, chunk...)
	}
	return string(out)
}

func TestRewriterSubstitutesHeaders(t *testing.T) {
	r, p := rewriterFor(t)
	got := rewriteAll(t, r, "GET / HTTP/1.1\r\nHost: api.example.com\r\nAuthorization: Bearer "+p+"\r\n\r\n")
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: api.example.com\r\nAuthorization: Bearer real-token\r\n\r\n", got)
}

func TestRewriterBuffersSplitHead(t *testing.T) {
	r, p := rewriterFor(t)
	head := "GET / HTTP/1.1\r\nX-Token: " + p + "\r\n\r\n"

	first, err := r.Rewrite([]byte(head[:20]))
	require.NoError(t, err)
	assert.Empty(t, first, "incomplete head is held back")

	rest, err := r.Rewrite([]byte(head[20:]))
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\nX-Token: real-token\r\n\r\n", string(rest))
}

func TestRewriterLeavesBodyAlone(t *testing.T) {
	r, p := rewriterFor(t)
	body := "token=" + p
	req := "POST /x HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\nX-T: " + p + "\r\n\r\n" + body

	got := rewriteAll(t, r, req)
	assert.Contains(t, got, "X-T: real-token")
	assert.Contains(t, got, "\r\n\r\n"+body, "body keeps the placeholder")
}

func TestRewriterPipelinedRequests(t *testing.T) {
	r, p := rewriterFor(t)
	one := "POST /a HTTP/1.1\r\nContent-Length: 4\r\n\r\nbody"
	two := "GET /b HTTP/1.1\r\nX-T: " + p + "\r\n\r\n"

	got := rewriteAll(t, r, one+two)
	assert.Equal(t, one+"GET /b HTTP/1.1\r\nX-T: real-token\r\n\r\n", got)
}

func TestRewriterChunkedBody(t *testing.T) {
	r, p := rewriterFor(t)
	one := "POST /a HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"
	chunks := "4\r\nwiki\r\n0\r\n\r\n"
	two := "GET /b HTTP/1.1\r\nX-T: " + p + "\r\n\r\n"

	got := rewriteAll(t, r, one, chunks[:6], chunks[6:]+two)
	assert.Equal(t, one+chunks+"GET /b HTTP/1.1\r\nX-T: real-token\r\n\r\n", got)
}

func TestRewriterPassesThroughNonHTTP(t *testing.T) {
	r, p := rewriterFor(t)
	got := rewriteAll(t, r, "\x16\x03\x01binary "+p, "more")
	assert.Equal(t, "\x16\x03\x01binary "+p+"more", got)
}

func TestRewriterRejects(t *testing.T) {
	t.Run("http2 preface", func(t *testing.T) {
		r, _ := rewriterFor(t)
		_, err := r.Rewrite([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
		assert.ErrorIs(t, err, errHTTP2WithSecrets)
	})

	t.Run("host not allowed", func(t *testing.T) {
		r, p := rewriterFor(t, "other.example.com")
		_, err := r.Rewrite([]byte("GET / HTTP/1.1\r\nX-T: " + p + "\r\n\r\n"))
		assert.ErrorIs(t, err, secrets.ErrNotPermitted)
	})
}

func TestLooksLikeRequest(t *testing.T) {
	assert.True(t, looksLikeRequest([]byte("GET / HTTP/1.1")))
	assert.True(t, looksLikeRequest([]byte("PO")))
	assert.False(t, looksLikeRequest([]byte(" GET")))
	assert.False(t, looksLikeRequest([]byte("get / HTTP/1.1")))
	assert.False(t, looksLikeRequest([]byte{0x16, 0x03}))
}
