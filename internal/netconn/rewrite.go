package netconn

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/enclave/internal/secrets"
)

const maxHeadBytes = 64 * 1024

var (
	errHTTP2WithSecrets = errors.New("HTTP/2 is not supported on connections that may carry secrets")
	errHeadTooLarge     = errors.New("request head exceeds 64KiB")

	headTerminator = []byte("\r\n\r\n")
	chunkedEnd     = []byte("0\r\n\r\n")
	http2Preface   = []byte("PRI * HTTP/2.0")
)

type streamState int

const (
	stateHead streamState = iota
	stateFixedBody
	stateChunkedBody
	statePassthrough
)

// requestRewriter substitutes secret placeholders in the header section of
// HTTP/1.x requests written to a raw connection. Bodies and non-HTTP traffic
// are forwarded unchanged. Pipelined requests are handled by tracking
// Content-Length and chunked framing between heads.
type requestRewriter struct {
	table    *secrets.Table
	host     string
	fallback []string

	state     streamState
	head      []byte
	remaining int64
	tail      []byte
}

func newRequestRewriter(table *secrets.Table, host string, fallback []string) *requestRewriter {
	return &requestRewriter{table: table, host: host, fallback: fallback}
}

// Rewrite consumes p and returns the bytes ready to be sent. Part of a head
// may be held back until its terminating blank line arrives.
func (r *requestRewriter) Rewrite(p []byte) ([]byte, error) {
	var out []byte
	for len(p) > 0 {
		switch r.state {
		case statePassthrough:
			return append(out, p...), nil

		case stateFixedBody:
			n := int64(len(p))
			if n > r.remaining {
				n = r.remaining
			}
			out = append(out, p[:n]...)
			p = p[n:]
			r.remaining -= n
			if r.remaining == 0 {
				r.state = stateHead
			}

		case stateChunkedBody:
			window := append(r.tail, p...)
			idx := bytes.Index(window, chunkedEnd)
			if idx < 0 {
				out = append(out, p...)
				keep := len(chunkedEnd) - 1
				if len(window) < keep {
					keep = len(window)
				}
				r.tail = append([]byte(nil), window[len(window)-keep:]...)
				return out, nil
			}
			// idx is relative to window; convert to an offset into p.
			consumed := idx + len(chunkedEnd) - len(r.tail)
			out = append(out, p[:consumed]...)
			p = p[consumed:]
			r.tail = nil
			r.state = stateHead

		case stateHead:
			r.head = append(r.head, p...)
			p = nil

			if bytes.HasPrefix(r.head, http2Preface) || bytes.HasPrefix(http2Preface, r.head) && len(r.head) >= 3 {
				return nil, errHTTP2WithSecrets
			}
			if !looksLikeRequest(r.head) {
				r.state = statePassthrough
				out = append(out, r.head...)
				r.head = nil
				return out, nil
			}

			end := bytes.Index(r.head, headTerminator)
			if end < 0 {
				if len(r.head) > maxHeadBytes {
					return nil, errHeadTooLarge
				}
				return out, nil
			}

			head := r.head[:end+len(headTerminator)]
			rest := append([]byte(nil), r.head[end+len(headTerminator):]...)
			r.head = nil

			rewritten, err := r.table.SubstituteHeaders(head, r.host, r.fallback)
			if err != nil {
				return nil, err
			}
			out = append(out, rewritten...)
			r.enterBody(head)
			p = rest
		}
	}
	return out, nil
}

func (r *requestRewriter) enterBody(head []byte) {
	r.state = stateHead
	for _, line := range strings.Split(string(head), "\r\n")[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				r.state = stateChunkedBody
				return
			}
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
				r.state = stateFixedBody
				r.remaining = n
			}
		}
	}
}

// looksLikeRequest reports whether b could be the start of an HTTP/1.x
// request line: an uppercase method token followed by a space. A short prefix
// that is still a plausible method is accepted.
func looksLikeRequest(b []byte) bool {
	for i, c := range b {
		if c == ' ' {
			return i > 0
		}
		if c < 'A' || c > 'Z' || i >= 16 {
			return false
		}
	}
	return true
}
