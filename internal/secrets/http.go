package secrets

import (
	"bytes"
	"net/http"
)

// SubstituteHeaders substitutes placeholders inside the header lines of a raw
// HTTP/1.x request head. The request line and anything after the blank line
// are left untouched.
func (t *Table) SubstituteHeaders(head []byte, host string, fallback []string) ([]byte, error) {
	if t.Len() == 0 {
		return head, nil
	}
	lineEnd := bytes.Index(head, []byte("\r\n"))
	if lineEnd < 0 {
		return head, nil
	}
	requestLine, rest := head[:lineEnd+2], head[lineEnd+2:]

	headers, err := t.Substitute(string(rest), host, fallback)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(requestLine)+len(headers))
	out = append(out, requestLine...)
	return append(out, headers...), nil
}

// SubstituteHeaderMap substitutes placeholders in every value of h in place.
func (t *Table) SubstituteHeaderMap(h http.Header, host string, fallback []string) error {
	if t.Len() == 0 {
		return nil
	}
	for name, values := range h {
		for i, v := range values {
			sub, err := t.Substitute(v, host, fallback)
			if err != nil {
				return err
			}
			values[i] = sub
		}
		h[name] = values
	}
	return nil
}
