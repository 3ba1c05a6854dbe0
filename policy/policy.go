// Package policy implements the request and response framing of the postfix
// policy delegation protocol.
//
// A request is a sequence of "name=value" lines, terminated by an empty line.
// A response is a single "action=..." line, also terminated by an empty line.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var ErrMalformed = errors.New("malformed policy request")

// Request holds the attributes of a single policy request. Unknown attributes
// are kept.
type Request map[string]string

// Attributes that are logged for a request, if present.
var logAttributes = []string{
	"request",
	"protocol_state",
	"queue_id",
	"sender",
	"recipient",
	"recipient_count",
	"client_address",
	"client_name",
	"helo_name",
	"instance",
	"size",
}

// SASLUsername returns the authenticated username of the client, or empty if
// the client did not authenticate.
func (r Request) SASLUsername() string {
	return r["sasl_username"]
}

// LogAttrs returns attributes of the request for logging.
func (r Request) LogAttrs() []slog.Attr {
	var l []slog.Attr
	for _, k := range logAttributes {
		if v, ok := r[k]; ok {
			l = append(l, slog.String(k, v))
		}
	}
	return l
}

// Keys returns the attribute names in the request, sorted.
func (r Request) Keys() []string {
	l := make([]string, 0, len(r))
	for k := range r {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}

// Decode attempts to parse one request from the start of buf.
//
// If buf does not yet contain a terminating empty line, Decode returns a nil
// request, 0 and a nil error, and the caller should read more data. Otherwise n
// is the number of bytes of the frame, including the terminating empty line.
// This is also the case when the frame is malformed, with an error wrapping
// ErrMalformed, so the caller can skip the frame.
//
// Values are not trimmed. If an attribute is present multiple times, the last
// value is used.
func Decode(buf []byte) (req Request, n int, err error) {
	var end int // Index of the empty line.
	if len(buf) > 0 && buf[0] == '\n' {
		end = 0
	} else if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		end = i + 1
	} else {
		return nil, 0, nil
	}
	n = end + 1

	req = Request{}
	frame := buf[:end]
	for lineno := 1; len(frame) > 0; lineno++ {
		var line []byte
		line, frame, _ = bytes.Cut(frame, []byte("\n"))
		k, v, ok := bytes.Cut(line, []byte("="))
		if !ok {
			return nil, n, fmt.Errorf("%w: line %d: missing '='", ErrMalformed, lineno)
		}
		if len(k) == 0 {
			return nil, n, fmt.Errorf("%w: line %d: empty attribute name", ErrMalformed, lineno)
		}
		req[string(k)] = string(v)
	}
	return req, n, nil
}

// Encode returns the request in wire format, with attributes sorted by name.
func (r Request) Encode() []byte {
	var b bytes.Buffer
	for _, k := range r.Keys() {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r[k])
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}
