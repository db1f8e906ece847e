package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"
)

// Entry is a stored response
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewEntry buffers resp into an entry. The response body is consumed and
// replaced by an in-memory copy, so resp stays readable by the caller.
func NewEntry(resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")

	return &Entry{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// OK reports whether the entry holds a 2xx response, the only kind that gets stored
func (e *Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Age is how long the entry has been stored, as of now.
// Zero when the storage time is unknown.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.StoredAt.IsZero() || now.Before(e.StoredAt) {
		return 0
	}
	return now.Sub(e.StoredAt)
}

// Clone returns a deep copy of e
func (e *Entry) Clone() *Entry {
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     bytes.Clone(e.Body),
		StoredAt: e.StoredAt,
	}
}

// Response builds a fresh response for req out of the entry
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

const (
	// PREFIX marks encoded entries
	PREFIX = "---HTTP-RESPONSE---\n"

	storedAtHeader = "X-Stored-At"
)

// Encode serializes the entry as a raw HTTP/1.1 response, as persistent backends store it
func Encode(e *Entry) ([]byte, error) {
	resp := e.Response(nil)
	resp.Header.Set(storedAtHeader, strconv.FormatInt(e.StoredAt.UnixNano(), 10))

	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

// Decode is the inverse of Encode
func Decode(b []byte) (*Entry, error) {
	if !bytes.HasPrefix(b, []byte(PREFIX)) {
		return nil, fmt.Errorf("invalid prefix: expected %q", PREFIX)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored body: %w", err)
	}

	var storedAt time.Time
	if v := resp.Header.Get(storedAtHeader); v != "" {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			storedAt = time.Unix(0, nanos)
		}
	}
	resp.Header.Del(storedAtHeader)
	resp.Header.Del("Content-Length")

	return &Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		StoredAt: storedAt,
	}, nil
}
