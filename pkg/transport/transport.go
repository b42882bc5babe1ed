// Package transport executes single HTTP requests against the StarLine backends and
// classifies their failures.
//
// Every call issues exactly one request, bounded by the configured connect and total
// timeouts. Transport-level failures of any kind, including non-2xx statuses, surface as
// [protocol.TransportError]; a raw error from the net/http stack never crosses this
// boundary unclassified. Higher layers can therefore treat any transport error uniformly
// as "operation did not complete".
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/starline/starline-go/internal/log"
	"github.com/starline/starline-go/pkg/protocol"
)

const (
	// DefaultTotalTimeout bounds an entire request, including reading the body.
	DefaultTotalTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds establishing the TCP connection.
	DefaultConnectTimeout = 10 * time.Second
)

// MaxResponseLength limits how many body bytes a single response may carry.
const MaxResponseLength = 1 << 20

// Client wraps a reusable http.Client. It is safe to share one Client across the
// authenticator and the account for the lifetime of the process; call Close when done to
// release idle connections.
type Client struct {
	// The default UserAgent identifies this library, but can be overridden.
	UserAgent string

	dialer *net.Dialer
	client http.Client
	enc    encoding.Encoding // nil means plain UTF-8
}

// Request describes a single HTTP exchange. Params become the URL query. At most one of
// Form and JSON should be set; Form is sent form-urlencoded, JSON is marshaled into the
// body. Header entries are applied last and override the defaults.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Form   url.Values
	JSON   interface{}
	Header http.Header
}

// Response carries the decoded body and the raw headers of a completed 2xx exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON parses the response body into a generic map.
func (r *Response) JSON() (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(r.Body, &data); err != nil {
		return nil, &protocol.MalformedError{Field: "json body", Body: r.Body}
	}
	return data, nil
}

// New returns a Client with the default timeouts and UTF-8 decoding.
func New() *Client {
	dialer := &net.Dialer{Timeout: DefaultConnectTimeout}
	c := &Client{
		UserAgent: "starline-go",
		dialer:    dialer,
	}
	c.client = http.Client{
		Timeout: DefaultTotalTimeout,
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
	return c
}

// SetTimeouts replaces the total and connect timeouts. A non-positive connect value leaves
// the connect timeout unchanged. Not safe to call concurrently with in-flight requests.
func (c *Client) SetTimeouts(total, connect time.Duration) {
	c.client.Timeout = total
	if connect > 0 {
		c.dialer.Timeout = connect
	}
}

// SetEncoding selects the charset used to decode response bodies, by IANA name
// (e.g. "windows-1251"). The StarLine backends normally serve UTF-8.
func (c *Client) SetEncoding(name string) error {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return err
	}
	c.enc = enc
	return nil
}

// HTTPClient exposes the underlying http.Client so tests can install a mock transport
// (e.g. httpmock.ActivateNonDefault).
func (c *Client) HTTPClient() *http.Client {
	return &c.client
}

// Close releases idle connections. The Client remains usable afterwards.
func (c *Client) Close() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Do executes req. It returns a Response only for 2xx statuses; every other outcome,
// including connection errors and timeouts, is a [protocol.TransportError].
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target := req.URL
	if len(req.Params) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, &protocol.TransportError{Err: err}
		}
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, &protocol.TransportError{Err: err}
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	request, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &protocol.TransportError{Err: fmt.Errorf("constructing request to %s: %w", req.URL, err)}
	}
	request.Header.Set("User-Agent", c.UserAgent)
	request.Header.Set("Accept", "*/*")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	for k, vs := range req.Header {
		request.Header[k] = vs
	}

	log.Debug("%s %s", req.Method, target)
	if len(req.Form) > 0 {
		log.Debug("  form: %s", req.Form.Encode())
	}
	if req.JSON != nil {
		log.Debug("  json: %v", req.JSON)
	}
	log.Debug("  headers: %v", request.Header)

	response, err := c.client.Do(request)
	if err != nil {
		return nil, &protocol.TransportError{Err: err}
	}
	defer response.Body.Close()

	data, err := c.readBody(response.Body)
	if err != nil {
		return nil, &protocol.TransportError{Err: err}
	}
	log.Debug("  response %d: %s", response.StatusCode, data)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &protocol.TransportError{
			Err: fmt.Errorf("http status %d from %s", response.StatusCode, req.URL),
		}
	}
	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Body:       data,
	}, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	limited := io.Reader(&io.LimitedReader{R: r, N: MaxResponseLength + 1})
	if c.enc != nil {
		limited = transform.NewReader(limited, c.enc.NewDecoder())
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxResponseLength {
		return nil, fmt.Errorf("response exceeds %d bytes", MaxResponseLength)
	}
	return data, nil
}

// Get issues a GET request and parses the body. The raw body remains available to the
// caller through the returned Response for error diagnostics.
func (c *Client) Get(ctx context.Context, url string, params url.Values, header http.Header) (map[string]interface{}, *Response, error) {
	rsp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Params: params, Header: header})
	if err != nil {
		return nil, nil, err
	}
	data, err := rsp.JSON()
	return data, rsp, err
}

// PostForm issues a form-urlencoded POST request and parses the body.
func (c *Client) PostForm(ctx context.Context, url string, params, form url.Values, header http.Header) (map[string]interface{}, *Response, error) {
	rsp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: url, Params: params, Form: form, Header: header})
	if err != nil {
		return nil, nil, err
	}
	data, err := rsp.JSON()
	return data, rsp, err
}

// PostJSON issues a POST request with a JSON body and parses the response.
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}, header http.Header) (map[string]interface{}, *Response, error) {
	rsp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: url, JSON: payload, Header: header})
	if err != nil {
		return nil, nil, err
	}
	data, err := rsp.JSON()
	return data, rsp, err
}
