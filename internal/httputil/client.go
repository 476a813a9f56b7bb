// Package httputil provides the HTTP transport used by the transit API client
// and JSON response helpers for the gateway.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 8 << 20

// =============================================================================
// Token Sources
// =============================================================================

// TokenSource yields the bearer token for outgoing requests. An empty string
// means no token is available; the request is still sent.
type TokenSource interface {
	Token(ctx context.Context) string
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) string

func (f TokenSourceFunc) Token(ctx context.Context) string { return f(ctx) }

type bearerTokenKey struct{}

// WithBearerToken stores a caller's token in ctx for ContextTokens.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerTokenKey{}, token)
}

// BearerTokenFromContext returns the token stored by WithBearerToken.
func BearerTokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(bearerTokenKey{}).(string)
	return v
}

// ContextTokens forwards whatever token the request context carries.
var ContextTokens TokenSource = TokenSourceFunc(BearerTokenFromContext)

// =============================================================================
// Client
// =============================================================================

// Client issues requests against a fixed base URL and attaches the ambient
// bearer token. It never retries and never caches.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	userAgent  string
	headers    map[string]string
}

// ClientConfig configures the client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	UserAgent  string
	// Headers are sent with every request.
	Headers map[string]string
}

// NewClient creates a client. BaseURL should already include the API prefix.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:     cfg.Tokens,
		userAgent:  cfg.UserAgent,
		headers:    cfg.Headers,
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Body is an encoded request payload.
type Body struct {
	Reader      io.Reader
	ContentType string
}

// JSONBody encodes v as a JSON request body.
func JSONBody(v interface{}) (*Body, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return &Body{Reader: bytes.NewReader(data), ContentType: "application/json"}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// MultipartFile encodes a form with exactly one file part named field.
func MultipartFile(field, filename, contentType string, r io.Reader) (*Body, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return &Body{Reader: &buf, ContentType: mw.FormDataContentType()}, nil
}

// Do sends one request. Statuses >= 400 return the response together with a
// *StatusError; transport failures are returned exactly as the HTTP client
// reported them.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body *Body) (*Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = body.Reader
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil && body.ContentType != "" {
		req.Header.Set("Content-Type", body.ContentType)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokens != nil {
		if token := c.tokens.Token(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		Headers:    resp.Header,
	}
	if resp.StatusCode >= 400 {
		return out, &StatusError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        reqURL,
			Body:       data,
		}
	}
	return out, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, v interface{}) (*Response, error) {
	body, err := JSONBody(v)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, v interface{}) (*Response, error) {
	body, err := JSONBody(v)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// =============================================================================
// Responses
// =============================================================================

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v. A body that does not decode
// yields a *DecodeError.
func (r *Response) JSON(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &DecodeError{StatusCode: r.StatusCode, Body: r.Body, Err: err}
	}
	return nil
}

// DecodeError is returned when the server answered but its body could not be
// decoded.
type DecodeError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response (status %d): %v", e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// UndecodableStatus returns the status of the response that failed to decode.
func (e *DecodeError) UndecodableStatus() int {
	return e.StatusCode
}

// ResponseBody returns the raw body.
func (e *DecodeError) ResponseBody() []byte {
	return e.Body
}

// StatusError is returned when the server answered with status >= 400.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 256 {
		msg = msg[:256] + "...(truncated)"
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// ResponseBody returns the raw error body.
func (e *StatusError) ResponseBody() []byte {
	return e.Body
}

// ReadAllWithLimit reads up to limit bytes and reports whether more remained.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads r fully and fails if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
