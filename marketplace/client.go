package marketplace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/Jeffail/gabs/v2"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/pressify/forge/system"
)

// Client talks to the module marketplace HTTP API. All request bodies
// and responses are JSON; responses are traversed leniently since the
// marketplace contract has grown fields over time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenID    string
	token      string
	headers    map[string]string
	retries    int
}

type ClientOption func(c *Client)

// New returns a marketplace client for the given base URL. A single
// retry with backoff is attempted on connection-level failures.
func New(base string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: &http.Client{Timeout: time.Second * 20},
		retries:    1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithCredentials sets the access token pair used to authenticate
// against marketplaces that require it.
func WithCredentials(id, token string) ClientOption {
	return func(c *Client) {
		c.tokenID = id
		c.token = token
	}
}

// WithCustomHeaders adds headers to every outgoing request, used for
// access-gated marketplaces sitting behind proxies.
func WithCustomHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		c.headers = headers
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient swaps the underlying http client, used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// RequestError is a non-2xx marketplace response, decoded from the
// standard {error: ...} body shape when present.
type RequestError struct {
	Code   int    `json:"code"`
	Detail string `json:"error"`
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("marketplace: request failed with status %d", e.Code)
	}
	return fmt.Sprintf("marketplace: %s (status %d)", e.Detail, e.Code)
}

// Post sends a JSON payload and returns the parsed response container.
func (c *Client) Post(ctx context.Context, path string, data interface{}) (*gabs.Container, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: failed to encode request payload")
	}
	return c.request(ctx, http.MethodPost, path, b)
}

// Get fetches and parses a JSON response from the marketplace.
func (c *Client) Get(ctx context.Context, path string) (*gabs.Container, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

func (c *Client) request(ctx context.Context, method, path string, body []byte) (*gabs.Container, error) {
	var res *http.Response
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.applyHeaders(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Warn("marketplace request failed, retrying")
			return err
		}
		res = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)), ctx))
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: request failed")
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: failed to read response body")
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		rerr := &RequestError{Code: res.StatusCode}
		_ = json.Unmarshal(b, rerr)
		return nil, rerr
	}

	container, err := gabs.ParseJSON(b)
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: malformed response body")
	}
	return container, nil
}

// Download streams an archive from the marketplace. The bearer token,
// when given, is the stored license key gating a paid download.
func (c *Client) Download(ctx context.Context, url, bearer string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: archive download failed")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return nil, &RequestError{Code: res.StatusCode}
	}
	return res.Body, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", fmt.Sprintf("Forge/v%s (id:%s)", system.Version, c.tokenID))
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.tokenID+"."+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}
