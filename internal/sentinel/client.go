// Package sentinel is a small client for the satellite-imagery SaaS: the
// processing API (synchronous and asynchronous), bring-your-own-COG
// collections and the configuration service that backs the web viewer.
package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/logging"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// Endpoint groups the URLs of one SaaS deployment.
type Endpoint struct {
	Name      string
	BaseURL   string
	AuthURL   string
	ViewerURL string
}

var Endpoints = map[string]Endpoint{
	"SENTINEL_HUB": {
		Name:      "SENTINEL_HUB",
		BaseURL:   "https://services.sentinel-hub.com",
		AuthURL:   "https://services.sentinel-hub.com/auth/realms/main/protocol/openid-connect/token",
		ViewerURL: "https://apps.sentinel-hub.com/eo-browser/?",
	},
	"CDSE": {
		Name:      "CDSE",
		BaseURL:   "https://sh.dataspace.copernicus.eu",
		AuthURL:   "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token",
		ViewerURL: "https://browser.dataspace.copernicus.eu/?",
	},
}

func Lookup(name string) (Endpoint, error) {
	ep, ok := Endpoints[strings.ToUpper(name)]
	if !ok {
		return Endpoint{}, failure.New(failure.ErrInvalidInput, "lookup endpoint", fmt.Sprintf("unknown endpoint %q", name))
	}
	return ep, nil
}

// APIError is a non-2xx answer.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Transient reports whether repeating the request may succeed.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// notFound marks a 404 as failure.ErrNotFound. Only lookups and deletions of
// an id we created use it; a 404 anywhere else stays a plain APIError.
func notFound(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return failure.Wrap(failure.ErrNotFound, op, err)
	}
	return err
}

type Client struct {
	hc      *http.Client
	base    string
	limiter *rate.Limiter
	logger  logging.Logger
}

type Option func(*Client)

// WithRateLimit caps outgoing requests per second; zero disables the cap.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

func WithLogger(l logging.Logger) Option { return func(c *Client) { c.logger = l } }

// New returns a client authenticated with the OAuth2 client-credentials flow
// against ep.AuthURL. Tokens are refreshed transparently.
func New(ctx context.Context, ep Endpoint, clientID, clientSecret string, opts ...Option) *Client {
	cc := clientcredentials.Config{ClientID: clientID, ClientSecret: clientSecret, TokenURL: ep.AuthURL}
	return NewWithHTTPClient(ep.BaseURL, cc.Client(ctx), opts...)
}

// NewWithHTTPClient uses hc as is; it must add authentication itself.
func NewWithHTTPClient(baseURL string, hc *http.Client, opts ...Option) *Client {
	c := &Client{hc: hc, base: strings.TrimRight(baseURL, "/"), logger: logging.Nop()}
	WithRateLimit(0)(c)
	for _, o := range opts {
		o(c)
	}
	return c
}

const maxErrorBody = 512

func (c *Client) do(ctx context.Context, method, path string, in any, accept string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := string(b)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: msg}
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn("saas request failed", "method", method, "path", path, "status", resp.StatusCode)
		}
		return nil, apiErr
	}
	return b, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	b, err := c.do(ctx, method, path, in, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
