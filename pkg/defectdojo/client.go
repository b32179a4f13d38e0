package defectdojo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/user/cloudscan/pkg/config"
)

// maxErrorBody caps how much of a failed response is kept in BackendError.
const maxErrorBody = 64 << 10

// Client talks to the DefectDojo v2 API. It holds the login but no token; call
// Authenticate to get a Session.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewClient(cfg config.DefectDojoConfig, logger zerolog.Logger) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.Host, "/") + "/api/v2",
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With().Str("component", "defectdojo").Logger(),
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// Authenticate exchanges the configured login for an API token.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	body := map[string]string{"username": c.username, "password": c.password}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api-token-auth/", nil, body, "", &resp); err != nil {
		return nil, &AuthError{Err: err}
	}
	if resp.Token == "" {
		return nil, &AuthError{Err: fmt.Errorf("response carried no token")}
	}
	c.logger.Info().Str("host", c.baseURL).Msg("Authenticated to defectdojo")
	return &Session{client: c, token: resp.Token}, nil
}

// do sends a JSON request and decodes a JSON answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in any, token string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, body, token)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader, token string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.newRequestURL(ctx, method, u, body, token)
}

// pageURL rebases a pagination link onto the configured host, so the token
// is never sent elsewhere and proxies rewriting the scheme do not matter.
func (c *Client) pageURL(next string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("invalid pagination link %q: %w", next, err)
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	u.User = nil
	return u.String(), nil
}

func (c *Client) newRequestURL(ctx context.Context, method, u string, body io.Reader, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &BackendError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// Session is an authenticated view of the backend, valid for one run. The
// token only lives in memory.
type Session struct {
	client *Client
	token  string
}

func (s *Session) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return s.client.do(ctx, method, path, query, in, s.token, out)
}
