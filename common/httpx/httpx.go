package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

// maxBodyBytes bounds how much of a response is read into memory.
const maxBodyBytes = 8 << 20

// Client is a shared outbound HTTP client with a host allowlist and an
// optional rate limit. Retries and circuit breaking live in the resilience
// package; Client only classifies failures.
type Client struct {
	hc      *http.Client
	opt     Options
	limiter *rate.Limiter
}

type Options struct {
	Timeout       time.Duration
	HostAllowlist []string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	UserAgent string
}

var ErrHostNotAllowed = errors.New("host not allowed")

// New builds a client from options.
func New(opt Options) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: opt.Timeout}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     30 * time.Second,
	}
	c := &Client{
		hc:  &http.Client{Timeout: opt.Timeout, Transport: transport},
		opt: opt,
	}
	if opt.RateLimit > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opt.RateLimit), burst)
	}
	return c
}

func NewFromConfig(cfg *config.HTTPClientConfig) *Client {
	if cfg == nil {
		return New(Options{})
	}
	return New(Options{
		Timeout:       time.Duration(cfg.TimeoutMs) * time.Millisecond,
		HostAllowlist: cfg.HostAllowlist,
		RateLimit:     cfg.RateLimit,
		Burst:         cfg.Burst,
		UserAgent:     cfg.UserAgent,
	})
}

func (c *Client) allowed(u *url.URL) bool {
	if len(c.opt.HostAllowlist) == 0 {
		return true
	}
	host := u.Hostname()
	for _, h := range c.opt.HostAllowlist {
		if matchHost(h, host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, host) {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suf := strings.TrimPrefix(pattern, "*.")
		return strings.HasSuffix(host, "."+suf) || host == suf
	}
	return false
}

// Do sends req on behalf of backend. Responses with status >= 400 are closed
// and returned as *errs.Error classified by status code.
func (c *Client) Do(backend string, req *http.Request) (*http.Response, error) {
	if !c.allowed(req.URL) {
		logger.Warnf("httpx: blocked outbound host: %s", req.URL.Host)
		return nil, errs.Wrap(errs.KindNotConfigured, backend, fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL.Host))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, errs.Wrap(errs.KindRateLimited, backend, err)
		}
	}
	if c.opt.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opt.UserAgent)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, &errs.Error{Kind: errs.KindTimeout, Backend: backend, Op: req.Method, Err: err}
		}
		return nil, errs.Wrap(errs.KindUnavailable, backend, err)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		e := errs.FromStatus(backend, resp.StatusCode)
		if len(snippet) > 0 {
			e.Err = fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return nil, e
	}
	return resp, nil
}

// DoJSON marshals body (when non-nil), sends it and returns the response body.
func (c *Client) DoJSON(ctx context.Context, backend, method, rawURL string, headers map[string]string, body interface{}) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, backend, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotConfigured, backend, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(backend, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, backend, err)
	}
	return out, nil
}
