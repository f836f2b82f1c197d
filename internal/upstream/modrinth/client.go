// Package modrinth is the upstream client for the Modrinth v2 API.
package modrinth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"modwatch/internal/model"
	"modwatch/internal/retry"
	logx "modwatch/pkg/logx"
)

const (
	DefaultBaseURL   = "https://api.modrinth.com/v2"
	DefaultUserAgent = "modwatch/1.0 (update notifier)"
	DefaultTimeout   = 15 * time.Second

	// used when a 429 carries no Retry-After
	defaultRateLimitBackoff = time.Minute
	maxBodyBytes            = 8 << 20
)

// Limiter is the request budget every HTTP attempt draws from.
type Limiter interface {
	Acquire(ctx context.Context, cost int) (time.Time, error)
	PauseUntil(t time.Time)
}

type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Retry applies to network errors only; HTTP statuses are answered.
	Retry  retry.Policy
	Logger logx.Logger
}

type Client struct {
	http *http.Client
	base string
	ua   string
	gov  Limiter
	log  logx.Logger

	policy atomic.Pointer[retry.Policy]
	now    func() time.Time
}

func New(gov Limiter, opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		http: hc,
		base: base,
		ua:   ua,
		gov:  gov,
		log:  log.With(logx.Component("upstream")),
		now:  time.Now,
	}
	c.SetRetry(opts.Retry)
	return c
}

// SetRetry swaps the in-call retry policy. A zero MaxAttempts means 2.
func (c *Client) SetRetry(p retry.Policy) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 2
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	p = p.Normalize()
	c.policy.Store(&p)
}

// FetchLatestVersion returns the newest published version of a project, or a
// zero record when the project has none.
func (c *Client) FetchLatestVersion(ctx context.Context, id model.ProjectID) (model.VersionRecord, error) {
	var vs []apiVersion
	if err := c.get(ctx, "versions", "/project/"+url.PathEscape(string(id))+"/version", &vs); err != nil {
		return model.VersionRecord{}, err
	}
	v, ok := latest(vs)
	if !ok {
		return model.VersionRecord{}, nil
	}
	rec := v.toModel()
	if rec.ProjectID == "" {
		rec.ProjectID = id
	}
	return rec, nil
}

// GetProject resolves an id or slug to the project, including its canonical id.
func (c *Client) GetProject(ctx context.Context, idOrSlug string) (model.Project, error) {
	ref := strings.TrimSpace(idOrSlug)
	if ref == "" {
		return model.Project{}, ErrNotFound
	}
	var p apiProject
	if err := c.get(ctx, "project", "/project/"+url.PathEscape(ref), &p); err != nil {
		return model.Project{}, err
	}
	if p.ID == "" {
		return model.Project{}, fmt.Errorf("modrinth: project %q: empty id in response", ref)
	}
	return p.toModel(), nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, out any) error {
	policy := *c.policy.Load()
	err := policy.Do(ctx, func(ctx context.Context, attempt uint) error {
		return c.attempt(ctx, endpoint, c.base+path, out)
	}, isNetErr, func(attempt uint, err error) {
		c.log.Debug("upstream request failed; retrying",
			logx.String("endpoint", endpoint), logx.Uint("attempt", attempt), logx.Err(err))
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne *netError
	if errors.As(err, &ne) {
		return &TransientError{Err: ne.err}
	}
	return err
}

func (c *Client) attempt(ctx context.Context, endpoint, rawURL string, out any) error {
	if _, err := c.gov.Acquire(ctx, 1); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("modrinth: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	requestSeconds.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		requestsTotal.WithLabelValues(endpoint, "network").Inc()
		return &netError{err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	c.observeBudget(resp.Header)

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
			requestsTotal.WithLabelValues(endpoint, "decode").Inc()
			return fmt.Errorf("modrinth: decode %s: %w", endpoint, err)
		}
		requestsTotal.WithLabelValues(endpoint, "ok").Inc()
		return nil
	case code == http.StatusNotFound:
		requestsTotal.WithLabelValues(endpoint, "not_found").Inc()
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		backoff := retryAfter(resp.Header, c.now())
		if backoff <= 0 {
			backoff = defaultRateLimitBackoff
		}
		c.gov.PauseUntil(c.now().Add(backoff))
		c.log.Warn("upstream rate limited", logx.Duration("backoff", backoff))
		return &TransientError{Status: code, Backoff: backoff}
	case code >= 500:
		requestsTotal.WithLabelValues(endpoint, "server_error").Inc()
		return &TransientError{Status: code, Backoff: retryAfter(resp.Header, c.now())}
	default:
		requestsTotal.WithLabelValues(endpoint, "unexpected").Inc()
		return fmt.Errorf("modrinth: unexpected status %d for %s", code, endpoint)
	}
}

// observeBudget pauses the governor when the upstream says the budget is
// spent, even before a 429 arrives.
func (c *Client) observeBudget(h http.Header) {
	rem := strings.TrimSpace(h.Get("X-Ratelimit-Remaining"))
	if rem != "0" {
		return
	}
	reset, err := strconv.Atoi(strings.TrimSpace(h.Get("X-Ratelimit-Reset")))
	if err != nil || reset <= 0 {
		return
	}
	c.gov.PauseUntil(c.now().Add(time.Duration(reset) * time.Second))
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
