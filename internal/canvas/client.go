// Package canvas is a small Canvas LMS REST client covering rosters,
// assignments, submissions and bulk grade updates.
package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mind-engage/gradesync/internal/logger"
	"github.com/mind-engage/gradesync/internal/metrics"
)

// APIError is a non-2xx Canvas response.
type APIError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("canvas %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("canvas %s: %s: %s", e.Op, e.Status, e.Body)
}

var (
	ErrNotFound        = errors.New("canvas: not found")
	ErrProgressFailed  = errors.New("canvas: bulk update failed")
	ErrProgressTimeout = errors.New("canvas: bulk update did not complete")
)

type Config struct {
	BaseURL string // e.g. https://canvas.cornell.edu
	Token   string
	Timeout time.Duration

	// Bulk update progress polling.
	PollInterval    time.Duration
	PollMaxAttempts int

	Logger  logger.Logger
	Metrics *metrics.Manager
}

type Client struct {
	base        *url.URL
	http        *http.Client
	interval    time.Duration
	maxAttempts int
	log         logger.Logger
	metrics     *metrics.Manager
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("canvas: bad base url %q", cfg.BaseURL)
	}
	h := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	c := &Client{
		base:        u,
		http:        h,
		interval:    cfg.PollInterval,
		maxAttempts: cfg.PollMaxAttempts,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if c.interval <= 0 {
		c.interval = 500 * time.Millisecond
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 240
	}
	if c.log == nil {
		c.log = logger.Named("canvas")
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/api/v1" + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends req and decodes a 2xx JSON body into out (when non-nil). It
// returns the response headers for pagination.
func (c *Client) do(req *http.Request, op string, out any) (http.Header, error) {
	req.Header.Set("Accept", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("canvas %s: %w", op, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return nil, &APIError{Op: op, StatusCode: res.StatusCode, Status: res.Status, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("canvas %s: decode: %w", op, err)
		}
	}
	return res.Header, nil
}

func (c *Client) get(ctx context.Context, rawURL, op string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, op, out)
}

// getAll follows Link rel="next" until the collection is exhausted.
func getAll[T any](ctx context.Context, c *Client, first, op string) ([]T, error) {
	var all []T
	for next := first; next != ""; {
		var page []T
		h, err := c.get(ctx, next, op, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = nextLink(h.Get("Link"))
	}
	return all, nil
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(k, "rel") && strings.Trim(v, `"`) == "next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}

func pageQuery() url.Values {
	return url.Values{"per_page": {"100"}}
}
