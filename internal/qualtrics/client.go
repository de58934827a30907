// Package qualtrics is a Qualtrics v3 API client for finding surveys and
// exporting their responses.
package qualtrics

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mind-engage/gradesync/internal/logger"
	"github.com/mind-engage/gradesync/internal/metrics"
)

// APIError is a non-2xx Qualtrics response.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qualtrics %s: %d %s", e.Op, e.StatusCode, e.Message)
}

var (
	ErrSurveyNotFound = errors.New("qualtrics: survey not found")
	ErrExportFailed   = errors.New("qualtrics: export failed")
	ErrExportTimeout  = errors.New("qualtrics: export did not complete")
	ErrEmptyArchive   = errors.New("qualtrics: export archive has no data file")
)

type Config struct {
	Datacenter string // e.g. "cornell.ca1"
	BaseURL    string // overrides https://<datacenter>.qualtrics.com/API/v3
	Token      string
	Timeout    time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int

	Logger  logger.Logger
	Metrics *metrics.Manager
}

type Client struct {
	base        string
	token       string
	http        *http.Client
	interval    time.Duration
	maxAttempts int
	log         logger.Logger
	metrics     *metrics.Manager
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		if cfg.Datacenter == "" {
			return nil, errors.New("qualtrics: datacenter or base url required")
		}
		base = "https://" + cfg.Datacenter + ".qualtrics.com/API/v3"
	}
	c := &Client{
		base:        base,
		token:       cfg.Token,
		http:        &http.Client{Timeout: cfg.Timeout},
		interval:    cfg.PollInterval,
		maxAttempts: cfg.PollMaxAttempts,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if c.interval <= 0 {
		c.interval = time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 300
	}
	if c.log == nil {
		c.log = logger.Named("qualtrics")
	}
	return c, nil
}

// envelope is the {"result": ..., "meta": ...} wrapper of every response.
type envelope[T any] struct {
	Result T `json:"result"`
	Meta   struct {
		HTTPStatus string `json:"httpStatus"`
		Error      struct {
			ErrorMessage string `json:"errorMessage"`
		} `json:"error"`
	} `json:"meta"`
}

func (c *Client) send(ctx context.Context, method, url, op string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qualtrics %s: %w", op, err)
	}
	if res.StatusCode/100 != 2 {
		defer res.Body.Close()
		var env envelope[json.RawMessage]
		_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&env)
		msg := env.Meta.Error.ErrorMessage
		if msg == "" {
			msg = res.Status
		}
		return nil, &APIError{Op: op, StatusCode: res.StatusCode, Message: msg}
	}
	return res, nil
}

func call[T any](ctx context.Context, c *Client, method, url, op string, body any) (T, error) {
	var zero T
	res, err := c.send(ctx, method, url, op, body)
	if err != nil {
		return zero, err
	}
	defer res.Body.Close()
	var env envelope[T]
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return zero, fmt.Errorf("qualtrics %s: decode: %w", op, err)
	}
	return env.Result, nil
}

type Survey struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// ListSurveys follows nextPage until every survey is listed.
func (c *Client) ListSurveys(ctx context.Context) ([]Survey, error) {
	type page struct {
		Elements []Survey `json:"elements"`
		NextPage *string  `json:"nextPage"`
	}
	var all []Survey
	for next := c.base + "/surveys"; next != ""; {
		p, err := call[page](ctx, c, http.MethodGet, next, "list surveys", nil)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Elements...)
		next = ""
		if p.NextPage != nil {
			next = *p.NextPage
		}
	}
	return all, nil
}

// SurveyID finds a survey by exact name.
func (c *Client) SurveyID(ctx context.Context, name string) (string, error) {
	surveys, err := c.ListSurveys(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range surveys {
		if s.Name == name {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrSurveyNotFound, name)
}

// Export is a downloaded response export.
type Export struct {
	SurveyID string
	FileName string // name of the data file inside the archive
	Data     []byte // extracted CSV
	Archive  []byte // zip as downloaded
}

type exportProgress struct {
	ProgressID      string  `json:"progressId"`
	Status          string  `json:"status"`
	PercentComplete float64 `json:"percentComplete"`
	FileID          string  `json:"fileId"`
}

// ExportResponses starts a CSV export with choice labels, polls it at a
// fixed interval until it completes or fails, downloads the archive and
// extracts the data file.
func (c *Client) ExportResponses(ctx context.Context, surveyID string) (*Export, error) {
	exportURL := c.base + "/surveys/" + surveyID + "/export-responses"
	p, err := call[exportProgress](ctx, c, http.MethodPost, exportURL, "start export",
		map[string]any{"format": "csv", "useLabels": true})
	if err != nil {
		return nil, err
	}
	c.log.Info(ctx, "survey export started", logger.String("survey_id", surveyID), logger.String("progress_id", p.ProgressID))

	progressID := p.ProgressID
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for attempt := 0; p.Status != "complete"; attempt++ {
		if p.Status == "failed" {
			return nil, fmt.Errorf("%w: survey %s", ErrExportFailed, surveyID)
		}
		if attempt >= c.maxAttempts {
			return nil, fmt.Errorf("%w after %d polls", ErrExportTimeout, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		c.metrics.RecordExportPoll()
		if p, err = call[exportProgress](ctx, c, http.MethodGet, exportURL+"/"+progressID, "export progress", nil); err != nil {
			return nil, err
		}
	}

	res, err := c.send(ctx, http.MethodGet, exportURL+"/"+p.FileID+"/file", "download export", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	archive, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("qualtrics download export: %w", err)
	}
	name, data, err := extractData(archive)
	if err != nil {
		return nil, err
	}
	return &Export{SurveyID: surveyID, FileName: name, Data: data, Archive: archive}, nil
}

// extractData returns the first .csv member of the archive.
func extractData(archive []byte) (string, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", nil, fmt.Errorf("qualtrics: open export archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", nil, err
		}
		return path.Base(f.Name), data, nil
	}
	return "", nil, ErrEmptyArchive
}
