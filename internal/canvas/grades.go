package canvas

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mind-engage/gradesync/internal/logger"
)

// Progress is a Canvas asynchronous job.
type Progress struct {
	ID            int64   `json:"id"`
	WorkflowState string  `json:"workflow_state"` // queued, running, completed, failed
	Completion    float64 `json:"completion"`
	Message       string  `json:"message"`
	URL           string  `json:"url"`
}

// BulkUpdateGrades posts every grade in one submissions/update_grades request
// and returns the job tracking it. The request is all-or-nothing from the
// caller's side.
func (c *Client) BulkUpdateGrades(ctx context.Context, courseID, assignmentID int64, grades map[int64]float64) (Progress, error) {
	if len(grades) == 0 {
		return Progress{}, fmt.Errorf("canvas: no grades to upload")
	}
	ids := make([]int64, 0, len(grades))
	for id := range grades {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	form := url.Values{}
	for _, id := range ids {
		form.Set(fmt.Sprintf("grade_data[%d][posted_grade]", id), strconv.FormatFloat(grades[id], 'f', -1, 64))
	}
	path := fmt.Sprintf("/courses/%d/assignments/%d/submissions/update_grades", courseID, assignmentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return Progress{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var p Progress
	_, err = c.do(req, "bulk update grades", &p)
	return p, err
}

func (c *Client) GetProgress(ctx context.Context, id int64) (Progress, error) {
	var p Progress
	_, err := c.get(ctx, c.endpoint(fmt.Sprintf("/progress/%d", id), nil), "get progress", &p)
	return p, err
}

// WaitForProgress polls the job at a fixed interval until it completes,
// fails, runs out of attempts or ctx is done.
func (c *Client) WaitForProgress(ctx context.Context, p Progress) (Progress, error) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for attempt := 0; ; attempt++ {
		switch p.WorkflowState {
		case "completed":
			return p, nil
		case "failed":
			return p, fmt.Errorf("%w: %s", ErrProgressFailed, p.Message)
		}
		if attempt >= c.maxAttempts {
			return p, fmt.Errorf("%w after %d polls (state %q)", ErrProgressTimeout, attempt, p.WorkflowState)
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-t.C:
		}
		c.metrics.RecordUploadPoll()
		next, err := c.GetProgress(ctx, p.ID)
		if err != nil {
			return p, err
		}
		c.log.Debug(ctx, "bulk update progress",
			logger.Int64("progress_id", p.ID), logger.String("state", next.WorkflowState), logger.Float64("completion", next.Completion))
		p = next
	}
}

// UploadGrades runs a bulk update and waits for it to finish.
func (c *Client) UploadGrades(ctx context.Context, courseID, assignmentID int64, grades map[int64]float64) error {
	p, err := c.BulkUpdateGrades(ctx, courseID, assignmentID, grades)
	if err != nil {
		return err
	}
	_, err = c.WaitForProgress(ctx, p)
	return err
}
