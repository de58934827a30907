package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

type Assignment struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	DueAt             *time.Time `json:"due_at"`
	PointsPossible    float64    `json:"points_possible"`
	AssignmentGroupID int64      `json:"assignment_group_id"`
	Published         bool       `json:"published"`
}

// Context returns the engine context for the assignment. A missing due date
// is an error only when lateness must be checked.
func (a Assignment) Context(checkLate bool) (reconcile.AssignmentContext, error) {
	actx := reconcile.AssignmentContext{PointsPossible: a.PointsPossible}
	if a.DueAt != nil {
		actx.DueAt = a.DueAt.UTC()
	} else if checkLate {
		return actx, fmt.Errorf("canvas: assignment %q has no due date", a.Name)
	}
	return actx, nil
}

type AssignmentGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Submission struct {
	UserID      int64      `json:"user_id"`
	SubmittedAt *time.Time `json:"submitted_at"`
	Late        bool       `json:"late"`
}

func (c *Client) ListAssignments(ctx context.Context, courseID int64) ([]Assignment, error) {
	return getAll[Assignment](ctx, c, c.endpoint(fmt.Sprintf("/courses/%d/assignments", courseID), pageQuery()), "list assignments")
}

// FindAssignment returns the assignment named exactly name.
func (c *Client) FindAssignment(ctx context.Context, courseID int64, name string) (Assignment, error) {
	all, err := c.ListAssignments(ctx, courseID)
	if err != nil {
		return Assignment{}, err
	}
	for _, a := range all {
		if a.Name == name {
			return a, nil
		}
	}
	return Assignment{}, fmt.Errorf("%w: assignment %q", ErrNotFound, name)
}

func (c *Client) ListAssignmentGroups(ctx context.Context, courseID int64) ([]AssignmentGroup, error) {
	return getAll[AssignmentGroup](ctx, c, c.endpoint(fmt.Sprintf("/courses/%d/assignment_groups", courseID), pageQuery()), "list assignment groups")
}

func (c *Client) postJSON(ctx context.Context, path, op string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, op, out)
	return err
}

// EnsureAssignmentGroup returns the named group, creating it if absent.
func (c *Client) EnsureAssignmentGroup(ctx context.Context, courseID int64, name string) (AssignmentGroup, error) {
	groups, err := c.ListAssignmentGroups(ctx, courseID)
	if err != nil {
		return AssignmentGroup{}, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g, nil
		}
	}
	var g AssignmentGroup
	err = c.postJSON(ctx, fmt.Sprintf("/courses/%d/assignment_groups", courseID), "create assignment group",
		map[string]any{"name": name}, &g)
	return g, err
}

// NewAssignment describes an assignment to create.
type NewAssignment struct {
	Name           string
	GroupID        int64
	PointsPossible float64
	DueAt          *time.Time
}

// CreateAssignment creates a published online assignment.
func (c *Client) CreateAssignment(ctx context.Context, courseID int64, na NewAssignment) (Assignment, error) {
	body := map[string]any{
		"name":                na.Name,
		"assignment_group_id": na.GroupID,
		"points_possible":     na.PointsPossible,
		"submission_types":    []string{"none"},
		"published":           true,
	}
	if na.DueAt != nil {
		body["due_at"] = na.DueAt.UTC().Format(time.RFC3339)
	}
	var a Assignment
	err := c.postJSON(ctx, fmt.Sprintf("/courses/%d/assignments", courseID), "create assignment",
		map[string]any{"assignment": body}, &a)
	return a, err
}

func (c *Client) ListSubmissions(ctx context.Context, courseID, assignmentID int64) ([]Submission, error) {
	return getAll[Submission](ctx, c,
		c.endpoint(fmt.Sprintf("/courses/%d/assignments/%d/submissions", courseID, assignmentID), pageQuery()),
		"list submissions")
}

// SubmissionRecords converts submissions of roster students into engine
// records. Submissions by users outside the roster (test students, drops)
// are ignored.
func SubmissionRecords(subs []Submission, roster reconcile.Roster) []reconcile.SubmissionRecord {
	onRoster := make(map[int64]bool, len(roster))
	for _, s := range roster {
		onRoster[s.ID] = true
	}
	out := make([]reconcile.SubmissionRecord, 0, len(subs))
	for _, s := range subs {
		if !onRoster[s.UserID] {
			continue
		}
		rec := reconcile.SubmissionRecord{StudentID: s.UserID, IsLate: s.Late}
		if s.SubmittedAt != nil {
			at := s.SubmittedAt.UTC()
			rec.SubmittedAt = &at
		}
		out = append(out, rec)
	}
	return out
}
