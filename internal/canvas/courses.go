package canvas

import (
	"context"
	"fmt"
	"strings"

	"github.com/mind-engage/gradesync/internal/logger"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

type Course struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code"`
}

type User struct {
	ID           int64  `json:"id"`
	LoginID      string `json:"login_id"`
	SortableName string `json:"sortable_name"`
}

// ListCourses returns the courses visible to the token owner.
func (c *Client) ListCourses(ctx context.Context) ([]Course, error) {
	return getAll[Course](ctx, c, c.endpoint("/courses", pageQuery()), "list courses")
}

func (c *Client) GetCourse(ctx context.Context, courseID int64) (Course, error) {
	var out Course
	_, err := c.get(ctx, c.endpoint(fmt.Sprintf("/courses/%d", courseID), nil), "get course", &out)
	return out, err
}

// FindCourse returns the single course whose name or course code equals name.
func (c *Client) FindCourse(ctx context.Context, name string) (Course, error) {
	courses, err := c.ListCourses(ctx)
	if err != nil {
		return Course{}, err
	}
	var hits []Course
	for _, co := range courses {
		if co.Name == name || co.CourseCode == name {
			hits = append(hits, co)
		}
	}
	switch len(hits) {
	case 0:
		return Course{}, fmt.Errorf("%w: course %q", ErrNotFound, name)
	case 1:
		return hits[0], nil
	default:
		return Course{}, fmt.Errorf("canvas: course name %q is ambiguous (%d matches)", name, len(hits))
	}
}

// ListStudents returns users holding a student enrollment in the course.
func (c *Client) ListStudents(ctx context.Context, courseID int64) ([]User, error) {
	q := pageQuery()
	q.Add("enrollment_type[]", "student")
	return getAll[User](ctx, c, c.endpoint(fmt.Sprintf("/courses/%d/users", courseID), q), "list students")
}

// Roster builds the reconcile roster for a course. Students without a login
// id cannot be matched to a raw score and are skipped with a warning.
func (c *Client) Roster(ctx context.Context, courseID int64) (reconcile.Roster, error) {
	users, err := c.ListStudents(ctx, courseID)
	if err != nil {
		return nil, err
	}
	roster := make(reconcile.Roster, 0, len(users))
	for _, u := range users {
		if strings.TrimSpace(u.LoginID) == "" {
			c.log.Warn(ctx, "student has no login id; skipped",
				logger.Int64("user_id", u.ID), logger.String("name", u.SortableName))
			continue
		}
		roster = append(roster, reconcile.StudentRecord{
			ID:          u.ID,
			Handle:      reconcile.NormalizeHandle(u.LoginID),
			DisplayName: u.SortableName,
		})
	}
	return roster, nil
}
