package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

var ErrRunNotFound = errors.New("store: run not found")

// Status tracks a run from preview through upload.
type Status string

const (
	StatusPreviewed Status = "previewed"
	StatusPending   Status = "pending"
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
)

// Run is one reconciliation with everything needed to audit or upload it
// later.
type Run struct {
	ID             string                      `json:"id"`
	Source         string                      `json:"source"` // selfgrade, matlab, file
	CourseID       int64                       `json:"course_id"`
	AssignmentID   int64                       `json:"assignment_id"`
	AssignmentName string                      `json:"assignment_name"`
	Context        reconcile.AssignmentContext `json:"context"`
	Options        reconcile.Options           `json:"options"`
	Result         *reconcile.Result           `json:"result,omitempty"`
	NeedsReview    bool                        `json:"needs_review"`
	Status         Status                      `json:"status"`
	Retries        int                         `json:"retries"`
	LastError      string                      `json:"last_error,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// Grades maps roster ids to final scores as recorded in the run outcomes.
func (r *Run) Grades() map[int64]float64 {
	out := map[int64]float64{}
	if r.Result == nil {
		return out
	}
	for _, o := range r.Result.Outcomes {
		out[o.StudentID] = o.Final
	}
	return out
}

// Score is one stored per-student line of a run.
type Score struct {
	RunID     string              `json:"run_id"`
	Handle    string              `json:"handle"`
	StudentID int64               `json:"student_id"`
	Final     float64             `json:"final"`
	Penalty   float64             `json:"penalty"`
	LateState reconcile.LateState `json:"late_state"`
}

type RunRepo struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{DB: db, Now: time.Now} }

func (s *RunRepo) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// SaveRun inserts or replaces a run and its score lines in one transaction.
func (s *RunRepo) SaveRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		return errors.New("store: run id required")
	}
	if r.Status == "" {
		r.Status = StatusPreviewed
	}
	now := s.now().UTC().Truncate(time.Second)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Result != nil {
		r.NeedsReview = r.Result.NeedsReview()
	}

	ctxJSON, err := json.Marshal(r.Context)
	if err != nil {
		return err
	}
	optsJSON, err := json.Marshal(r.Options)
	if err != nil {
		return err
	}
	resJSON, err := json.Marshal(r.Result)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconcile_runs
		  (id, source, course_id, assignment_id, assignment_name, context_json, options_json, result_json,
		   needs_review, status, retries, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
		  source=EXCLUDED.source,
		  course_id=EXCLUDED.course_id,
		  assignment_id=EXCLUDED.assignment_id,
		  assignment_name=EXCLUDED.assignment_name,
		  context_json=EXCLUDED.context_json,
		  options_json=EXCLUDED.options_json,
		  result_json=EXCLUDED.result_json,
		  needs_review=EXCLUDED.needs_review,
		  status=EXCLUDED.status,
		  updated_at=EXCLUDED.updated_at`,
		r.ID, r.Source, r.CourseID, r.AssignmentID, r.AssignmentName, string(ctxJSON), string(optsJSON), string(resJSON),
		r.NeedsReview, string(r.Status), r.Retries, nullString(r.LastError), r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_scores WHERE run_id=$1`, r.ID); err != nil {
		return fmt.Errorf("store: clear scores: %w", err)
	}
	if r.Result != nil {
		for _, o := range r.Result.Outcomes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_scores (run_id, handle, student_id, final, penalty, late_state)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				r.ID, o.Handle, o.StudentID, o.Final, o.Penalty, string(o.State)); err != nil {
				return fmt.Errorf("store: save score %s: %w", o.Handle, err)
			}
		}
	}
	return tx.Commit()
}

const runColumns = `id, source, course_id, assignment_id, assignment_name, context_json, options_json, result_json,
	needs_review, status, retries, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner, withResult bool) (*Run, error) {
	var (
		r                         Run
		ctxJSON, optsJSON, resJSON string
		status                    string
		lastErr                   sql.NullString
		created, updated          int64
	)
	if err := sc.Scan(&r.ID, &r.Source, &r.CourseID, &r.AssignmentID, &r.AssignmentName, &ctxJSON, &optsJSON, &resJSON,
		&r.NeedsReview, &status, &r.Retries, &lastErr, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.LastError = lastErr.String
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	if err := json.Unmarshal([]byte(ctxJSON), &r.Context); err != nil {
		return nil, fmt.Errorf("store: run %s context: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &r.Options); err != nil {
		return nil, fmt.Errorf("store: run %s options: %w", r.ID, err)
	}
	if withResult && resJSON != "" && resJSON != "null" {
		r.Result = &reconcile.Result{}
		if err := json.Unmarshal([]byte(resJSON), r.Result); err != nil {
			return nil, fmt.Errorf("store: run %s result: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (s *RunRepo) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM reconcile_runs WHERE id=$1`, id), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the newest runs first without their full results.
// courseID 0 lists every course.
func (s *RunRepo) ListRuns(ctx context.Context, courseID int64, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM reconcile_runs
		WHERE ($1 = 0 OR course_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, courseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RunRepo) Scores(ctx context.Context, runID string) ([]Score, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, handle, student_id, final, penalty, late_state
		FROM run_scores WHERE run_id=$1 ORDER BY handle`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Score
	for rows.Next() {
		var sc Score
		var state string
		if err := rows.Scan(&sc.RunID, &sc.Handle, &sc.StudentID, &sc.Final, &sc.Penalty, &state); err != nil {
			return nil, err
		}
		sc.LateState = reconcile.LateState(state)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *RunRepo) MarkUploadPending(ctx context.Context, runID string) error {
	return s.mark(ctx, `
		UPDATE reconcile_runs SET status='pending', updated_at=$2 WHERE id=$1`, runID, s.now().Unix())
}

func (s *RunRepo) MarkUploadOK(ctx context.Context, runID string) error {
	return s.mark(ctx, `
		UPDATE reconcile_runs SET status='ok', last_error=NULL, updated_at=$2 WHERE id=$1`, runID, s.now().Unix())
}

func (s *RunRepo) MarkUploadFailed(ctx context.Context, runID string, lastErr string) error {
	return s.mark(ctx, `
		UPDATE reconcile_runs
		   SET status='failed', retries=retries+1, last_error=$2, updated_at=$3
		 WHERE id=$1`, runID, lastErr, s.now().Unix())
}

func (s *RunRepo) mark(ctx context.Context, q string, runID string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, append([]any{runID}, args...)...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
