// Package gradebook runs grade imports end to end: it gathers the roster,
// timing and raw scores from the LMS and the grading source, reconciles
// them, records the run and optionally uploads the result.
package gradebook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/gradesync/internal/blob"
	"github.com/mind-engage/gradesync/internal/canvas"
	"github.com/mind-engage/gradesync/internal/logger"
	"github.com/mind-engage/gradesync/internal/metrics"
	"github.com/mind-engage/gradesync/internal/qualtrics"
	"github.com/mind-engage/gradesync/internal/sources"
	"github.com/mind-engage/gradesync/internal/store"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

type Clock func() time.Time

// LMS is the subset of the Canvas client the syncer drives.
type LMS interface {
	GetCourse(ctx context.Context, courseID int64) (canvas.Course, error)
	Roster(ctx context.Context, courseID int64) (reconcile.Roster, error)
	FindAssignment(ctx context.Context, courseID int64, name string) (canvas.Assignment, error)
	ListSubmissions(ctx context.Context, courseID, assignmentID int64) ([]canvas.Submission, error)
	EnsureAssignmentGroup(ctx context.Context, courseID int64, name string) (canvas.AssignmentGroup, error)
	CreateAssignment(ctx context.Context, courseID int64, na canvas.NewAssignment) (canvas.Assignment, error)
	UploadGrades(ctx context.Context, courseID, assignmentID int64, grades map[int64]float64) error
}

// Survey is the subset of the Qualtrics client the syncer drives.
type Survey interface {
	SurveyID(ctx context.Context, name string) (string, error)
	ExportResponses(ctx context.Context, surveyID string) (*qualtrics.Export, error)
}

type Store interface {
	SaveRun(ctx context.Context, r *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	MarkUploadPending(ctx context.Context, runID string) error
	MarkUploadOK(ctx context.Context, runID string) error
	MarkUploadFailed(ctx context.Context, runID string, lastErr string) error
}

type Events interface {
	Record(ctx context.Context, typ, key string, data any) error
}

var (
	ErrNotUploadable = errors.New("gradebook: run has no LMS assignment")
	ErrNoGrades      = errors.New("gradebook: run has no grades to upload")
	ErrNoLMS         = errors.New("gradebook: no LMS configured")
	ErrNoSurvey      = errors.New("gradebook: no survey source configured")
)

const (
	SourceSelfGrade = "selfgrade"
	SourceMatlab    = "matlab"
	SourceFile      = "file"

	MatlabGroupName      = "MATLAB Assignments"
	MatlabPointsPossible = 10.0
)

type Syncer struct {
	Store  Store
	LMS    LMS
	Survey Survey
	Now    Clock

	Blobs   blob.Store // optional raw export archive
	Events  Events     // optional audit log
	Metrics *metrics.Manager
	Log     logger.Logger

	// DueLocation and DueHour turn a bare due date into an instant.
	DueLocation *time.Location
	DueHour     int
}

func New(st Store, lms LMS, survey Survey, now Clock) *Syncer {
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		Store:       st,
		LMS:         lms,
		Survey:      survey,
		Now:         now,
		Log:         logger.Named("gradebook"),
		DueLocation: time.UTC,
		DueHour:     17,
	}
}

// SelfGradingRequest imports homework <HW> from the "<course> HW<n> Self-Grade"
// survey into assignment "HW<n>".
type SelfGradingRequest struct {
	CourseID int64             `json:"course_id"`
	HW       int               `json:"hw"`
	Options  reconcile.Options `json:"options"`
	NoUpload bool              `json:"no_upload"`
}

func AssignmentName(hw int) string { return fmt.Sprintf("HW%d", hw) }

func SurveyName(courseName string, hw int) string {
	return fmt.Sprintf("%s HW%d Self-Grade", courseName, hw)
}

func (s *Syncer) SelfGradingImport(ctx context.Context, req SelfGradingRequest) (*store.Run, error) {
	if s.LMS == nil {
		return nil, ErrNoLMS
	}
	if s.Survey == nil {
		return nil, ErrNoSurvey
	}
	if req.HW < 1 {
		return nil, fmt.Errorf("gradebook: homework number must be positive, got %d", req.HW)
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	course, err := s.LMS.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, fmt.Errorf("course: %w", err))
	}
	roster, err := s.LMS.Roster(ctx, req.CourseID)
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, fmt.Errorf("roster: %w", err))
	}
	asg, err := s.LMS.FindAssignment(ctx, req.CourseID, AssignmentName(req.HW))
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, err)
	}
	actx, err := asg.Context(req.Options.CheckLate)
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, err)
	}
	var subs []reconcile.SubmissionRecord
	if req.Options.CheckLate {
		raw, err := s.LMS.ListSubmissions(ctx, req.CourseID, asg.ID)
		if err != nil {
			return nil, s.fail(ctx, SourceSelfGrade, fmt.Errorf("submissions: %w", err))
		}
		subs = canvas.SubmissionRecords(raw, roster)
	}

	surveyID, err := s.Survey.SurveyID(ctx, SurveyName(course.Name, req.HW))
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, err)
	}
	export, err := s.Survey.ExportResponses(ctx, surveyID)
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, err)
	}
	entries, cols, err := sources.ParseSelfGrading(bytes.NewReader(export.Data))
	if err != nil {
		return nil, s.fail(ctx, SourceSelfGrade, err)
	}
	s.Log.Debug(ctx, "survey parsed",
		logger.String("survey_id", surveyID), logger.Int("rows", len(entries)), logger.String("identity", cols.IdentityBy.String()))

	run := &store.Run{
		ID:             uuid.NewString(),
		Source:         SourceSelfGrade,
		CourseID:       req.CourseID,
		AssignmentID:   asg.ID,
		AssignmentName: asg.Name,
		Context:        actx,
		Options:        req.Options,
	}
	s.archive(ctx, run.ID, "qualtrics-export.zip", export.Archive)
	return s.finish(ctx, run, roster, subs, entries, req.NoUpload)
}

// MatlabRequest imports a MATLAB Grader report into assignment "MATLAB <n>",
// creating the assignment when it does not exist yet.
type MatlabRequest struct {
	CourseID int64             `json:"course_id"`
	Number   int               `json:"number"`
	DueDate  string            `json:"due_date"` // YYYY-MM-DD, optional when the assignment has one
	Options  reconcile.Options `json:"options"`
	NoUpload bool              `json:"no_upload"`
	Report   io.Reader         `json:"-"`
}

func MatlabAssignmentName(n int) string { return fmt.Sprintf("MATLAB %d", n) }

// DueAt is date at DueHour in DueLocation.
func (s *Syncer) DueAt(date string) (time.Time, error) {
	loc := s.DueLocation
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("due date %q: want YYYY-MM-DD", date)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), s.DueHour, 0, 0, 0, loc), nil
}

func (s *Syncer) MatlabImport(ctx context.Context, req MatlabRequest) (*store.Run, error) {
	if s.LMS == nil {
		return nil, ErrNoLMS
	}
	if req.Report == nil {
		return nil, errors.New("gradebook: grader report required")
	}
	if req.Number < 1 {
		return nil, fmt.Errorf("gradebook: assignment number must be positive, got %d", req.Number)
	}
	opts := req.Options
	opts.OrdinalScaleMax = sources.MatlabScaleMax
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var due *time.Time
	if req.DueDate != "" {
		d, err := s.DueAt(req.DueDate)
		if err != nil {
			return nil, err
		}
		due = &d
	}

	data, err := io.ReadAll(req.Report)
	if err != nil {
		return nil, fmt.Errorf("read grader report: %w", err)
	}
	report, err := sources.ParseMatlabGrader(bytes.NewReader(data), s.DueLocation)
	if err != nil {
		return nil, s.fail(ctx, SourceMatlab, err)
	}

	roster, err := s.LMS.Roster(ctx, req.CourseID)
	if err != nil {
		return nil, s.fail(ctx, SourceMatlab, fmt.Errorf("roster: %w", err))
	}
	asg, err := s.ensureMatlabAssignment(ctx, req.CourseID, req.Number, due)
	if err != nil {
		return nil, s.fail(ctx, SourceMatlab, err)
	}
	actx, err := asg.Context(opts.CheckLate && due == nil)
	if err != nil {
		return nil, s.fail(ctx, SourceMatlab, err)
	}
	if due != nil {
		actx.DueAt = due.UTC()
	}
	// Grader scores always land on the MATLAB scale, whatever the LMS
	// assignment was later edited to.
	actx.PointsPossible = MatlabPointsPossible

	s.Log.Debug(ctx, "grader report parsed",
		logger.Int("rows", len(report.Entries)), logger.Int("problems", len(report.Problems)))

	run := &store.Run{
		ID:             uuid.NewString(),
		Source:         SourceMatlab,
		CourseID:       req.CourseID,
		AssignmentID:   asg.ID,
		AssignmentName: asg.Name,
		Context:        actx,
		Options:        opts,
	}
	s.archive(ctx, run.ID, "matlab-grader.csv", data)
	return s.finish(ctx, run, roster, nil, report.Entries, req.NoUpload)
}

func (s *Syncer) ensureMatlabAssignment(ctx context.Context, courseID int64, n int, due *time.Time) (canvas.Assignment, error) {
	name := MatlabAssignmentName(n)
	asg, err := s.LMS.FindAssignment(ctx, courseID, name)
	if err == nil {
		return asg, nil
	}
	if !errors.Is(err, canvas.ErrNotFound) {
		return canvas.Assignment{}, err
	}
	group, err := s.LMS.EnsureAssignmentGroup(ctx, courseID, MatlabGroupName)
	if err != nil {
		return canvas.Assignment{}, fmt.Errorf("assignment group: %w", err)
	}
	asg, err = s.LMS.CreateAssignment(ctx, courseID, canvas.NewAssignment{
		Name: name, GroupID: group.ID, PointsPossible: MatlabPointsPossible, DueAt: due,
	})
	if err != nil {
		return canvas.Assignment{}, fmt.Errorf("create assignment: %w", err)
	}
	s.Log.Info(ctx, "assignment created", logger.String("name", name), logger.Int64("assignment_id", asg.ID))
	return asg, nil
}

// PreviewRequest reconciles inputs the caller already holds. CourseID and
// AssignmentID are optional; with both set the run can be uploaded later.
type PreviewRequest struct {
	CourseID       int64                        `json:"course_id"`
	AssignmentID   int64                        `json:"assignment_id"`
	AssignmentName string                       `json:"assignment_name"`
	Roster         reconcile.Roster             `json:"roster"`
	Context        reconcile.AssignmentContext  `json:"context"`
	Submissions    []reconcile.SubmissionRecord `json:"submissions"`
	Entries        []reconcile.RawScoreEntry    `json:"entries"`
	Options        reconcile.Options            `json:"options"`
}

// Preview reconciles and records the run without touching the LMS.
func (s *Syncer) Preview(ctx context.Context, req PreviewRequest) (*store.Run, error) {
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	run := &store.Run{
		ID:             uuid.NewString(),
		Source:         SourceFile,
		CourseID:       req.CourseID,
		AssignmentID:   req.AssignmentID,
		AssignmentName: req.AssignmentName,
		Context:        req.Context,
		Options:        req.Options,
	}
	return s.finish(ctx, run, req.Roster, req.Submissions, req.Entries, true)
}

func (s *Syncer) finish(ctx context.Context, run *store.Run, roster reconcile.Roster, subs []reconcile.SubmissionRecord, entries []reconcile.RawScoreEntry, noUpload bool) (*store.Run, error) {
	res, err := reconcile.Reconcile(roster, &run.Context, subs, entries, reconcile.WithOptions(run.Options))
	if err != nil {
		return nil, s.fail(ctx, run.Source, err)
	}
	run.Result = res
	run.Status = store.StatusPreviewed
	if s.Store != nil {
		if err := s.Store.SaveRun(ctx, run); err != nil {
			return nil, s.fail(ctx, run.Source, fmt.Errorf("save run: %w", err))
		}
	}
	s.Metrics.RecordRun(run.Source, "previewed")
	s.Metrics.ObserveResult(run.Source, len(res.Scores), len(res.UnmatchedRawIdentities), len(res.Rejected), len(res.MissingSubmissionData))
	s.event(ctx, "run.saved", run.ID, map[string]any{
		"source":        run.Source,
		"course_id":     run.CourseID,
		"assignment_id": run.AssignmentID,
		"scored":        len(res.Scores),
		"needs_review":  res.NeedsReview(),
	})
	s.Log.Info(ctx, "run reconciled",
		logger.String("run_id", run.ID), logger.String("source", run.Source), logger.String("assignment", run.AssignmentName),
		logger.Int("scored", len(res.Scores)), logger.Int("unmatched", len(res.UnmatchedRawIdentities)),
		logger.Int("rejected", len(res.Rejected)), logger.Int("missing_submission", len(res.MissingSubmissionData)))

	if noUpload {
		return run, nil
	}
	return run, s.upload(ctx, run)
}

// UploadRun uploads a previously recorded run.
func (s *Syncer) UploadRun(ctx context.Context, runID string) (*store.Run, error) {
	if s.Store == nil {
		return nil, errors.New("gradebook: no run store")
	}
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, s.upload(ctx, run)
}

func (s *Syncer) upload(ctx context.Context, run *store.Run) error {
	if s.LMS == nil {
		return ErrNoLMS
	}
	if run.CourseID == 0 || run.AssignmentID == 0 {
		return fmt.Errorf("%w: %s", ErrNotUploadable, run.ID)
	}
	grades := run.Grades()
	if len(grades) == 0 {
		return fmt.Errorf("%w: %s", ErrNoGrades, run.ID)
	}
	s.mark(ctx, run, store.StatusPending, nil)

	start := s.Now()
	err := s.LMS.UploadGrades(ctx, run.CourseID, run.AssignmentID, grades)
	elapsed := s.Now().Sub(start)
	if err != nil {
		s.mark(ctx, run, store.StatusFailed, err)
		s.Metrics.ObserveUpload("failed", elapsed)
		s.Metrics.RecordRun(run.Source, "upload_failed")
		s.event(ctx, "upload.failed", run.ID, map[string]any{"error": err.Error()})
		s.Log.Error(ctx, "upload failed", logger.String("run_id", run.ID), logger.Error(err))
		return fmt.Errorf("upload run %s: %w", run.ID, err)
	}
	s.mark(ctx, run, store.StatusOK, nil)
	s.Metrics.ObserveUpload("ok", elapsed)
	s.Metrics.RecordRun(run.Source, "uploaded")
	s.event(ctx, "upload.ok", run.ID, map[string]any{"grades": len(grades)})
	s.Log.Info(ctx, "grades uploaded",
		logger.String("run_id", run.ID), logger.Int("grades", len(grades)), logger.Duration("elapsed", elapsed))
	return nil
}

// mark records upload status; a store failure is logged, not returned, so it
// never masks the upload outcome.
func (s *Syncer) mark(ctx context.Context, run *store.Run, st store.Status, cause error) {
	run.Status = st
	if st == store.StatusFailed {
		run.Retries++
		run.LastError = cause.Error()
	} else if st == store.StatusOK {
		run.LastError = ""
	}
	if s.Store == nil {
		return
	}
	var err error
	switch st {
	case store.StatusPending:
		err = s.Store.MarkUploadPending(ctx, run.ID)
	case store.StatusOK:
		err = s.Store.MarkUploadOK(ctx, run.ID)
	case store.StatusFailed:
		err = s.Store.MarkUploadFailed(ctx, run.ID, cause.Error())
	}
	if err != nil {
		s.Log.Warn(ctx, "run status not recorded", logger.String("run_id", run.ID), logger.String("status", string(st)), logger.Error(err))
	}
}

func (s *Syncer) fail(ctx context.Context, source string, err error) error {
	s.Metrics.RecordRun(source, "failed")
	s.Log.Error(ctx, "import failed", logger.String("source", source), logger.Error(err))
	return err
}

func (s *Syncer) archive(ctx context.Context, runID, name string, data []byte) {
	if s.Blobs == nil || len(data) == 0 {
		return
	}
	if _, err := s.Blobs.Put(ctx, blob.RunKey(runID, name), bytes.NewReader(data)); err != nil {
		s.Log.Warn(ctx, "raw export not archived", logger.String("run_id", runID), logger.Error(err))
	}
}

func (s *Syncer) event(ctx context.Context, typ, key string, data any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Record(ctx, typ, key, data); err != nil {
		s.Log.Warn(ctx, "event not recorded", logger.String("type", typ), logger.Error(err))
	}
}
