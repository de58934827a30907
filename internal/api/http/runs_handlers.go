package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/gradesync/internal/canvas"
	"github.com/mind-engage/gradesync/internal/gradebook"
	"github.com/mind-engage/gradesync/internal/qualtrics"
	"github.com/mind-engage/gradesync/internal/sources"
	"github.com/mind-engage/gradesync/internal/store"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

// Importer runs reconciliations; *gradebook.Syncer implements it.
type Importer interface {
	SelfGradingImport(ctx context.Context, req gradebook.SelfGradingRequest) (*store.Run, error)
	MatlabImport(ctx context.Context, req gradebook.MatlabRequest) (*store.Run, error)
	Preview(ctx context.Context, req gradebook.PreviewRequest) (*store.Run, error)
	UploadRun(ctx context.Context, runID string) (*store.Run, error)
}

// Runs reads recorded runs; *store.RunRepo implements it.
type Runs interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, courseID int64, limit int) ([]*store.Run, error)
	Scores(ctx context.Context, runID string) ([]store.Score, error)
}

// maxUpload bounds request bodies carrying raw exports.
const maxUpload = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, op string, err error) {
	var (
		canvasErr    *canvas.APIError
		qualtricsErr *qualtrics.APIError
		status       = http.StatusInternalServerError
	)
	switch {
	case reconcile.IsConfigError(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, canvas.ErrNotFound),
		errors.Is(err, qualtrics.ErrSurveyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gradebook.ErrNotUploadable),
		errors.Is(err, gradebook.ErrNoGrades):
		status = http.StatusConflict
	case errors.Is(err, gradebook.ErrNoLMS),
		errors.Is(err, gradebook.ErrNoSurvey):
		status = http.StatusServiceUnavailable
	case errors.As(err, &canvasErr),
		errors.As(err, &qualtricsErr),
		errors.Is(err, canvas.ErrProgressFailed),
		errors.Is(err, canvas.ErrProgressTimeout),
		errors.Is(err, qualtrics.ErrExportFailed),
		errors.Is(err, qualtrics.ErrExportTimeout):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, op+": "+err.Error(), status)
}

// runResponse is a run plus the review items a caller should look at before
// uploading.
type runResponse struct {
	*store.Run
	Issues []string `json:"issues,omitempty"`
}

func newRunResponse(run *store.Run) runResponse {
	out := runResponse{Run: run}
	if run.Result != nil {
		for _, e := range run.Result.Issues() {
			out.Issues = append(out.Issues, e.Error())
		}
	}
	return out
}

// writeRun answers an import: 200 with the run, or the error status when the
// upload step failed after the run was recorded.
func writeRun(w http.ResponseWriter, op string, run *store.Run, err error) {
	if err != nil {
		if run != nil {
			w.Header().Set("X-Run-ID", run.ID)
		}
		writeErr(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

func courseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "courseID")), 10, 64)
}

// POST /reconcile/preview
func PreviewHandler(imp Importer, defaults reconcile.Options) http.HandlerFunc {
	type previewReq struct {
		gradebook.PreviewRequest
		ScoresCSV string `json:"scores_csv,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req := previewReq{PreviewRequest: gradebook.PreviewRequest{Options: defaults}}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpload)).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.ScoresCSV != "" {
			entries, err := sources.ParseScoresCSV(strings.NewReader(req.ScoresCSV))
			if err != nil {
				http.Error(w, "scores_csv: "+err.Error(), http.StatusBadRequest)
				return
			}
			req.Entries = append(req.Entries, entries...)
		}
		run, err := imp.Preview(r.Context(), req.PreviewRequest)
		writeRun(w, "preview", run, err)
	}
}

// POST /courses/{courseID}/self-grading  {"hw": 3, "no_upload": true, "options": {...}}
func SelfGradingHandler(imp Importer, defaults reconcile.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, err := courseIDParam(r)
		if err != nil {
			http.Error(w, "courseID must be numeric", http.StatusBadRequest)
			return
		}
		req := gradebook.SelfGradingRequest{Options: defaults}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.CourseID = courseID
		run, err := imp.SelfGradingImport(r.Context(), req)
		writeRun(w, "self-grading import", run, err)
	}
}

// POST /courses/{courseID}/matlab  multipart: report=<file>, number, due_date, no_upload, check_late
func MatlabHandler(imp Importer, defaults reconcile.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, err := courseIDParam(r)
		if err != nil {
			http.Error(w, "courseID must be numeric", http.StatusBadRequest)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			http.Error(w, "multipart: "+err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("report")
		if err != nil {
			http.Error(w, "report file required", http.StatusBadRequest)
			return
		}
		defer f.Close()
		number, err := strconv.Atoi(r.FormValue("number"))
		if err != nil {
			http.Error(w, "number must be an integer", http.StatusBadRequest)
			return
		}
		opts := defaults
		if v := r.FormValue("check_late"); v != "" {
			opts.CheckLate, _ = strconv.ParseBool(v)
		}
		noUpload, _ := strconv.ParseBool(r.FormValue("no_upload"))

		run, err := imp.MatlabImport(r.Context(), gradebook.MatlabRequest{
			CourseID: courseID,
			Number:   number,
			DueDate:  r.FormValue("due_date"),
			Options:  opts,
			NoUpload: noUpload,
			Report:   f,
		})
		writeRun(w, "matlab import", run, err)
	}
}

// GET /runs?course_id=7&limit=20
func ListRunsHandler(runs Runs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var courseID int64
		if v := r.URL.Query().Get("course_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "course_id must be numeric", http.StatusBadRequest)
				return
			}
			courseID = id
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := runs.ListRuns(r.Context(), courseID, limit)
		if err != nil {
			writeErr(w, "list runs", err)
			return
		}
		if list == nil {
			list = []*store.Run{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GET /runs/{runID}
func GetRunHandler(runs Runs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
		if err != nil {
			writeErr(w, "get run", err)
			return
		}
		writeJSON(w, http.StatusOK, newRunResponse(run))
	}
}

// GET /runs/{runID}/scores
func RunScoresHandler(runs Runs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scores, err := runs.Scores(r.Context(), chi.URLParam(r, "runID"))
		if err != nil {
			writeErr(w, "run scores", err)
			return
		}
		if scores == nil {
			scores = []store.Score{}
		}
		writeJSON(w, http.StatusOK, scores)
	}
}

// GET /runs/{runID}/scores.csv
func RunScoresCSVHandler(runs Runs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
		if err != nil {
			writeErr(w, "get run", err)
			return
		}
		if run.Result == nil {
			http.Error(w, "run has no result", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+run.ID+`.csv"`)
		if err := sources.WriteScoresCSV(w, run.Result, nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// POST /runs/{runID}/upload
func UploadRunHandler(imp Importer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := imp.UploadRun(r.Context(), chi.URLParam(r, "runID"))
		writeRun(w, "upload run", run, err)
	}
}
