package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManager(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		reg := prometheus.NewRegistry()
		m := NewManager(WithRegistry(reg), WithSubsystem("test"))

		Convey("Run outcomes are counted per source", func() {
			m.RecordRun("qualtrics", "ok")
			m.RecordRun("qualtrics", "ok")
			m.RecordRun("matlab", "review")
			So(testutil.ToFloat64(m.runs.WithLabelValues("qualtrics", "ok")), ShouldEqual, 2)
			So(testutil.ToFloat64(m.runs.WithLabelValues("matlab", "review")), ShouldEqual, 1)
		})

		Convey("Result sizes accumulate", func() {
			m.ObserveResult("csv", 10, 2, 1, 3)
			So(testutil.ToFloat64(m.studentsScored.WithLabelValues("csv")), ShouldEqual, 10)
			So(testutil.ToFloat64(m.unmatched.WithLabelValues("csv")), ShouldEqual, 2)
			So(testutil.ToFloat64(m.rejected.WithLabelValues("csv")), ShouldEqual, 1)
			So(testutil.ToFloat64(m.missingSubmission.WithLabelValues("csv")), ShouldEqual, 3)
		})

		Convey("Uploads record outcome and polls", func() {
			m.RecordUploadPoll()
			m.RecordUploadPoll()
			m.ObserveUpload("ok", 1500*time.Millisecond)
			So(testutil.ToFloat64(m.uploadPolls), ShouldEqual, 2)
			So(testutil.ToFloat64(m.uploads.WithLabelValues("ok")), ShouldEqual, 1)
		})

		Convey("The middleware labels requests by route pattern", func() {
			r := chi.NewRouter()
			r.Use(m.Middleware)
			r.Get("/runs/{runID}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
			So(testutil.ToFloat64(m.httpRequests.WithLabelValues("/runs/{runID}", "GET", "418")), ShouldEqual, 1)
		})

		Convey("The handler exposes the registry", func() {
			m.RecordRun("csv", "ok")
			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(strings.Contains(rec.Body.String(), "gradesync_test_reconcile_runs_total"), ShouldBeTrue)
		})
	})

	Convey("A nil manager records nothing and does not panic", t, func() {
		var m *Manager
		So(func() {
			m.RecordRun("csv", "ok")
			m.ObserveResult("csv", 1, 1, 1, 1)
			m.RecordUploadPoll()
			m.RecordExportPoll()
			m.ObserveUpload("failed", time.Second)
		}, ShouldNotPanic)
	})
}
