package sources_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mind-engage/gradesync/internal/sources"
	"github.com/mind-engage/gradesync/pkg/reconcile"
	. "github.com/smartystreets/goconvey/convey"
)

const selfGradeExport = `StartDate,RecipientEmail,Q1,Q2_1,Q2_2,Q3
Start Date,Recipient Email,Enter your netid,Question 1 Score,Question 2 Score,Question 3 Extra Credit Score
"{""ImportId"":""startDate""}","{""ImportId"":""recipientEmail""}","{""ImportId"":""QID1""}","{""ImportId"":""QID2_1""}","{""ImportId"":""QID2_2""}","{""ImportId"":""QID3""}"
2024-01-01,a@x.edu,ABC123,3,2,1
2024-01-01,b@x.edu,,3,3,3
2024-01-01,c@x.edu,jdoe,3,,0
`

func TestParseSelfGrading(t *testing.T) {
	Convey("Given a survey export with a netid question", t, func() {
		entries, cols, err := sources.ParseSelfGrading(strings.NewReader(selfGradeExport))
		So(err, ShouldBeNil)

		Convey("The netid column wins over RecipientEmail", func() {
			So(cols.Identity, ShouldEqual, "Q1")
			So(cols.IdentityBy, ShouldEqual, reconcile.NetIDKeyed)
			So(entries[0].Identity.Handle(), ShouldEqual, "abc123")
		})

		Convey("Question score columns are components, extra credit is tagged", func() {
			So(cols.Questions, ShouldResemble, []string{"Question 1 Score", "Question 2 Score"})
			So(cols.ExtraCredit, ShouldResemble, []string{"Question 3 Extra Credit Score"})
			So(entries[0].Components, ShouldHaveLength, 3)
			So(entries[0].Components[2].IsExtraCredit, ShouldBeTrue)
		})

		Convey("Rows without an identity are skipped", func() {
			So(entries, ShouldHaveLength, 2)
		})

		Convey("Blank cells become NaN", func() {
			So(math.IsNaN(entries[1].Components[1].Value), ShouldBeTrue)
		})
	})

	Convey("Given a private survey without a netid question", t, func() {
		export := "RecipientEmail,QID9\nRecipient Email,Total HW Score\n{},{}\nJDoe@cornell.edu,8.5\n"
		entries, cols, err := sources.ParseSelfGrading(strings.NewReader(export))
		So(err, ShouldBeNil)

		Convey("The email column is used and the HW Score column is a total", func() {
			So(cols.IdentityBy, ShouldEqual, reconcile.EmailKeyed)
			So(cols.Holistic, ShouldEqual, "Total HW Score")
			So(entries, ShouldHaveLength, 1)
			So(entries[0].Identity.Handle(), ShouldEqual, "jdoe")
			So(entries[0].Components[0].IsTotal, ShouldBeTrue)
			So(entries[0].Components[0].Value, ShouldEqual, 8.5)
		})
	})

	Convey("Given an address typed into the netid question", t, func() {
		export := "Q1,Q2_1\nEnter your netid,Question 1 Score\n{},{}\n JDoe@cornell.edu ,3\n"
		entries, cols, err := sources.ParseSelfGrading(strings.NewReader(export))
		So(err, ShouldBeNil)
		So(cols.IdentityBy, ShouldEqual, reconcile.NetIDKeyed)

		Convey("It resolves to the roster handle", func() {
			So(entries[0].Identity.Handle(), ShouldEqual, "jdoe")
			res, err := reconcile.Reconcile(reconcile.Roster{{ID: 1, Handle: "jdoe"}},
				&reconcile.AssignmentContext{PointsPossible: 10}, nil, entries, reconcile.WithCheckLate(false))
			So(err, ShouldBeNil)
			So(res.Scores["jdoe"], ShouldEqual, 10.0)
			So(res.UnmatchedRawIdentities, ShouldBeEmpty)
		})
	})

	Convey("Given exports that cannot be interpreted", t, func() {
		_, _, err := sources.ParseSelfGrading(strings.NewReader("A,B\nx,y\n"))
		So(errors.Is(err, sources.ErrShortHeader), ShouldBeTrue)

		_, _, err = sources.ParseSelfGrading(strings.NewReader("A,B\nx,y\n{},{}\n"))
		So(errors.Is(err, sources.ErrNoIdentityColumn), ShouldBeTrue)

		_, _, err = sources.ParseSelfGrading(strings.NewReader("RecipientEmail,B\nx,Comment\n{},{}\n"))
		So(errors.Is(err, sources.ErrNoScoreColumns), ShouldBeTrue)
	})
}

const graderReport = `Student Email,Submitted Time,Late Submission?,Problem Title,Tests Passed,Total Tests
abc123@cornell.edu,2024-02-01 16:00:00 EST,N,Problem A,4,4
abc123@cornell.edu,2024-02-01 18:30:00 EST,Y,Problem B,1,2
jdoe@cornell.edu,2024-02-01 12:00:00 EST,N,Problem A,2,4
`

func TestParseMatlabGrader(t *testing.T) {
	Convey("Given a grader report", t, func() {
		loc, err := time.LoadLocation("America/New_York")
		So(err, ShouldBeNil)
		rep, err := sources.ParseMatlabGrader(strings.NewReader(graderReport), loc)
		So(err, ShouldBeNil)

		Convey("Every student gets one component per problem", func() {
			So(rep.Problems, ShouldResemble, []string{"Problem A", "Problem B"})
			So(rep.Entries, ShouldHaveLength, 2)
			So(rep.Entries[0].Components[0].Value, ShouldEqual, 1.0)
			So(rep.Entries[0].Components[1].Value, ShouldEqual, 0.5)
			So(rep.Entries[1].Components[1].Value, ShouldEqual, 0)
		})

		Convey("Each component carries the timing of its own row", func() {
			b := rep.Entries[0].Components[1].Submission
			So(b, ShouldNotBeNil)
			So(b.IsLate, ShouldBeTrue)
			So(b.SubmittedAt.Equal(time.Date(2024, 2, 1, 18, 30, 0, 0, loc)), ShouldBeTrue)
			So(rep.Entries[0].Components[0].Submission.IsLate, ShouldBeFalse)
			So(rep.Entries[1].Components[1].Submission, ShouldBeNil)
		})

		Convey("Reconciling on scale 1 penalizes only the late problem", func() {
			roster := reconcile.Roster{{ID: 1, Handle: "abc123"}, {ID: 2, Handle: "jdoe"}}
			due := time.Date(2024, 2, 1, 17, 0, 0, 0, loc)
			res, err := reconcile.Reconcile(roster,
				&reconcile.AssignmentContext{DueAt: due.UTC(), PointsPossible: 10},
				nil, rep.Entries,
				reconcile.WithOrdinalScaleMax(sources.MatlabScaleMax))
			So(err, ShouldBeNil)
			So(res.Scores["jdoe"], ShouldAlmostEqual, 2.5, 1e-9)
			So(res.Scores["abc123"], ShouldAlmostEqual, 10*(1+0.25)/2, 1e-9)
			So(res.MissingSubmissionData, ShouldBeEmpty)
		})
	})

	Convey("Given four solved problems with only the last one late", t, func() {
		report := `Student Email,Submitted Time,Late Submission?,Problem Title,Tests Passed,Total Tests
kk1@cornell.edu,2024-02-01 10:00:00 EST,N,P1,3,3
kk1@cornell.edu,2024-02-01 11:00:00 EST,N,P2,3,3
kk1@cornell.edu,2024-02-01 12:00:00 EST,N,P3,3,3
kk1@cornell.edu,2024-02-02 09:00:00 EST,Y,P4,3,3
kk2@cornell.edu,2024-02-06 09:00:00 EST,N,P1,3,3
`
		rep, err := sources.ParseMatlabGrader(strings.NewReader(report), time.UTC)
		So(err, ShouldBeNil)
		roster := reconcile.Roster{{ID: 1, Handle: "kk1"}, {ID: 2, Handle: "kk2"}}
		due := time.Date(2024, 2, 1, 17, 0, 0, 0, time.UTC)
		res, err := reconcile.Reconcile(roster,
			&reconcile.AssignmentContext{DueAt: due, PointsPossible: 10},
			nil, rep.Entries,
			reconcile.WithOrdinalScaleMax(sources.MatlabScaleMax))
		So(err, ShouldBeNil)

		Convey("The late problem loses a quarter of its own share", func() {
			So(res.Scores["kk1"], ShouldAlmostEqual, 9.375, 1e-9)
			So(res.Outcomes[0].Penalty, ShouldAlmostEqual, 0.625, 1e-9)
			So(res.Outcomes[0].State, ShouldEqual, reconcile.StateLateWithinWindow)
		})

		Convey("An unflagged problem past the window is not penalized", func() {
			So(res.Scores["kk2"], ShouldAlmostEqual, 2.5, 1e-9)
			So(res.Outcomes[1].State, ShouldEqual, reconcile.StateLateExcused)
		})
	})

	Convey("A malformed submitted time is an error", t, func() {
		bad := "Student Email,Submitted Time,Late Submission?,Problem Title,Tests Passed,Total Tests\na@x.edu,yesterday,N,P,1,1\n"
		_, err := sources.ParseMatlabGrader(strings.NewReader(bad), time.UTC)
		So(err, ShouldNotBeNil)
	})
}

func TestGenericScores(t *testing.T) {
	Convey("Given a generic CSV sheet", t, func() {
		sheet := "q1,email,Extra Credit 1,Total\n3,JDoe@x.edu,2,\n"
		entries, err := sources.ParseScoresCSV(strings.NewReader(sheet))
		So(err, ShouldBeNil)

		Convey("The identity column is found by name and labels classify components", func() {
			So(entries, ShouldHaveLength, 1)
			So(entries[0].Identity.Kind, ShouldEqual, reconcile.EmailKeyed)
			So(entries[0].Components, ShouldHaveLength, 3)
			So(entries[0].Components[1].IsExtraCredit, ShouldBeTrue)
			So(entries[0].Components[2].IsTotal, ShouldBeTrue)
		})

		Convey("Components keep header order and padded cells parse", func() {
			entries, err := sources.ParseScoresCSV(strings.NewReader("Q3,netid,Q1,Q2\n 1 ,abc123, 2,3\n"))
			So(err, ShouldBeNil)
			So(entries[0].Identity.Handle(), ShouldEqual, "abc123")
			So(entries[0].Components[0].Label, ShouldEqual, "Q3")
			So(entries[0].Components[0].Value, ShouldEqual, 1)
			So(entries[0].Components[2].Label, ShouldEqual, "Q2")
		})

		Convey("Empty files and duplicate columns are refused", func() {
			_, err := sources.ParseScoresCSV(strings.NewReader(""))
			So(errors.Is(err, sources.ErrShortHeader), ShouldBeTrue)
			_, err = sources.ParseScoresCSV(strings.NewReader("netid,Q1,Q1\na,1,2\n"))
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a JSON score file", t, func() {
		doc := `[{"identity":"abc123","components":[{"label":"Q1","value":3},{"label":"EC","value":null,"extra_credit":true}]},{"identity":"  "}]`
		entries, err := sources.ParseScoresJSON(strings.NewReader(doc))
		So(err, ShouldBeNil)
		So(entries, ShouldHaveLength, 1)
		So(entries[0].Components[0].Value, ShouldEqual, 3)
		So(math.IsNaN(entries[0].Components[1].Value), ShouldBeTrue)
	})

	Convey("Unknown formats are refused", t, func() {
		_, err := sources.ParseScores(strings.NewReader(""), "xlsx")
		So(err, ShouldNotBeNil)
	})
}

func TestOfflineSheets(t *testing.T) {
	Convey("Given roster and submissions sheets", t, func() {
		roster, err := sources.ParseRosterCSV(strings.NewReader("id,handle,display_name\n1,abc123,\"Cee, Abe\"\n2,jdoe,\"Doe, Jane\"\n"))
		So(err, ShouldBeNil)
		So(roster, ShouldHaveLength, 2)
		So(roster[0].DisplayName, ShouldEqual, "Cee, Abe")

		subs, unknown, err := sources.ParseSubmissionsCSV(strings.NewReader(
			"handle,submitted_at,late\nABC123,2024-01-10T17:10:00Z,Y\njdoe,,false\nghost,2024-01-10T10:00:00Z,N\n"), roster)
		So(err, ShouldBeNil)

		Convey("Handles resolve case-insensitively and unknown ones are reported", func() {
			So(subs, ShouldHaveLength, 2)
			So(subs[0].StudentID, ShouldEqual, 1)
			So(subs[0].IsLate, ShouldBeTrue)
			So(subs[1].SubmittedAt, ShouldBeNil)
			So(unknown, ShouldResemble, []string{"ghost"})
		})

		Convey("The score export lists outcomes with display names", func() {
			res, err := reconcile.Reconcile(roster,
				&reconcile.AssignmentContext{DueAt: time.Date(2024, 1, 10, 17, 0, 0, 0, time.UTC), PointsPossible: 10},
				subs,
				[]reconcile.RawScoreEntry{{Identity: reconcile.ParseIdentity("abc123"), Components: []reconcile.Component{{Label: "Q1", Value: 3}}}})
			So(err, ShouldBeNil)

			var buf bytes.Buffer
			So(sources.WriteScoresCSV(&buf, res, roster), ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			So(lines, ShouldHaveLength, 2)
			So(lines[0], ShouldEqual, "handle,student_id,display_name,base,extra_credit,penalty,late_state,final")
			So(lines[1], ShouldStartWith, "abc123,1,\"Cee, Abe\",10,0,2.5,late_within_window,7.5")
		})
	})
}
