package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/mind-engage/gradesync/internal/sources"
	"github.com/mind-engage/gradesync/internal/store"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

var (
	warn  = color.New(color.FgYellow)
	bad   = color.New(color.FgRed)
	good  = color.New(color.FgGreen)
	title = color.New(color.Bold)
)

// printRun prints the run header, the score table and anything that needs a
// human before upload.
func printRun(w io.Writer, run *store.Run, roster reconcile.Roster) {
	title.Fprintf(w, "run %s", run.ID)
	fmt.Fprintf(w, "  %s", run.Source)
	if run.AssignmentName != "" {
		fmt.Fprintf(w, "  %q", run.AssignmentName)
	}
	if run.CourseID != 0 {
		fmt.Fprintf(w, "  course %d", run.CourseID)
	}
	fmt.Fprintln(w)
	if run.Result != nil {
		printResult(w, run.Result, roster)
	}
	printStatus(w, run)
}

func printResult(w io.Writer, res *reconcile.Result, roster reconcile.Roster) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tBASE\tEC\tPENALTY\tSTATE\tFINAL")
	for _, r := range sources.ScoreRows(res, roster) {
		fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%g\t%s\t%g\n",
			r.Handle, r.DisplayName, r.Base, r.ExtraCredit, r.Penalty, r.State, r.Final)
	}
	_ = tw.Flush()

	if len(res.UnmatchedRawIdentities) > 0 {
		warn.Fprintf(w, "unmatched identities (%d): %s\n",
			len(res.UnmatchedRawIdentities), strings.Join(res.UnmatchedRawIdentities, ", "))
	}
	if len(res.MissingSubmissionData) > 0 {
		warn.Fprintf(w, "missing submission data (%d): %s\n",
			len(res.MissingSubmissionData), strings.Join(res.MissingSubmissionData, ", "))
	}
	for _, rj := range res.Rejected {
		bad.Fprintf(w, "rejected %s: %s\n", rj.Identity, rj.Reason)
	}
	if n := len(res.StudentsMissingRawScore); n > 0 {
		fmt.Fprintf(w, "no raw score (%d): %s\n", n, strings.Join(res.StudentsMissingRawScore, ", "))
	}
	fmt.Fprintf(w, "%d scored\n", len(res.Scores))
}

func printStatus(w io.Writer, run *store.Run) {
	switch run.Status {
	case store.StatusOK:
		good.Fprintf(w, "uploaded")
	case store.StatusFailed:
		bad.Fprintf(w, "upload failed after %d attempt(s): %s", run.Retries, run.LastError)
	case store.StatusPending:
		warn.Fprintf(w, "upload pending")
	default:
		fmt.Fprintf(w, "not uploaded")
	}
	if run.NeedsReview {
		warn.Fprintf(w, " (needs review)")
	}
	fmt.Fprintln(w)
}

func printRunList(w io.Writer, runs []*store.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSOURCE\tCOURSE\tASSIGNMENT\tSTATUS\tREVIEW")
	for _, r := range runs {
		review := ""
		if r.NeedsReview {
			review = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.ID,
			r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Source, r.CourseID, r.AssignmentName, r.Status, review)
	}
	_ = tw.Flush()
}

func printScores(w io.Writer, scores []store.Score) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tSTUDENT\tPENALTY\tSTATE\tFINAL")
	for _, s := range scores {
		fmt.Fprintf(tw, "%s\t%d\t%g\t%s\t%g\n", s.Handle, s.StudentID, s.Penalty, s.LateState, s.Final)
	}
	_ = tw.Flush()
}
