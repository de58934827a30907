package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	api "github.com/mind-engage/gradesync/internal/api/http"
	"github.com/mind-engage/gradesync/internal/auth"
	"github.com/mind-engage/gradesync/internal/gradebook"
	"github.com/mind-engage/gradesync/internal/logger"
	"github.com/mind-engage/gradesync/internal/rbac"
	"github.com/mind-engage/gradesync/internal/sources"
	"github.com/mind-engage/gradesync/internal/store"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (overrides http_addr)"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The API still serves previews and run history without remote
			// credentials; imports report the missing collaborator.
			var (
				lms    gradebook.LMS
				survey gradebook.Survey
			)
			if cc, err := e.canvasClient(); err == nil {
				lms = cc
			} else {
				e.log.Warn(ctx, "canvas disabled", logger.Error(err))
			}
			if qc, err := e.qualtricsClient(); err == nil {
				survey = qc
			} else {
				e.log.Warn(ctx, "qualtrics disabled", logger.Error(err))
			}
			syncer, err := e.syncer(ctx, lms, survey)
			if err != nil {
				return err
			}

			authSvc := auth.NewService(e.cfg.AuthHMACSecret, 8*time.Hour)
			if err := authSvc.AddUser(e.cfg.AdminUser, e.cfg.AdminPassHash, rbac.RoleAdmin); err != nil {
				return err
			}

			addr := e.cfg.HTTPAddr
			if c.IsSet("addr") {
				addr = c.String("addr")
			}
			srv := &http.Server{
				Addr: addr,
				Handler: api.NewRouter(api.Deps{
					Auth:        authSvc,
					Importer:    syncer,
					Runs:        e.runs,
					Metrics:     e.metrics,
					Defaults:    e.cfg.Reconcile,
					CORSOrigins: e.cfg.CORSOrigins,
					Ready:       e.db.PingContext,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				e.log.Info(ctx, "listening", logger.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			e.log.Info(shutdownCtx, "shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func selfGradeCommand() *cli.Command {
	return &cli.Command{
		Name:  "selfgrade",
		Usage: "import a self-grading survey into homework HW<n>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "course", Required: true, Usage: "course id, name or code"},
			&cli.IntFlag{Name: "hw", Required: true, Usage: "homework number"},
			&cli.BoolFlag{Name: "no-upload", Usage: "reconcile and record without uploading"},
		}, optionFlags()...),
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			opts, err := runOptions(c, e.cfg.Reconcile)
			if err != nil {
				return err
			}
			cc, err := e.canvasClient()
			if err != nil {
				return err
			}
			qc, err := e.qualtricsClient()
			if err != nil {
				return err
			}
			courseID, err := resolveCourse(c.Context, cc, c.String("course"))
			if err != nil {
				return err
			}
			syncer, err := e.syncer(c.Context, cc, qc)
			if err != nil {
				return err
			}
			run, err := syncer.SelfGradingImport(c.Context, gradebook.SelfGradingRequest{
				CourseID: courseID, HW: c.Int("hw"), Options: opts, NoUpload: c.Bool("no-upload"),
			})
			if run != nil {
				roster, rerr := cc.Roster(c.Context, courseID)
				if rerr != nil {
					e.log.Warn(c.Context, "roster for report", logger.Error(rerr))
				}
				printRun(c.App.Writer, run, roster)
			}
			return err
		},
	}
}

func matlabCommand() *cli.Command {
	return &cli.Command{
		Name:  "matlab",
		Usage: "import a MATLAB Grader report into assignment \"MATLAB <n>\"",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "course", Required: true, Usage: "course id, name or code"},
			&cli.IntFlag{Name: "number", Aliases: []string{"n"}, Required: true, Usage: "assignment number"},
			&cli.PathFlag{Name: "report", Required: true, Usage: "grader CSV report"},
			&cli.StringFlag{Name: "due", Usage: "due date YYYY-MM-DD (taken at due_hour in due_timezone)"},
			&cli.BoolFlag{Name: "no-upload", Usage: "reconcile and record without uploading"},
		}, optionFlags()...),
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			opts, err := runOptions(c, e.cfg.Reconcile)
			if err != nil {
				return err
			}
			f, err := os.Open(c.Path("report"))
			if err != nil {
				return err
			}
			defer f.Close()
			cc, err := e.canvasClient()
			if err != nil {
				return err
			}
			courseID, err := resolveCourse(c.Context, cc, c.String("course"))
			if err != nil {
				return err
			}
			syncer, err := e.syncer(c.Context, cc, nil)
			if err != nil {
				return err
			}
			run, err := syncer.MatlabImport(c.Context, gradebook.MatlabRequest{
				CourseID: courseID, Number: c.Int("number"), DueDate: c.String("due"),
				Options: opts, NoUpload: c.Bool("no-upload"), Report: f,
			})
			if run != nil {
				roster, _ := cc.Roster(c.Context, courseID)
				printRun(c.App.Writer, run, roster)
			}
			return err
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "reconcile local files without contacting the LMS",
		Flags: append([]cli.Flag{
			&cli.PathFlag{Name: "roster", Required: true, Usage: "roster CSV (id, handle, display_name)"},
			&cli.PathFlag{Name: "scores", Required: true, Usage: "raw scores file"},
			&cli.StringFlag{Name: "format", Usage: "scores format: csv, json or qualtrics (default: by extension)"},
			&cli.PathFlag{Name: "submissions", Usage: "submission timing CSV (handle, submitted_at, late)"},
			&cli.StringFlag{Name: "due", Usage: "due date, RFC3339 or YYYY-MM-DD"},
			&cli.Float64Flag{Name: "points", Value: 10, Usage: "points possible"},
			&cli.PathFlag{Name: "out-csv", Usage: "write per-student scores CSV"},
			&cli.PathFlag{Name: "out-json", Usage: "write the full result as JSON"},
			&cli.BoolFlag{Name: "record", Usage: "record the run in the run store"},
		}, optionFlags()...),
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			opts, err := runOptions(c, e.cfg.Reconcile)
			if err != nil {
				return err
			}
			in, err := readOfflineInputs(c, e)
			if err != nil {
				return err
			}
			if opts.CheckLate && in.ctx.DueAt.IsZero() {
				return errors.New("--due is required unless --no-late is set")
			}

			var res *reconcile.Result
			if c.Bool("record") {
				syncer, err := e.syncer(c.Context, nil, nil)
				if err != nil {
					return err
				}
				run, err := syncer.Preview(c.Context, gradebook.PreviewRequest{
					AssignmentName: filepath.Base(c.Path("scores")),
					Roster:         in.roster, Context: in.ctx, Submissions: in.subs, Entries: in.entries, Options: opts,
				})
				if err != nil {
					return err
				}
				printRun(c.App.Writer, run, in.roster)
				res = run.Result
			} else {
				res, err = reconcile.Reconcile(in.roster, &in.ctx, in.subs, in.entries, reconcile.WithOptions(opts))
				if err != nil {
					return err
				}
				printResult(c.App.Writer, res, in.roster)
			}
			return writeOutputs(c, res, in.roster)
		},
	}
}

type offlineInputs struct {
	roster  reconcile.Roster
	subs    []reconcile.SubmissionRecord
	entries []reconcile.RawScoreEntry
	ctx     reconcile.AssignmentContext
}

func readOfflineInputs(c *cli.Context, e *env) (*offlineInputs, error) {
	in := &offlineInputs{ctx: reconcile.AssignmentContext{PointsPossible: c.Float64("points")}}

	rf, err := os.Open(c.Path("roster"))
	if err != nil {
		return nil, err
	}
	defer rf.Close()
	if in.roster, err = sources.ParseRosterCSV(rf); err != nil {
		return nil, err
	}

	if p := c.Path("submissions"); p != "" {
		sf, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer sf.Close()
		subs, unknown, err := sources.ParseSubmissionsCSV(sf, in.roster)
		if err != nil {
			return nil, err
		}
		if len(unknown) > 0 {
			e.log.Warn(c.Context, "submissions for handles not on the roster", logger.String("handles", strings.Join(unknown, ",")))
		}
		in.subs = subs
	}

	format := sources.Format(c.String("format"))
	if format == "" {
		format = formatFromExt(c.Path("scores"))
	}
	scf, err := os.Open(c.Path("scores"))
	if err != nil {
		return nil, err
	}
	defer scf.Close()
	if in.entries, err = sources.ParseScores(scf, format); err != nil {
		return nil, err
	}

	if due := c.String("due"); due != "" {
		at, err := parseDue(due, e)
		if err != nil {
			return nil, err
		}
		in.ctx.DueAt = at
	}
	return in, nil
}

func formatFromExt(path string) sources.Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return sources.FormatJSON
	}
	return sources.FormatCSV
}

// parseDue accepts RFC3339, or YYYY-MM-DD at the configured hour and zone.
func parseDue(s string, e *env) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	loc, err := e.cfg.DueLocation()
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("due date %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), e.cfg.DueHour, 0, 0, 0, loc).UTC(), nil
}

func writeOutputs(c *cli.Context, res *reconcile.Result, roster reconcile.Roster) error {
	if p := c.Path("out-csv"); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		if err := sources.WriteScoresCSV(f, res, roster); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if p := c.Path("out-json"); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		if err := sources.WriteResultJSON(f, res); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return nil
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "upload a previously recorded run",
		ArgsUsage: "<run-id>",
		Action: func(c *cli.Context) error {
			runID := c.Args().First()
			if runID == "" {
				return errors.New("run id required")
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			cc, err := e.canvasClient()
			if err != nil {
				return err
			}
			syncer, err := e.syncer(c.Context, cc, nil)
			if err != nil {
				return err
			}
			run, err := syncer.UploadRun(c.Context, runID)
			if run != nil {
				printStatus(c.App.Writer, run)
			}
			return err
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list and inspect recorded runs",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "course", Usage: "only runs of this course id"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.openStore(c.Context); err != nil {
				return err
			}
			runs, err := e.runs.ListRuns(c.Context, c.Int64("course"), c.Int("limit"))
			if err != nil {
				return err
			}
			printRunList(c.App.Writer, runs)
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "print the report of one run",
				ArgsUsage: "<run-id>",
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					defer e.close()
					if err := e.openStore(c.Context); err != nil {
						return err
					}
					run, err := e.runs.GetRun(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					printRun(c.App.Writer, run, nil)
					return nil
				},
			},
			{
				Name:      "scores",
				Usage:     "print the stored per-student lines of one run",
				ArgsUsage: "<run-id>",
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					defer e.close()
					if err := e.openStore(c.Context); err != nil {
						return err
					}
					scores, err := e.runs.Scores(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					if len(scores) == 0 {
						return fmt.Errorf("%w: %s", store.ErrRunNotFound, c.Args().First())
					}
					printScores(c.App.Writer, scores)
					return nil
				},
			},
		},
	}
}
