package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mind-engage/gradesync/internal/blob"
	"github.com/mind-engage/gradesync/internal/canvas"
	"github.com/mind-engage/gradesync/internal/config"
	"github.com/mind-engage/gradesync/internal/gradebook"
	"github.com/mind-engage/gradesync/internal/logger"
	"github.com/mind-engage/gradesync/internal/metrics"
	"github.com/mind-engage/gradesync/internal/qualtrics"
	"github.com/mind-engage/gradesync/internal/store"
	"github.com/mind-engage/gradesync/pkg/reconcile"
)

// env is the wiring shared by every command.
type env struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager

	db     *sql.DB
	runs   *store.RunRepo
	events *store.EventRepo
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.Context)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Options{JSON: c.Bool("json-logs") || cfg.LogJSON}); err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if err := logger.SetLevelString(level); err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: logger.Named("gradesync"), metrics: metrics.Default()}, nil
}

// openStore opens the run database on first use.
func (e *env) openStore(ctx context.Context) error {
	if e.db != nil {
		return nil
	}
	driver, err := store.ParseDriver(e.cfg.DBDriver)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, driver, e.cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open %s store: %w", driver, err)
	}
	e.db = db
	e.runs = store.NewRunRepo(db)
	e.events = store.NewEventRepo(db)
	return nil
}

func (e *env) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
	_ = logger.Sync()
}

func (e *env) canvasClient() (*canvas.Client, error) {
	if err := e.cfg.ValidateCanvas(); err != nil {
		return nil, err
	}
	return canvas.New(canvas.Config{
		BaseURL:         e.cfg.CanvasURL,
		Token:           e.cfg.CanvasToken,
		Timeout:         e.cfg.HTTPTimeout,
		PollInterval:    e.cfg.PollInterval(),
		PollMaxAttempts: e.cfg.PollMaxAttempts,
		Logger:          logger.Named("canvas"),
		Metrics:         e.metrics,
	})
}

func (e *env) qualtricsClient() (*qualtrics.Client, error) {
	if err := e.cfg.ValidateQualtrics(); err != nil {
		return nil, err
	}
	return qualtrics.New(qualtrics.Config{
		Datacenter:      e.cfg.QualtricsDatacenter,
		Token:           e.cfg.QualtricsToken,
		Timeout:         e.cfg.HTTPTimeout,
		PollInterval:    e.cfg.PollInterval(),
		PollMaxAttempts: e.cfg.PollMaxAttempts,
		Logger:          logger.Named("qualtrics"),
		Metrics:         e.metrics,
	})
}

// syncer wires a Syncer to the run store and blob archive. lms and survey
// may be nil interfaces for commands that do not need them.
func (e *env) syncer(ctx context.Context, lms gradebook.LMS, survey gradebook.Survey) (*gradebook.Syncer, error) {
	if err := e.openStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := blob.NewFSStore(e.cfg.BlobBasePath)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	loc, err := e.cfg.DueLocation()
	if err != nil {
		return nil, err
	}
	s := gradebook.New(e.runs, lms, survey, nil)
	s.Blobs = blobs
	s.Events = e.events
	s.Metrics = e.metrics
	s.DueLocation = loc
	s.DueHour = e.cfg.DueHour
	return s, nil
}

// resolveCourse accepts a numeric course id or an exact course name/code.
func resolveCourse(ctx context.Context, cc *canvas.Client, course string) (int64, error) {
	course = strings.TrimSpace(course)
	if id, err := strconv.ParseInt(course, 10, 64); err == nil {
		return id, nil
	}
	c, err := cc.FindCourse(ctx, course)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// optionFlags override the configured engine defaults.
func optionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "no-late", Usage: "skip lateness checks"},
		&cli.Float64Flag{Name: "late-penalty", Usage: "fraction of points deducted for a late submission"},
		&cli.Float64Flag{Name: "max-days-late", Usage: "days after which a late submission gets the maximum penalty"},
		&cli.StringFlag{Name: "policy", Usage: "late penalty policy: fixed or linear"},
		&cli.Float64Flag{Name: "ec-points", Usage: "points available as extra credit"},
		&cli.DurationFlag{Name: "grace", Usage: "grace period after the due date"},
	}
}

func runOptions(c *cli.Context, base reconcile.Options) (reconcile.Options, error) {
	opts := base
	if c.Bool("no-late") {
		opts.CheckLate = false
	}
	if c.IsSet("late-penalty") {
		opts.LatePenalty = c.Float64("late-penalty")
	}
	if c.IsSet("max-days-late") {
		opts.MaxDaysLate = c.Float64("max-days-late")
	}
	if c.IsSet("policy") {
		p, err := reconcile.ParsePolicy(c.String("policy"))
		if err != nil {
			return opts, err
		}
		opts.Policy = p
	}
	if c.IsSet("ec-points") {
		opts.ECPoints = c.Float64("ec-points")
	}
	if c.IsSet("grace") {
		opts.GracePeriod = c.Duration("grace")
	}
	return opts, opts.Validate()
}
