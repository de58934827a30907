package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mind-engage/gradesync/internal/config"
	"github.com/mind-engage/gradesync/pkg/reconcile"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearEnv(t)

		convey.Convey("When loading with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then the engine defaults and poll settings are in place", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.HTTPAddr, convey.ShouldEqual, ":8080")
				convey.So(cfg.DBDriver, convey.ShouldEqual, "sqlite")
				convey.So(cfg.PollInterval(), convey.ShouldEqual, 500*time.Millisecond)
				convey.So(cfg.Reconcile, convey.ShouldResemble, reconcile.DefaultOptions())
				convey.So(cfg.DueHour, convey.ShouldEqual, 17)
			})
		})

		convey.Convey("When a YAML file and env vars are both given", func() {
			path := writeFile(t, "gradesync.yaml", `
http_addr: ":9090"
canvas_url: "https://canvas.example.edu"
db_driver: postgres
cors_origins: ["https://a.example", "https://b.example"]
reconcile:
  late_penalty: 0.1
  policy: linear
  grace_period: 10m
`)
			t.Setenv("GRADESYNC_CONFIG", path)
			t.Setenv("GRADESYNC_HTTP_ADDR", ":7070")
			t.Setenv("GRADESYNC_RECONCILE_MAX_DAYS_LATE", "5")

			cfg, err := config.Load(ctx)

			convey.Convey("Then env overrides the file and nested keys decode", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.HTTPAddr, convey.ShouldEqual, ":7070")
				convey.So(cfg.DBDriver, convey.ShouldEqual, "postgres")
				convey.So(cfg.CORSOrigins, convey.ShouldResemble, []string{"https://a.example", "https://b.example"})
				convey.So(cfg.Reconcile.LatePenalty, convey.ShouldEqual, 0.1)
				convey.So(cfg.Reconcile.Policy, convey.ShouldEqual, reconcile.PolicyLinear)
				convey.So(cfg.Reconcile.GracePeriod, convey.ShouldEqual, 10*time.Minute)
				convey.So(cfg.Reconcile.MaxDaysLate, convey.ShouldEqual, 5)
				convey.So(cfg.Reconcile.ECPoints, convey.ShouldEqual, reconcile.DefaultECPoints)
			})
		})

		convey.Convey("When tokens are given as files", func() {
			tok := writeFile(t, "canvas.token", "  secret-token  \nignored\n")
			t.Setenv("GRADESYNC_CANVAS_TOKEN_FILE", tok)
			t.Setenv("GRADESYNC_CANVAS_URL", "https://canvas.example.edu")

			cfg, err := config.Load(ctx)

			convey.Convey("Then the first line is used", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.CanvasToken, convey.ShouldEqual, "secret-token")
				convey.So(cfg.ValidateCanvas(), convey.ShouldBeNil)
			})
		})

		convey.Convey("When a value breaks a constraint", func() {
			t.Setenv("GRADESYNC_RECONCILE_LATE_PENALTY", "1.5")
			cfg, err := config.Load(ctx)

			convey.Convey("Then loading fails with ErrInvalidConfig naming the key", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "reconcile.late_penalty")
			})
		})

		convey.Convey("When the driver is unknown", func() {
			t.Setenv("GRADESYNC_DB_DRIVER", "mysql")
			_, err := config.Load(ctx)
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the YAML file is broken", func() {
			t.Setenv("GRADESYNC_CONFIG", writeFile(t, "bad.yaml", "invalid: yaml: content: ["))
			cfg, err := config.Load(ctx)
			convey.So(cfg, convey.ShouldBeNil)
			convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the token file is missing", func() {
			t.Setenv("GRADESYNC_QUALTRICS_TOKEN_FILE", filepath.Join(t.TempDir(), "nope"))
			_, err := config.Load(ctx)
			convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
		})
	})
}

func TestConfigServeChecks(t *testing.T) {
	convey.Convey("Given default config", t, func() {
		cfg := config.New()

		convey.Convey("Serving needs a signing secret and an admin hash", func() {
			convey.So(errors.Is(cfg.ValidateServe(), config.ErrInvalidConfig), convey.ShouldBeTrue)
			cfg.AuthHMACSecret = "s3cret"
			cfg.AdminPassHash = "$2a$10$abcdefghijklmnopqrstuv"
			convey.So(cfg.ValidateServe(), convey.ShouldBeNil)
		})

		convey.Convey("Remote sources need credentials", func() {
			convey.So(cfg.ValidateCanvas(), convey.ShouldNotBeNil)
			convey.So(cfg.ValidateQualtrics(), convey.ShouldNotBeNil)
		})
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "GRADESYNC_") {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}
