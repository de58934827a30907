// Package config holds gradesync process configuration.
//
// Values are layered by Load: defaults from New, then an optional YAML file
// named by GRADESYNC_CONFIG, then GRADESYNC_* environment variables.
package config

import (
	"time"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

type Config struct {
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogJSON  bool   `koanf:"log_json"`
	HTTPAddr string `koanf:"http_addr" validate:"required"`

	// Canvas REST API base, e.g. https://canvas.cornell.edu
	CanvasURL       string `koanf:"canvas_url" validate:"omitempty,url"`
	CanvasToken     string `koanf:"canvas_token"`
	CanvasTokenFile string `koanf:"canvas_token_file"`

	// Qualtrics datacenter id; the API host is <datacenter>.qualtrics.com.
	QualtricsDatacenter string `koanf:"qualtrics_datacenter"`
	QualtricsToken      string `koanf:"qualtrics_token"`
	QualtricsTokenFile  string `koanf:"qualtrics_token_file"`

	HTTPTimeout     time.Duration `koanf:"http_timeout" validate:"gt=0"`
	PollIntervalMS  int           `koanf:"poll_interval_ms" validate:"gt=0"`
	PollMaxAttempts int           `koanf:"poll_max_attempts" validate:"gt=0"`

	DBDriver     string `koanf:"db_driver" validate:"oneof=sqlite postgres"`
	DBDSN        string `koanf:"db_dsn"`
	BlobBasePath string `koanf:"blob_base_path" validate:"required"`

	AuthHMACSecret string   `koanf:"auth_hmac_secret"`
	AdminUser      string   `koanf:"admin_user"`
	AdminPassHash  string   `koanf:"admin_pass_hash"` // bcrypt
	CORSOrigins    []string `koanf:"cors_origins"`

	// Due dates typed as YYYY-MM-DD are taken at DueHour in DueTimezone.
	DueTimezone string `koanf:"due_timezone" validate:"required"`
	DueHour     int    `koanf:"due_hour" validate:"gte=0,lte=23"`

	Reconcile reconcile.Options `koanf:"reconcile"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:        "info",
		HTTPAddr:        ":8080",
		HTTPTimeout:     30 * time.Second,
		PollIntervalMS:  500,
		PollMaxAttempts: 240,
		DBDriver:        "sqlite",
		BlobBasePath:    "./data",
		AdminUser:       "admin",
		CORSOrigins:     []string{"http://localhost:3000"},
		DueTimezone:     "America/New_York",
		DueHour:         17,
		Reconcile:       reconcile.DefaultOptions(),
	}
}

// PollInterval is PollIntervalMS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// DueLocation loads DueTimezone.
func (c *Config) DueLocation() (*time.Location, error) {
	return time.LoadLocation(c.DueTimezone)
}
