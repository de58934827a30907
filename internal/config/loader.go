package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "GRADESYNC_"
	envCfgFile = "GRADESYNC_CONFIG"
)

// Load builds a Config by layering, low to high precedence:
//  1. defaults (New)
//  2. YAML file named by GRADESYNC_CONFIG, if set
//  3. environment variables with the GRADESYNC_ prefix
//
// Secrets given as *_token_file are read once here.
func Load(_ context.Context) (*Config, error) {
	base := New()
	k := koanf.New(".")

	if path := os.Getenv(envCfgFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// GRADESYNC_DB_DSN -> db_dsn, GRADESYNC_RECONCILE_LATE_PENALTY -> reconcile.late_penalty
	envProvider := env.Provider(envPrefix, ".", envKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	var err error
	if cfg.CanvasToken, err = secret(cfg.CanvasToken, cfg.CanvasTokenFile); err != nil {
		return nil, err
	}
	if cfg.QualtricsToken, err = secret(cfg.QualtricsToken, cfg.QualtricsTokenFile); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if rest, ok := strings.CutPrefix(s, "reconcile_"); ok {
		return "reconcile." + rest
	}
	return s
}

// secret prefers an inline value and falls back to the first line of path.
func secret(inline, path string) (string, error) {
	if inline != "" || path == "" {
		return inline, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read token file: %w", ErrLoadConfig, err)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(line), nil
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("koanf")
	})
	return v
}()

// Validate checks field constraints, including the embedded engine options.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			return fmt.Errorf("%w: %s must satisfy %s %s", ErrInvalidConfig, key, fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := c.DueLocation(); err != nil {
		return fmt.Errorf("%w: due_timezone: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateServe checks what the HTTP API needs beyond Validate.
func (c *Config) ValidateServe() error {
	if c.AuthHMACSecret == "" {
		return fmt.Errorf("%w: auth_hmac_secret is required to serve", ErrInvalidConfig)
	}
	if c.AdminUser == "" || c.AdminPassHash == "" {
		return fmt.Errorf("%w: admin_user and admin_pass_hash are required to serve", ErrInvalidConfig)
	}
	return nil
}

// ValidateCanvas checks the LMS connection settings.
func (c *Config) ValidateCanvas() error {
	if c.CanvasURL == "" || c.CanvasToken == "" {
		return fmt.Errorf("%w: canvas_url and canvas_token (or canvas_token_file) are required", ErrInvalidConfig)
	}
	return nil
}

// ValidateQualtrics checks the survey platform connection settings.
func (c *Config) ValidateQualtrics() error {
	if c.QualtricsDatacenter == "" || c.QualtricsToken == "" {
		return fmt.Errorf("%w: qualtrics_datacenter and qualtrics_token (or qualtrics_token_file) are required", ErrInvalidConfig)
	}
	return nil
}
