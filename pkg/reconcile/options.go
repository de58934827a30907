package reconcile

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults inherited from the self-grading workflow.
const (
	DefaultLatePenalty     = 0.25
	DefaultMaxDaysLate     = 3.0
	DefaultECPoints        = 3.0
	DefaultOrdinalScaleMax = 3
	DefaultGracePeriod     = 5 * time.Minute
)

// Options is the per-run configuration of the engine.
type Options struct {
	CheckLate       bool          `json:"check_late" koanf:"check_late"`
	LatePenalty     float64       `json:"late_penalty" koanf:"late_penalty" validate:"gt=0,lt=1"`
	MaxDaysLate     float64       `json:"max_days_late" koanf:"max_days_late" validate:"gt=0"`
	Policy          PenaltyPolicy `json:"policy" koanf:"policy" validate:"oneof=fixed linear"`
	ECPoints        float64       `json:"ec_points" koanf:"ec_points" validate:"gte=0"`
	OrdinalScaleMax int           `json:"ordinal_scale_max" koanf:"ordinal_scale_max" validate:"gte=1"`
	GracePeriod     time.Duration `json:"grace_period" koanf:"grace_period" validate:"gte=0"`
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		CheckLate:       true,
		LatePenalty:     DefaultLatePenalty,
		MaxDaysLate:     DefaultMaxDaysLate,
		Policy:          PolicyFixed,
		ECPoints:        DefaultECPoints,
		OrdinalScaleMax: DefaultOrdinalScaleMax,
		GracePeriod:     DefaultGracePeriod,
	}
}

type Option func(*Options)

func WithCheckLate(b bool) Option            { return func(o *Options) { o.CheckLate = b } }
func WithLatePenalty(f float64) Option       { return func(o *Options) { o.LatePenalty = f } }
func WithMaxDaysLate(d float64) Option       { return func(o *Options) { o.MaxDaysLate = d } }
func WithPolicy(p PenaltyPolicy) Option      { return func(o *Options) { o.Policy = p } }
func WithExtraCreditPoints(p float64) Option { return func(o *Options) { o.ECPoints = p } }
func WithOrdinalScaleMax(n int) Option       { return func(o *Options) { o.OrdinalScaleMax = n } }
func WithGracePeriod(d time.Duration) Option { return func(o *Options) { o.GracePeriod = d } }
func WithOptions(base Options) Option        { return func(o *Options) { *o = base } }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the option set, returning a *ConfigError on failure.
func (o Options) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += " " + fe.Param()
		}
		return configErr(fe.Field(), "must satisfy "+reason)
	}
	return configErr("options", err.Error())
}
