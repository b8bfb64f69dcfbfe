package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/abilian/abilian-core/internal/common/apperrors"
)

const formatConstraint = "~0.1"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateConfig checks struct constraints, durations, the format version and language tags.
func ValidateConfig(cfg *Config) error {
	if err := validateConfigFormatVersion(cfg); err != nil {
		return err
	}
	if err := validate.Struct(cfg); err != nil {
		return fieldErrors(err)
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateDBConfig(cfg); err != nil {
		return err
	}
	return validateI18nConfig(cfg)
}

// fieldErrors reports validator failures under their TOML keys.
func fieldErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(apperrors.ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, apperrors.ValidationError{Field: key, Value: fe.Value(), ErrStr: msg})
	}
	return out
}

func validateConfigFormatVersion(cfg *Config) error {
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(cfg.FormatVersion)
	if err != nil {
		return fmt.Errorf("invalid format_version %q: %v", cfg.FormatVersion, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("unsupported config file format version: %s", cfg.FormatVersion)
	}
	return nil
}

func validateDurations(cfg *Config) error {
	for name, value := range map[string]string{
		"db.conn_max_lifetime":              cfg.DB.ConnMaxLifetime,
		"index.lock_retry_delay":            cfg.Index.LockRetryDelay,
		"tasks.index_task_expiry":           cfg.Tasks.IndexTaskExpiry,
		"file_uploads.delete_stalled_after": cfg.FileUploads.DeleteStalledAfter,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %v", name, err)
		}
	}
	return nil
}

func validateDBConfig(cfg *Config) error {
	uri := cfg.DB.URI
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
	case strings.HasPrefix(uri, "sqlite://"), strings.HasPrefix(uri, "file:"):
	default:
		return fmt.Errorf("db.uri: unsupported database %q", uri)
	}
	return nil
}

func validateI18nConfig(cfg *Config) error {
	for _, l := range cfg.I18n.AcceptLanguages {
		if _, err := language.Parse(l); err != nil {
			return fmt.Errorf("i18n.accept_languages: %v", err)
		}
	}
	return nil
}
