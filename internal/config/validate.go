package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"devpilot/internal/task/scheduler"
)

// Environment overrides for secrets left empty in the file.
const (
	EnvAPIKey        = "DEVPILOT_API_KEY"
	EnvTelegramToken = "DEVPILOT_TELEGRAM_TOKEN"
	EnvHTTPToken     = "DEVPILOT_HTTP_TOKEN"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func applyEnv(cfg *Config) {
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(os.Getenv(key))
		}
	}
	fill(&cfg.Agent.APIKey, EnvAPIKey)
	fill(&cfg.Telegram.Token, EnvTelegramToken)
	fill(&cfg.HTTP.Token, EnvHTTPToken)
}

// Validate checks struct tags, every duration string and every schedule.
// It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return describe(err)
	}
	if strings.TrimSpace(cfg.Agent.APIKey) == "" {
		return fmt.Errorf("agent.api_key is required (or set %s)", EnvAPIKey)
	}

	durations := []struct{ path, raw string }{
		{"agent.timeout", cfg.Agent.Timeout},
		{"dispatch.baseline.delay", cfg.Dispatch.Baseline.Delay},
		{"dispatch.aggressive.delay", cfg.Dispatch.Aggressive.Delay},
		{"dispatch.circuit.base_delay", cfg.Dispatch.Circuit.BaseDelay},
		{"dispatch.circuit.max_delay", cfg.Dispatch.Circuit.MaxDelay},
		{"dispatch.circuit.reset_after", cfg.Dispatch.Circuit.ResetAfter},
		{"scheduler.poll_timeout", cfg.Scheduler.PollTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", n.DedupWindow},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	s := cfg.Scheduler
	schedules := []struct{ path, raw string }{
		{"scheduler.development", s.Development},
		{"scheduler.feature", s.Feature},
		{"scheduler.controls", s.Controls},
		{"scheduler.tabs", s.Tabs},
		{"scheduler.poll", s.Poll},
		{"scheduler.auto_save", s.AutoSave},
		{"scheduler.security", s.Security},
	}
	for _, sc := range schedules {
		if strings.TrimSpace(sc.raw) == "" {
			continue
		}
		ps, err := scheduler.ParseSchedule(sc.raw)
		if err == nil {
			_, err = ps.Compile()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", sc.path, err)
		}
	}

	if st := cfg.Storage; st != nil {
		d := strings.ToLower(strings.TrimSpace(st.Driver))
		if (d == "sqlite" || d == "sqlite3") && strings.TrimSpace(st.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	}
	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.enabled requires telegram.token (or %s) and telegram.chat_id", EnvTelegramToken)
		}
	}
	return nil
}

// describe flattens validator errors into "agent.repository: required".
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, ns+": "+msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
}
