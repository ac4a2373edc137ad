package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Policy is a parsed PolicyConfig.
type Policy struct {
	MaxSequentialSwaps int
	// ThrottleWindow is 0 when the kind is not throttled.
	ThrottleWindow time.Duration
	ThrottleLimit  int
}

func (p Policy) Throttled() bool { return p.ThrottleWindow > 0 && p.ThrottleLimit > 0 }

// DefaultPolicies applies to kinds that actions.policies leaves out.
var DefaultPolicies = map[string]PolicyConfig{
	KindText:  {MaxSequentialSwaps: 3},
	KindPhoto: {MaxSequentialSwaps: 1, Throttle: &ThrottleConfig{Window: "24h", Limit: 50}},
	KindVideo: {MaxSequentialSwaps: 1, Throttle: &ThrottleConfig{Window: "720h", Limit: 10}},
	KindMusic: {MaxSequentialSwaps: 1, Throttle: &ThrottleConfig{Window: "720h", Limit: 10}},
}

const DefaultRetention = 90 * 24 * time.Hour

func IsKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Policy returns the effective policy for kind.
func (c *Config) Policy(kind string) (Policy, error) {
	if !IsKind(kind) {
		return Policy{}, fmt.Errorf("unknown kind %q", kind)
	}
	pc, ok := c.Actions.Policies[kind]
	if !ok {
		pc = DefaultPolicies[kind]
	}
	return parsePolicy("actions.policies."+kind, pc)
}

func parsePolicy(path string, pc PolicyConfig) (Policy, error) {
	if pc.MaxSequentialSwaps < 0 {
		return Policy{}, fmt.Errorf("%s.max_sequential_swaps: must be >= 0", path)
	}
	p := Policy{MaxSequentialSwaps: pc.MaxSequentialSwaps}
	if pc.Throttle == nil {
		return p, nil
	}
	w, err := ParseDurationField(path+".throttle.window", pc.Throttle.Window)
	if err != nil {
		return Policy{}, err
	}
	if w <= 0 {
		return Policy{}, fmt.Errorf("%s.throttle.window: must be > 0", path)
	}
	if pc.Throttle.Limit < 1 {
		return Policy{}, fmt.Errorf("%s.throttle.limit: must be >= 1", path)
	}
	p.ThrottleWindow = w
	p.ThrottleLimit = pc.Throttle.Limit
	return p, nil
}

// Validate checks everything that can be checked without network access.
// It is used both at startup and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telegram.ReplyRatePerSec < 0 || cfg.Telegram.ReplyBurst < 0 {
		errs = append(errs, errors.New("telegram.reply_rate_per_sec/reply_burst: must be >= 0"))
	}

	if _, err := ParseDurationField("actions.job_timeout", cfg.Actions.JobTimeout); err != nil {
		errs = append(errs, err)
	}
	for kind, pc := range cfg.Actions.Policies {
		if !IsKind(kind) {
			errs = append(errs, fmt.Errorf("actions.policies: unknown kind %q", kind))
			continue
		}
		if _, err := parsePolicy("actions.policies."+kind, pc); err != nil {
			errs = append(errs, err)
		}
	}

	if err := validateBackend("generator.backend", cfg.Generator.Backend); err != nil {
		errs = append(errs, err)
	}
	for kind, b := range cfg.Generator.Kinds {
		if !IsKind(kind) {
			errs = append(errs, fmt.Errorf("generator.kinds: unknown kind %q", kind))
			continue
		}
		if err := validateBackend("generator.kinds."+kind, b); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseDurationField("generator.gemini.poll_interval", cfg.Generator.Gemini.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("generator.sim.latency", cfg.Generator.Sim.Latency); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if t := cfg.Telemetry; t != nil {
		switch strings.ToLower(strings.TrimSpace(t.Exporter)) {
		case "", "none", "stdout", "otlp-http":
		default:
			errs = append(errs, fmt.Errorf("telemetry.exporter: unsupported %q", t.Exporter))
		}
	}

	if h := cfg.Housekeeping; h != nil {
		if spec := strings.TrimSpace(h.Schedule); spec != "" {
			if _, err := CronParser.Parse(spec); err != nil {
				errs = append(errs, fmt.Errorf("housekeeping.schedule: %w", err))
			}
		}
		if _, err := ParseDurationField("housekeeping.retention", h.Retention); err != nil {
			errs = append(errs, err)
		}
		if tz := strings.TrimSpace(h.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("housekeeping.timezone: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// CronParser accepts an optional seconds field and descriptors (@daily).
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func validateBackend(path, b string) error {
	switch strings.ToLower(strings.TrimSpace(b)) {
	case "", "gemini", "sim":
		return nil
	default:
		return fmt.Errorf("%s: unsupported backend %q", path, b)
	}
}
