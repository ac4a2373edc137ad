package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "genbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: debug
  console: true
actions:
  job_timeout: 5m
  policies:
    video:
      max_sequential_swaps: 2
      throttle:
        window: 1h
        limit: 3
generator:
  backend: sim
  kinds:
    text: gemini
  sim:
    latency: 50ms
storage:
  driver: sqlite
  path: ./genbot.db
housekeeping:
  schedule: "@daily"
`

func TestDecodeYAMLAndPolicies(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	video, err := cfg.Policy(KindVideo)
	if err != nil {
		t.Fatalf("Policy(video): %v", err)
	}
	if video.MaxSequentialSwaps != 2 || video.ThrottleWindow != time.Hour || video.ThrottleLimit != 3 {
		t.Fatalf("video policy = %+v", video)
	}

	// Kinds not in the file fall back to defaults.
	text, err := cfg.Policy(KindText)
	if err != nil {
		t.Fatalf("Policy(text): %v", err)
	}
	if text.MaxSequentialSwaps != 3 || text.Throttled() {
		t.Fatalf("text policy = %+v", text)
	}
	if _, err := cfg.Policy("poem"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		raw  string
	}{
		{name: "unknown field", file: "c.json", raw: `{"telegram":{"token":"x","nope":1}}`},
		{name: "trailing", file: "c.json", raw: `{"telegram":{"token":"x"}}{}`},
		{name: "bad yaml", file: "c.yml", raw: "telegram: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.file, []byte(tt.raw)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "minimal ok", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "negative swaps", mutate: func(c *Config) {
			c.Actions.Policies = map[string]PolicyConfig{KindPhoto: {MaxSequentialSwaps: -1}}
		}, wantErr: "max_sequential_swaps"},
		{name: "zero throttle limit", mutate: func(c *Config) {
			c.Actions.Policies = map[string]PolicyConfig{KindPhoto: {Throttle: &ThrottleConfig{Window: "1h"}}}
		}, wantErr: "throttle.limit"},
		{name: "missing window", mutate: func(c *Config) {
			c.Actions.Policies = map[string]PolicyConfig{KindPhoto: {Throttle: &ThrottleConfig{Limit: 1}}}
		}, wantErr: "throttle.window"},
		{name: "unknown kind", mutate: func(c *Config) {
			c.Actions.Policies = map[string]PolicyConfig{"poem": {}}
		}, wantErr: "unknown kind"},
		{name: "bad backend", mutate: func(c *Config) { c.Generator.Backend = "dalle" }, wantErr: "generator.backend"},
		{name: "bad storage", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "mysql"} }, wantErr: "storage.driver"},
		{name: "bad cron", mutate: func(c *Config) { c.Housekeeping = &HousekeepingConfig{Schedule: "every day"} }, wantErr: "housekeeping.schedule"},
		{name: "bad exporter", mutate: func(c *Config) { c.Telemetry = &TelemetryConfig{Exporter: "zipkin"} }, wantErr: "telemetry.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "new-secret"},
		Generator: GeneratorConfig{Gemini: GeminiConfig{APIKey: "key-secret"}},
		Actions:   ActionsConfig{Policies: map[string]PolicyConfig{KindVideo: {MaxSequentialSwaps: 4}}},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"actions", "generator", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config reloaded", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("summary leaks a secret: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"generator.gemini.api_key_set":true`) {
		t.Fatalf("summary missing api key flag: %s", buf.String())
	}
	if got := RestartRequired(changed); strings.Join(got, ",") != "generator,telegram" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"telegram":{"token":"t"},"logging":{"level":"info"}}`)

	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || m.Get() != cfg {
		t.Fatalf("unexpected committed config: %+v", m.Get())
	}

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher may not be registered yet, so the valid edit is repeated.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	// An invalid file is rejected and never published.
	write(`{"telegram":{"token":""}}`)
	for i := 0; ; i++ {
		select {
		case got := <-ch:
			if got.Logging.Level != "debug" {
				t.Fatalf("published unexpected config: %+v", got)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch returned %v", err)
			}
			return
		case <-tick.C:
			if i%4 == 3 {
				write(`{"telegram":{"token":"t"},"logging":{"level":"debug"}}`)
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "30d", want: 30 * 24 * time.Hour},
		{raw: "1d12h", want: 36 * time.Hour},
		{raw: "-5m", wantErr: true},
		{raw: "xd", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("f", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v", tt.raw, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if d, _ := ParseDurationOrDefault("f", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "" || cfg.Storage != nil {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
