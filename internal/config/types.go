package config

// Kinds of generation the bot serves. Each kind has its own bucket policy.
const (
	KindText  = "text"
	KindPhoto = "photo"
	KindVideo = "video"
	KindMusic = "music"
)

// Kinds lists every supported kind in display order.
var Kinds = []string{KindText, KindPhoto, KindVideo, KindMusic}

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Actions   ActionsConfig   `json:"actions"`
	Generator GeneratorConfig `json:"generator"`

	// Optional sections. Nil means disabled (storage, telemetry) or defaults
	// (housekeeping).
	Storage      *StorageConfig      `json:"storage,omitempty"`
	Telemetry    *TelemetryConfig    `json:"telemetry,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// BotName is matched (case-insensitively, with or without "@") to decide
	// whether a group message mentions the bot. Defaults to the account
	// username reported by Telegram.
	BotName string `json:"bot_name,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	// Outbound reply rate limit shared by every chat. Defaults: 20/s, burst 5.
	ReplyRatePerSec float64 `json:"reply_rate_per_sec,omitempty"`
	ReplyBurst      int     `json:"reply_burst,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ActionsConfig holds the per-kind bucket policies.
//
// Example:
//
//	"actions": {
//	  "job_timeout": "5m",
//	  "policies": {
//	    "video": { "max_sequential_swaps": 1, "throttle": { "window": "720h", "limit": 10 } }
//	  }
//	}
//
// Kinds missing from policies fall back to DefaultPolicies.
type ActionsConfig struct {
	// JobTimeout bounds a single generation. "0s" or empty disables it.
	JobTimeout string                  `json:"job_timeout,omitempty"`
	Policies   map[string]PolicyConfig `json:"policies,omitempty"`
}

type PolicyConfig struct {
	MaxSequentialSwaps int             `json:"max_sequential_swaps"`
	Throttle           *ThrottleConfig `json:"throttle,omitempty"`
}

type ThrottleConfig struct {
	Window string `json:"window"` // Go duration string
	Limit  int    `json:"limit"`
}

// GeneratorConfig selects and configures generation backends.
//
// Backend is the default for every kind ("gemini" or "sim"); Kinds overrides
// it per kind, e.g. {"music": "sim"}.
type GeneratorConfig struct {
	Backend string            `json:"backend"`
	Kinds   map[string]string `json:"kinds,omitempty"`
	Gemini  GeminiConfig      `json:"gemini,omitempty"`
	Sim     SimConfig         `json:"sim,omitempty"`
}

type GeminiConfig struct {
	APIKey     string `json:"api_key,omitempty"` // falls back to GEMINI_API_KEY / GOOGLE_API_KEY
	TextModel  string `json:"text_model,omitempty"`
	ImageModel string `json:"image_model,omitempty"`
	VideoModel string `json:"video_model,omitempty"`
	// PollInterval is how often long-running video operations are polled.
	PollInterval string `json:"poll_interval,omitempty"`
}

type SimConfig struct {
	Latency string `json:"latency,omitempty"` // default "2s"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./genbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// Exporter is "stdout", "otlp-http" or "none".
	Exporter    string `json:"exporter"`
	Endpoint    string `json:"endpoint,omitempty"` // otlp-http host:port
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// HousekeepingConfig controls the periodic storage prune.
type HousekeepingConfig struct {
	// Schedule is a cron spec (robfig/cron, optional seconds field, descriptors
	// like "@daily" allowed). Empty disables housekeeping.
	Schedule string `json:"schedule"`
	// Retention is how long generation records are kept. Default 2160h (90d).
	Retention string `json:"retention,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}
