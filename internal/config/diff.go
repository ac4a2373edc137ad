package config

import (
	"reflect"
	"sort"
	"strings"

	logx "genbot/pkg/logx"
)

// SummarizeChange returns the sorted list of changed top-level sections and
// log fields describing the new values. Secrets (bot token, API keys) are
// reported only as "set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.BotName != nt.BotName || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.ReplyRatePerSec != nt.ReplyRatePerSec || ot.ReplyBurst != nt.ReplyBurst {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.bot_name", nt.BotName),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Any("telegram.reply_rate_per_sec", nt.ReplyRatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if kinds := changedPolicies(oldCfg, newCfg); len(kinds) > 0 || oldCfg.Actions.JobTimeout != newCfg.Actions.JobTimeout {
		changed = append(changed, "actions")
		attrs = append(attrs,
			logx.String("actions.job_timeout", newCfg.Actions.JobTimeout),
			logx.String("actions.policies_changed", strings.Join(kinds, ",")),
		)
	}

	og, ng := oldCfg.Generator, newCfg.Generator
	if og.Gemini.APIKey != ng.Gemini.APIKey {
		og.Gemini.APIKey, ng.Gemini.APIKey = "", "x"
	} else {
		og.Gemini.APIKey, ng.Gemini.APIKey = "", ""
	}
	if !reflect.DeepEqual(og, ng) {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.String("generator.backend", newCfg.Generator.Backend),
			logx.Bool("generator.gemini.api_key_set", newCfg.Generator.Gemini.APIKey != ""),
			logx.String("generator.gemini.text_model", newCfg.Generator.Gemini.TextModel),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}
	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		changed = append(changed, "telemetry")
		var exp string
		if newCfg.Telemetry != nil {
			exp = newCfg.Telemetry.Exporter
		}
		attrs = append(attrs, logx.String("telemetry.exporter", exp))
	}
	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		var spec string
		if newCfg.Housekeeping != nil {
			spec = newCfg.Housekeeping.Schedule
		}
		attrs = append(attrs, logx.String("housekeeping.schedule", spec))
	}

	sort.Strings(changed)
	return changed, attrs
}

// changedPolicies lists kinds whose effective policy differs.
func changedPolicies(oldCfg, newCfg *Config) []string {
	var out []string
	for _, kind := range Kinds {
		op, oerr := oldCfg.Policy(kind)
		np, nerr := newCfg.Policy(kind)
		if op != np || (oerr == nil) != (nerr == nil) {
			out = append(out, kind)
		}
	}
	return out
}

// RestartRequired lists changed sections that only take effect on restart.
// Logging and actions apply live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "actions":
		default:
			out = append(out, s)
		}
	}
	return out
}
