package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration. Optional override maps (nested, viper-style
// keys) take precedence over environment variables, which take precedence
// over defaults. The loaded config becomes the one GetConfig returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUTOLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for path, env := range envAliases() {
		_ = v.BindEnv(path, env)
	}

	// Runtime overrides use Set, the highest viper precedence level.
	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil before the
// first Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("data.dir", ".autoloop")

	v.SetDefault("collaborator.base_url", "http://localhost:8080")
	v.SetDefault("collaborator.retries", 2)
	v.SetDefault("collaborator.poll_interval", "2s")
	v.SetDefault("collaborator.poll_rate", 4.0)

	v.SetDefault("reclaim.timeout", "10s")
	v.SetDefault("reclaim.interval", "250ms")

	v.SetDefault("autofix.max_attempts", 3)
}

// envAliases maps config paths to the short env var names the deploy
// tooling uses, in addition to the automatic AUTOLOOP_SECTION_KEY forms.
func envAliases() map[string]string {
	return map[string]string{
		"server.host":                "AUTOLOOP_HOST",
		"server.port":                "AUTOLOOP_PORT",
		"server.read_timeout":        "AUTOLOOP_READ_TIMEOUT",
		"server.write_timeout":       "AUTOLOOP_WRITE_TIMEOUT",
		"server.shutdown_timeout":    "AUTOLOOP_SHUTDOWN_TIMEOUT",
		"logging.level":              "AUTOLOOP_LOG_LEVEL",
		"logging.profile":            "AUTOLOOP_LOG_PROFILE",
		"data.dir":                   "AUTOLOOP_DATA_DIR",
		"collaborator.base_url":      "AUTOLOOP_COLLABORATOR_URL",
		"collaborator.poll_interval": "AUTOLOOP_POLL_INTERVAL",
		"autofix.max_attempts":       "AUTOLOOP_AUTOFIX_MAX_ATTEMPTS",
		"reclaim.timeout":            "AUTOLOOP_RECLAIM_TIMEOUT",
		"reclaim.interval":           "AUTOLOOP_RECLAIM_INTERVAL",
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}
