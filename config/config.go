// Package config provides configuration management for oplogreplay using Viper.
package config

import (
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/uberVU/mongo-oplogreplay/errors"
)

// Load initializes Viper and returns the effective Config. Precedence:
// CLI flag > environment variable > default.
func Load(cmd *cobra.Command) (*Config, error) {
	viper.SetEnvPrefix("OPLOGREPLAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cmd.PersistentFlags() != nil {
		_ = viper.BindPFlags(cmd.PersistentFlags())
	}

	if cmd.Flags() != nil {
		_ = viper.BindPFlags(cmd.Flags())
	}

	bindEnvVars()

	var cfg Config

	err := viper.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if viper.GetBool("no-color") {
		cfg.Log.NoColor = true
	}

	return &cfg, nil
}

func bindEnvVars() {
	_ = viper.BindEnv("port", "OPLOGREPLAY_PORT")

	_ = viper.BindEnv("source", "OPLOGREPLAY_SOURCE_URI")
	_ = viper.BindEnv("target", "OPLOGREPLAY_TARGET_URI")

	_ = viper.BindEnv("name", "OPLOGREPLAY_NAME")
	_ = viper.BindEnv("start", "OPLOGREPLAY_START")

	_ = viper.BindEnv("log-level", "OPLOGREPLAY_LOG_LEVEL")
	_ = viper.BindEnv("log-json", "OPLOGREPLAY_LOG_JSON")
	_ = viper.BindEnv("log-no-color", "OPLOGREPLAY_LOG_NO_COLOR", "OPLOGREPLAY_NO_COLOR")

	_ = viper.BindEnv("namespaces", "OPLOGREPLAY_NAMESPACES")
	_ = viper.BindEnv("exclude-namespaces", "OPLOGREPLAY_EXCLUDE_NAMESPACES")
	_ = viper.BindEnv("replay-indexes", "OPLOGREPLAY_REPLAY_INDEXES")
	_ = viper.BindEnv("strict-decode", "OPLOGREPLAY_STRICT_DECODE")
	_ = viper.BindEnv("on-error", "OPLOGREPLAY_ON_ERROR")

	_ = viper.BindEnv("checkpoint", "OPLOGREPLAY_CHECKPOINT")
	_ = viper.BindEnv("checkpoint-path", "OPLOGREPLAY_CHECKPOINT_PATH")
}

// ParseStartPosition parses a resume override: "<seconds>" or
// "<seconds>,<ordinal>". An empty value returns the zero timestamp.
func ParseStartPosition(value string) (bson.Timestamp, error) {
	if value == "" {
		return bson.Timestamp{}, nil
	}

	secPart, ordPart, hasOrd := strings.Cut(value, ",")

	sec, err := strconv.ParseUint(strings.TrimSpace(secPart), 10, 32)
	if err != nil {
		return bson.Timestamp{}, errors.Wrapf(err, "invalid start position %q", value)
	}

	var ord uint64
	if hasOrd {
		ord, err = strconv.ParseUint(strings.TrimSpace(ordPart), 10, 32)
		if err != nil {
			return bson.Timestamp{}, errors.Wrapf(err, "invalid start position %q", value)
		}
	}

	return bson.Timestamp{T: uint32(sec), I: uint32(ord)}, nil
}
