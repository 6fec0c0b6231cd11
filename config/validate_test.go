package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uberVU/mongo-oplogreplay/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Port:   8080,
		Source: "mongodb://source:27017",
		Target: "mongodb://target:27017",
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*config.Config) {},
			wantErr: "",
		},
		{
			name:    "port zero uses default - valid",
			mutate:  func(cfg *config.Config) { cfg.Port = 0 },
			wantErr: "",
		},
		{
			name:    "port below range",
			mutate:  func(cfg *config.Config) { cfg.Port = 1024 },
			wantErr: "port value is outside the supported range",
		},
		{
			name:    "port above range",
			mutate:  func(cfg *config.Config) { cfg.Port = 65536 },
			wantErr: "port value is outside the supported range",
		},
		{
			name:    "source empty",
			mutate:  func(cfg *config.Config) { cfg.Source = "" },
			wantErr: "source URI is empty",
		},
		{
			name:    "target empty",
			mutate:  func(cfg *config.Config) { cfg.Target = "" },
			wantErr: "target URI is empty",
		},
		{
			name: "both source and target empty",
			mutate: func(cfg *config.Config) {
				cfg.Source = ""
				cfg.Target = ""
			},
			wantErr: "source URI and target URI are empty",
		},
		{
			name: "source equals target",
			mutate: func(cfg *config.Config) {
				cfg.Source = "mongodb://same:27017"
				cfg.Target = "mongodb://same:27017"
			},
			wantErr: "source URI and target URI are identical",
		},
		{
			name:    "valid start position",
			mutate:  func(cfg *config.Config) { cfg.Start = "1700000000,3" },
			wantErr: "",
		},
		{
			name:    "malformed start position",
			mutate:  func(cfg *config.Config) { cfg.Start = "not-a-timestamp" },
			wantErr: "invalid start position",
		},
		{
			name:    "on-error skip - valid",
			mutate:  func(cfg *config.Config) { cfg.Replay.OnError = config.OnErrorSkip },
			wantErr: "",
		},
		{
			name:    "on-error halt - valid",
			mutate:  func(cfg *config.Config) { cfg.Replay.OnError = config.OnErrorHalt },
			wantErr: "",
		},
		{
			name:    "on-error unknown",
			mutate:  func(cfg *config.Config) { cfg.Replay.OnError = "panic" },
			wantErr: "on-error must be",
		},
		{
			name:    "checkpoint target - valid",
			mutate:  func(cfg *config.Config) { cfg.Checkpoint.Store = config.CheckpointTarget },
			wantErr: "",
		},
		{
			name: "checkpoint file with path - valid",
			mutate: func(cfg *config.Config) {
				cfg.Checkpoint.Store = config.CheckpointFile
				cfg.Checkpoint.Path = "/var/lib/oplogreplay/checkpoint.json"
			},
			wantErr: "",
		},
		{
			name:    "checkpoint file without path",
			mutate:  func(cfg *config.Config) { cfg.Checkpoint.Store = config.CheckpointFile },
			wantErr: "checkpoint-path is required",
		},
		{
			name:    "checkpoint unknown store",
			mutate:  func(cfg *config.Config) { cfg.Checkpoint.Store = "redis" },
			wantErr: "checkpoint must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := config.Validate(cfg)

			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
