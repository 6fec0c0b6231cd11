package config

import (
	"github.com/uberVU/mongo-oplogreplay/errors"
)

// Validate checks the Config for required fields and value ranges.
func Validate(cfg *Config) error {
	port := cfg.Port
	if port == 0 {
		port = DefaultServerPort
	}

	if port <= 1024 || port > 65535 {
		return errors.New("port value is outside the supported range [1024 - 65535]")
	}

	switch {
	case cfg.Source == "" && cfg.Target == "":
		return errors.New("source URI and target URI are empty")
	case cfg.Source == "":
		return errors.New("source URI is empty")
	case cfg.Target == "":
		return errors.New("target URI is empty")
	case cfg.Source == cfg.Target:
		return errors.New("source URI and target URI are identical")
	}

	if _, err := ParseStartPosition(cfg.Start); err != nil {
		return err
	}

	switch cfg.Replay.OnError {
	case "", OnErrorSkip, OnErrorHalt:
	default:
		return errors.Errorf("on-error must be %q or %q, got %q",
			OnErrorSkip, OnErrorHalt, cfg.Replay.OnError)
	}

	switch cfg.Checkpoint.Store {
	case "", CheckpointTarget, CheckpointMemory:
	case CheckpointFile:
		if cfg.Checkpoint.Path == "" {
			return errors.New("checkpoint-path is required for the file checkpoint store")
		}
	default:
		return errors.Errorf("checkpoint must be %q, %q or %q, got %q",
			CheckpointTarget, CheckpointFile, CheckpointMemory, cfg.Checkpoint.Store)
	}

	return nil
}
