package config

// Config holds all oplogreplay configuration.
type Config struct {
	Port   int    `mapstructure:"port"`
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`

	// Name identifies the source-to-target pairing. It keys the checkpoint
	// document. Empty means use the source replica set name.
	Name string `mapstructure:"name"`

	// Start overrides the resume position ("<seconds>" or "<seconds>,<ordinal>").
	// Replay begins strictly after this timestamp.
	Start string `mapstructure:"start"`

	Log LogConfig `mapstructure:",squash"`

	Replay ReplayConfig `mapstructure:",squash"`

	Checkpoint CheckpointConfig `mapstructure:",squash"`

	// hidden startup flags
	Run bool `mapstructure:"run"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"log-level"`
	JSON    bool   `mapstructure:"log-json"`
	NoColor bool   `mapstructure:"log-no-color"`
}

// ReplayConfig holds replay policy configuration.
type ReplayConfig struct {
	// Namespaces limits replay to the listed namespaces ("db.coll" or "db.*").
	// Empty means replay everything.
	Namespaces []string `mapstructure:"namespaces"`
	// ExcludeNamespaces skips the listed namespaces. Exclusion wins.
	ExcludeNamespaces []string `mapstructure:"exclude-namespaces"`
	// ReplayIndexes replays index builds and drops observed in the oplog.
	ReplayIndexes bool `mapstructure:"replay-indexes"`
	// StrictDecode halts on malformed oplog records instead of skipping them.
	StrictDecode bool `mapstructure:"strict-decode"`
	// OnError decides what a permanent apply error does: "skip" or "halt".
	OnError string `mapstructure:"on-error"`
}

// CheckpointConfig holds checkpoint store configuration.
type CheckpointConfig struct {
	// Store selects the checkpoint backend: "target" (collection on the
	// destination cluster), "file", or "memory".
	Store string `mapstructure:"checkpoint"`
	// Path is the checkpoint file location for the "file" store.
	Path string `mapstructure:"checkpoint-path"`
}
