package config

import "time"

// Server defaults.
const (
	// DefaultServerPort is the default port for the oplogreplay HTTP server.
	DefaultServerPort = 2604
)

// Oplog tailing tunables.
const (
	// OplogDatabase and OplogCollection locate the replica set oplog.
	OplogDatabase   = "local"
	OplogCollection = "oplog.rs"

	// OplogAwaitTime bounds how long a caught-up tailable cursor blocks
	// before the read returns empty and the loop re-polls.
	OplogAwaitTime = 2 * time.Second

	// OplogBatchSize is the tailing cursor batch size.
	OplogBatchSize = 1000

	// ReconnectInterval is the pause before reopening a dead cursor.
	ReconnectInterval = 2 * time.Second

	// CloseCursorTimeout bounds closing a dead or abandoned cursor.
	CloseCursorTimeout = 5 * time.Second
)

// Replay tunables.
const (
	// ReplayQueueSize is the tail-to-apply channel capacity.
	ReplayQueueSize = 128

	// ApplyRetryInterval and ApplyMaxRetries bound retrying a single
	// entry on transient destination errors.
	ApplyRetryInterval = time.Second
	ApplyMaxRetries    = 5

	// ReportInterval and ReportIntervalInfo are the replay progress
	// reporting cadences, in applied ops, for debug and info level.
	ReportInterval     = 500
	ReportIntervalInfo = 5000

	// PrintLagTimeInterval is the cadence of the replication lag monitor.
	PrintLagTimeInterval = time.Minute
)

// Checkpoint bookkeeping on the destination cluster.
const (
	// ReplayDatabase is the tool's own database on the destination.
	ReplayDatabase = "oplogreplay"

	// CheckpointCollection stores the last applied timestamp per pairing.
	CheckpointCollection = "settings"

	// RecoveryInterval is the cadence of the periodic pairing-state save.
	RecoveryInterval = time.Minute

	// HeartbeatInterval is the cadence of the liveness document update. A
	// heartbeat older than twice this is considered stale.
	HeartbeatInterval = 30 * time.Second
)

// Connection lifecycle.
const (
	MongoConnectTimeout = 10 * time.Second
	DisconnectTimeout   = 10 * time.Second
)

// Policy values.
const (
	OnErrorSkip = "skip"
	OnErrorHalt = "halt"

	CheckpointTarget = "target"
	CheckpointFile   = "file"
	CheckpointMemory = "memory"
)
