// Package replay applies decoded oplog entries to the destination cluster in
// strict source order.
package replay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
	"github.com/uberVU/mongo-oplogreplay/metrics"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/checkpoint"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/oplog"
	"github.com/uberVU/mongo-oplogreplay/sel"
	"github.com/uberVU/mongo-oplogreplay/topo"
)

// Filter decides whether an entry is replayed. Returning false skips the
// entry and advances the checkpoint past it.
type Filter func(entry *oplog.Entry) bool

// Transform rewrites an entry before it is applied. Returning nil skips the
// entry. The returned entry may share structure with the input.
type Transform func(entry *oplog.Entry) *oplog.Entry

// Options configures the replay behavior.
type Options struct {
	// Filter is an optional entry predicate applied after the built-in
	// namespace checks.
	Filter Filter
	// Transform is an optional entry rewrite hook. Default: identity.
	Transform Transform

	// OnError selects the policy for permanent apply failures:
	// config.OnErrorSkip (default) or config.OnErrorHalt.
	OnError string
	// ReplayIndexes converts legacy system.indexes inserts into
	// createIndexes commands and replays index commands. When disabled,
	// index operations are skipped.
	ReplayIndexes bool
	// StrictDecode halts on malformed entries instead of skipping them.
	StrictDecode bool
}

// Replay replays oplog entries from the source cluster onto the destination.
type Replay struct {
	source *mongo.Client // Source MongoDB client
	target *mongo.Client // Destination MongoDB client

	store    checkpoint.Store // Durable replay position
	nsFilter sel.NSFilter     // Namespace filter

	options *Options // Replay options

	tail *oplog.Tail

	lastAppliedTS bson.Timestamp

	lock sync.Mutex
	err  error

	entriesRead    atomic.Int64
	entriesApplied int64
	entriesSkipped int64

	startTime time.Time
	pauseTime time.Time

	pausing bool
	pauseCh chan struct{}
	doneCh  chan struct{}

	// report bookkeeping, owned by the apply loop goroutine
	lastReportAt      time.Time
	lastReportApplied int64
}

// Status represents the status of the oplog replay.
type Status struct {
	StartTime time.Time
	PauseTime time.Time

	LastAppliedTS  bson.Timestamp // Last applied (or skipped past) operation time
	EntriesRead    int64          // Number of entries read from the oplog
	EntriesApplied int64          // Number of entries applied to the destination
	EntriesSkipped int64          // Number of entries skipped by filters or policy

	Stream oplog.TailStatus

	Err error
}

//go:inline
func (s *Status) IsStarted() bool {
	return !s.StartTime.IsZero()
}

//go:inline
func (s *Status) IsRunning() bool {
	return s.IsStarted() && !s.IsPaused()
}

//go:inline
func (s *Status) IsPaused() bool {
	return !s.PauseTime.IsZero()
}

// New creates a new Replay instance.
func New(
	source, target *mongo.Client,
	store checkpoint.Store,
	nsFilter sel.NSFilter,
	opts *Options,
) *Replay {
	if opts == nil {
		opts = &Options{}
	}

	if nsFilter == nil {
		nsFilter = sel.AllowAll
	}

	return &Replay{
		source:   source,
		target:   target,
		store:    store,
		nsFilter: nsFilter,
		options:  opts,
		pauseCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Checkpoint represents the replay state for recovery.
type Checkpoint struct {
	StartTime      time.Time      `bson:"startTime,omitempty"`
	PauseTime      time.Time      `bson:"pauseTime,omitempty"`
	EntriesApplied int64          `bson:"entriesApplied,omitempty"`
	EntriesSkipped int64          `bson:"entriesSkipped,omitempty"`
	LastAppliedTS  bson.Timestamp `bson:"lastTS,omitempty"`
	Error          string         `bson:"error,omitempty"`
}

func (r *Replay) Checkpoint() *Checkpoint {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.startTime.IsZero() && r.err == nil {
		return nil
	}

	cp := &Checkpoint{
		StartTime:      r.startTime,
		PauseTime:      r.pauseTime,
		EntriesApplied: r.entriesApplied,
		EntriesSkipped: r.entriesSkipped,
		LastAppliedTS:  r.lastAppliedTS,
	}

	if r.err != nil {
		cp.Error = r.err.Error()
	}

	return cp
}

func (r *Replay) Recover(cp *Checkpoint) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.err != nil {
		return errors.Wrap(r.err, "cannot recover due an existing error")
	}

	if !r.startTime.IsZero() {
		return errors.New("cannot recover: already used")
	}

	pauseTime := cp.PauseTime
	if pauseTime.IsZero() {
		pauseTime = time.Now()
	}

	r.startTime = cp.StartTime
	r.pauseTime = pauseTime
	r.entriesApplied = cp.EntriesApplied
	r.entriesSkipped = cp.EntriesSkipped
	r.entriesRead.Store(cp.EntriesApplied + cp.EntriesSkipped)
	r.lastAppliedTS = cp.LastAppliedTS

	if cp.Error != "" {
		r.err = errors.New(cp.Error)
	}

	return nil
}

// Status returns the current replay status.
func (r *Replay) Status() Status {
	r.lock.Lock()
	defer r.lock.Unlock()

	s := Status{
		LastAppliedTS:  r.lastAppliedTS,
		EntriesRead:    r.entriesRead.Load(),
		EntriesApplied: r.entriesApplied,
		EntriesSkipped: r.entriesSkipped,

		StartTime: r.startTime,
		PauseTime: r.pauseTime,

		Err: r.err,
	}

	if r.tail != nil {
		s.Stream = r.tail.Status()
	}

	return s
}

// ResetError clears any error stored in the Replay instance.
func (r *Replay) ResetError() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.err = nil
}

func (r *Replay) Done() <-chan struct{} {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.doneCh
}

// Start begins replaying entries strictly after the given timestamp. A zero
// timestamp starts from the oldest retained oplog record.
func (r *Replay) Start(_ context.Context, startAt bson.Timestamp) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.err != nil {
		return errors.Wrap(r.err, "cannot start due an existing error")
	}

	if !r.startTime.IsZero() {
		return errors.New("already started")
	}

	r.tail = oplog.NewTail(r.source)

	go r.run(r.tail, startAt)

	r.startTime = time.Now()

	log.New("replay").With(log.OpTime(startAt.T, startAt.I)).
		Info("Oplog replay started")

	return nil
}

// Pause pauses the oplog replay.
func (r *Replay) Pause(context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.startTime.IsZero() {
		return errors.New("not running")
	}

	if r.pausing {
		return errors.New("already pausing")
	}

	if !r.pauseTime.IsZero() {
		return errors.New("already paused")
	}

	r.doPause()

	return nil
}

func (r *Replay) doPause() {
	if r.pausing {
		return
	}

	r.pausing = true
	doneCh := r.doneCh

	go func() {
		log.New("replay").Debug("Oplog replay is pausing")

		r.pauseCh <- struct{}{}
		<-doneCh

		r.lock.Lock()
		r.pauseTime = time.Now()
		r.pausing = false
		optime := r.lastAppliedTS
		r.lock.Unlock()

		log.New("replay").
			With(log.OpTime(optime.T, optime.I)).
			Info("Oplog replay paused")
	}()
}

func (r *Replay) setFailed(err error, msg string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.err == nil {
		r.err = err
	}

	log.New("replay").Error(err, msg)

	r.doPause()
}

func (r *Replay) Resume(context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	log.New("replay").Debug("Oplog replay is resuming")

	if r.startTime.IsZero() {
		return errors.New("not started")
	}

	if r.pausing {
		return errors.New("pausing")
	}

	if r.pauseTime.IsZero() {
		return errors.New("not paused")
	}

	r.pauseTime = time.Time{}
	r.doneCh = make(chan struct{})
	r.tail = oplog.NewTail(r.source)

	go r.run(r.tail, r.lastAppliedTS)

	log.New("replay").With(log.OpTime(r.lastAppliedTS.T, r.lastAppliedTS.I)).
		Info("Oplog replay resumed")

	return nil
}

// streamItem carries one decoded entry, or the decode failure, from the
// reader goroutine to the apply loop.
type streamItem struct {
	entry *oplog.Entry
	err   error
}

// readEntries opens the tail and feeds decoded entries into entryCh until the
// context is canceled or the stream fails fatally.
func (r *Replay) readEntries(
	ctx context.Context,
	tail *oplog.Tail,
	startAt bson.Timestamp,
	entryCh chan<- *streamItem,
) error {
	err := tail.Open(ctx, startAt)
	if err != nil {
		return errors.Wrap(err, "open")
	}

	defer func() {
		err := tail.Close(context.Background())
		if err != nil {
			log.New("replay:read").Error(err, "Close oplog stream")
		}
	}()

	for {
		raw, err := tail.Next(ctx)
		if err != nil {
			return err
		}

		r.entriesRead.Add(1)
		metrics.IncEntriesRead()

		item := &streamItem{}
		item.entry, item.err = oplog.Decode(raw)

		select {
		case entryCh <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Replay) run(tail *oplog.Tail, startAt bson.Timestamp) {
	defer close(r.doneCh)

	ctx := context.Background()
	entryCh := make(chan *streamItem, config.ReplayQueueSize)

	go func() {
		defer close(entryCh)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			<-r.pauseCh
			cancel()
		}()

		err := r.readEntries(ctx, tail, startAt, entryCh)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.setFailed(err, "Tail oplog")
		}
	}()

	r.lastReportAt = time.Now()

	for item := range entryCh {
		metrics.SetQueueSize(len(entryCh))

		if !r.process(ctx, item) {
			return
		}
	}
}

// process handles a single entry end to end: policy checks, hooks, apply and
// checkpoint. It returns false when the replay must stop.
func (r *Replay) process(ctx context.Context, item *streamItem) bool {
	if item.err != nil {
		return r.processMalformed(ctx, item.err)
	}

	entry := item.entry
	ts := entry.TS
	db, coll := entry.Namespace()

	if entry.Op == oplog.Noop {
		return r.skip(ctx, ts, "noop")
	}

	// Cluster-scoped commands (applyOps, cross-database renameCollection)
	// arrive on admin.$cmd and pass through to the allow-list check.
	if isInternalDB(db) && (entry.Op != oplog.Command || db != "admin") {
		return r.skip(ctx, ts, "filtered")
	}

	if entry.Op == oplog.Command {
		if proceed, ok := r.checkCommand(ctx, entry, db); !proceed {
			return ok
		}
	} else {
		if strings.HasPrefix(coll, "system.") {
			if !entry.IsSystemIndexes() || entry.Op != oplog.Insert || !r.options.ReplayIndexes {
				return r.skip(ctx, ts, "filtered")
			}
		} else if !r.nsFilter(db, coll) {
			return r.skip(ctx, ts, "filtered")
		}
	}

	if r.options.Filter != nil && !r.options.Filter(entry) {
		return r.skip(ctx, ts, "filtered")
	}

	if r.options.Transform != nil {
		entry = r.options.Transform(entry)
		if entry == nil {
			return r.skip(ctx, ts, "filtered")
		}
	}

	err := r.apply(ctx, entry)
	if err != nil {
		metrics.IncApplyErrors()

		if r.options.OnError == config.OnErrorHalt {
			r.setFailed(err, "Apply oplog entry")

			return false
		}

		log.New("replay").With(log.OpTime(ts.T, ts.I), log.Op(string(entry.Op))).
			Warnf("Skip entry after apply failure: %v", err)

		return r.skip(ctx, ts, "error")
	}

	r.markApplied(entry)

	return r.advance(ctx, ts)
}

// processMalformed applies the decode policy: halt under strict decoding,
// otherwise skip and, when the record's timestamp is readable, advance past
// it.
func (r *Replay) processMalformed(ctx context.Context, decodeErr error) bool {
	if r.options.StrictDecode {
		r.setFailed(decodeErr, "Decode oplog entry")

		return false
	}

	log.New("replay").Warn("Skip malformed oplog entry: " + decodeErr.Error())
	r.markSkipped("decode")

	var malformed *oplog.DecodeError
	if errors.As(decodeErr, &malformed) && !malformed.TS.IsZero() {
		return r.advance(ctx, malformed.TS)
	}

	return true
}

// checkCommand applies the command allow-list and index flag. The first
// result reports whether the entry proceeds to apply; the second is the
// process return value when it does not.
func (r *Replay) checkCommand(ctx context.Context, entry *oplog.Entry, db string) (bool, bool) {
	name := entry.CommandName()

	if _, ok := silentCommands[name]; ok {
		return false, r.skip(ctx, entry.TS, "command")
	}

	if _, ok := knownCommands[name]; !ok {
		log.New("replay").With(log.OpTime(entry.TS.T, entry.TS.I)).
			Warnf("Skip unsupported command %q", name)

		return false, r.skip(ctx, entry.TS, "command")
	}

	if _, ok := indexCommands[name]; ok && !r.options.ReplayIndexes {
		return false, r.skip(ctx, entry.TS, "command")
	}

	cmdColl, _ := entry.Doc[0].Value.(string)
	if name == "renameCollection" {
		// the value is the full source namespace
		if _, c, found := strings.Cut(cmdColl, "."); found {
			cmdColl = c
		}
	}

	if cmdColl == "" {
		cmdColl = "*" // database-level command
	}

	if !r.nsFilter(db, cmdColl) {
		return false, r.skip(ctx, entry.TS, "filtered")
	}

	return true, true
}

// skip records a skipped entry and advances the checkpoint past it.
func (r *Replay) skip(ctx context.Context, ts bson.Timestamp, reason string) bool {
	r.markSkipped(reason)

	return r.advance(ctx, ts)
}

// advance durably saves the position and only then updates the in-memory
// view. A position the store cannot record is a stop condition: silently
// falling behind the durable checkpoint would break resume.
func (r *Replay) advance(ctx context.Context, ts bson.Timestamp) bool {
	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		return r.store.Save(ctx, ts)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
	if err != nil {
		r.setFailed(errors.Wrap(err, "save checkpoint"), "Save checkpoint")

		return false
	}

	r.lock.Lock()
	r.lastAppliedTS = ts
	r.lock.Unlock()

	metrics.SetLastAppliedTimestamp(ts.T)

	return true
}

func (r *Replay) markApplied(entry *oplog.Entry) {
	r.lock.Lock()
	r.entriesApplied++
	applied := r.entriesApplied
	r.lock.Unlock()

	metrics.IncEntriesApplied(string(entry.Op))

	r.maybeReport(applied, entry.TS)
}

func (r *Replay) markSkipped(reason string) {
	r.lock.Lock()
	r.entriesSkipped++
	r.lock.Unlock()

	metrics.IncEntriesSkipped(reason)
}

// maybeReport logs replay progress on the configured cadence: debug every
// ReportInterval applied entries, info every ReportIntervalInfo.
func (r *Replay) maybeReport(applied int64, ts bson.Timestamp) {
	if applied%config.ReportInterval != 0 {
		return
	}

	now := time.Now()
	lag := max(now.Unix()-int64(ts.T), 0)
	elapsed := now.Sub(r.lastReportAt)

	rate := float64(applied-r.lastReportApplied) / max(elapsed.Seconds(), 1e-9)
	r.lastReportAt = now
	r.lastReportApplied = applied

	lg := log.New("replay").With(log.Count(applied), log.Int64("lag", lag), log.Elapsed(elapsed))
	msg := "Replayed %s entries (%.0f op/s, lag %ds)"

	if applied%config.ReportIntervalInfo == 0 {
		lg.Infof(msg, humanize.Comma(applied), rate, lag)
	} else {
		lg.Debugf(msg, humanize.Comma(applied), rate, lag)
	}
}

// isInternalDB reports whether the database is MongoDB-internal or the
// tool's own bookkeeping database. Entries there are never replayed.
func isInternalDB(db string) bool {
	switch db {
	case "local", "admin", "config", config.ReplayDatabase:
		return true
	}

	return false
}
