/*
Package oplogreplay replays the oplog of a source MongoDB replica set onto a
destination cluster.

This package includes the following main components:

  - OplogReplay: Manages one source→destination pairing: lifecycle, resume
    position and lag monitoring.

  - Replay: Applies decoded oplog entries to the destination in strict source
    order (subpackage replay).

  - Tail: Reads local.oplog.rs through a tailable cursor with transparent
    reconnection (subpackage oplog).

  - Store: Persists the last applied timestamp for resumption (subpackage
    checkpoint).
*/
package oplogreplay

import (
	"context"
	"math"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
	"github.com/uberVU/mongo-oplogreplay/metrics"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/checkpoint"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/replay"
	"github.com/uberVU/mongo-oplogreplay/sel"
	"github.com/uberVU/mongo-oplogreplay/topo"
)

// State represents the state of the replay pairing.
type State string

const (
	// StateFailed indicates that the replay has failed.
	StateFailed = "failed"
	// StateIdle indicates that the replay has not started.
	StateIdle = "idle"
	// StateRunning indicates that the replay is running.
	StateRunning = "running"
	// StatePaused indicates that the replay is paused.
	StatePaused = "paused"
	// StateStopped indicates that the replay has been stopped for good.
	StateStopped = "stopped"
)

type OnStateChangedFunc func(newState State)

// Replayer defines the interface for the replay component.
type Replayer interface {
	Start(ctx context.Context, startAt bson.Timestamp) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Done() <-chan struct{}
	Status() replay.Status
	Checkpoint() *replay.Checkpoint
	Recover(cp *replay.Checkpoint) error
	ResetError()
}

// Status represents the status of the replay pairing.
type Status struct {
	// State is the current state of the pairing.
	State State
	// Error is the error message if the operation failed.
	Error error

	// LagTimeSeconds is the current lag in logical seconds between the source
	// cluster time and the last applied entry.
	LagTimeSeconds int64

	// Replay is the status of the replay process.
	Replay replay.Status
}

// OplogReplay manages the replay of one source→destination pairing.
type OplogReplay struct {
	source *mongo.Client // Source MongoDB client
	target *mongo.Client // Destination MongoDB client

	store checkpoint.Store // Durable replay position

	nsInclude []string
	nsExclude []string
	nsFilter  sel.NSFilter // Namespace filter

	onStateChanged OnStateChangedFunc // onStateChanged is invoked on each state change

	state State // Current state of the pairing

	replay Replayer // Replay process

	startTS bson.Timestamp // Explicit start override

	err error

	lock sync.Mutex
}

// New creates a new OplogReplay.
func New(source, target *mongo.Client, store checkpoint.Store) *OplogReplay {
	return &OplogReplay{
		source:         source,
		target:         target,
		store:          store,
		state:          StateIdle,
		onStateChanged: func(State) {},
	}
}

// recovery is the serialized pairing state saved in the destination between
// process runs.
type recovery struct {
	NSInclude []string `bson:"nsInclude,omitempty"`
	NSExclude []string `bson:"nsExclude,omitempty"`

	StartTS bson.Timestamp `bson:"startTS,omitempty"`

	Replay *replay.Checkpoint `bson:"replay,omitempty"`

	State State  `bson:"state"`
	Error string `bson:"error,omitempty"`
}

func (o *OplogReplay) Checkpoint(context.Context) ([]byte, error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.state == StateIdle {
		return nil, nil
	}

	cp := &recovery{
		NSInclude: o.nsInclude,
		NSExclude: o.nsExclude,
		StartTS:   o.startTS,
		Replay:    o.replay.Checkpoint(),
		State:     o.state,
	}

	if o.err != nil {
		cp.Error = o.err.Error()
	}

	return bson.Marshal(cp) //nolint:wrapcheck
}

func (o *OplogReplay) Recover(ctx context.Context, data []byte) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.state != StateIdle {
		return errors.New("cannot recover: invalid state")
	}

	var cp recovery

	err := bson.Unmarshal(data, &cp)
	if err != nil {
		return errors.Wrap(err, "unmarshal")
	}

	// a cleanly stopped pairing recovers as a fresh one
	if cp.State == StateIdle || cp.State == StateStopped {
		return nil
	}

	nsFilter := sel.MakeFilter(cp.NSInclude, cp.NSExclude)
	rpl := replay.New(o.source, o.target, o.store, nsFilter, &replay.Options{})

	if cp.Replay != nil {
		err = rpl.Recover(cp.Replay)
		if err != nil {
			return errors.Wrap(err, "recover replay")
		}
	}

	o.nsInclude = cp.NSInclude
	o.nsExclude = cp.NSExclude
	o.nsFilter = nsFilter
	o.startTS = cp.StartTS
	o.replay = rpl
	o.state = cp.State

	if cp.Error != "" {
		o.err = errors.New(cp.Error)
	}

	if cp.State == StateRunning {
		return o.doResume(ctx, false)
	}

	return nil
}

// SetOnStateChanged set the f function to be called on each state change.
func (o *OplogReplay) SetOnStateChanged(f OnStateChangedFunc) {
	if f == nil {
		f = func(State) {}
	}

	o.lock.Lock()
	o.onStateChanged = f
	o.lock.Unlock()
}

// Status returns the current status of the pairing.
func (o *OplogReplay) Status(ctx context.Context) *Status {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.state == StateIdle {
		return &Status{State: StateIdle}
	}

	s := &Status{
		State:  o.state,
		Replay: o.replay.Status(),
	}

	switch {
	case o.err != nil:
		s.Error = o.err
	case s.Replay.Err != nil:
		s.Error = errors.Wrap(s.Replay.Err, "Oplog Replay")
	}

	if o.state == StateFailed {
		return s
	}

	sourceTime, err := topo.ClusterTime(ctx, o.source)
	if err != nil {
		// Do not block status if source cluster is lost
		log.New("oplogreplay").Error(err, "Status: get source cluster time")
	} else if !s.Replay.LastAppliedTS.IsZero() {
		s.LagTimeSeconds = int64(sourceTime.T) - int64(s.Replay.LastAppliedTS.T)
	}

	return s
}

func (o *OplogReplay) resetError() {
	o.err = nil
	o.replay.ResetError()
}

// StartOptions represents the options for starting the replay.
type StartOptions struct {
	// StartAt makes the replay begin strictly after this timestamp,
	// overriding the stored checkpoint. Zero means: resume from the stored
	// checkpoint, or from the beginning of the oplog when there is none.
	StartAt bson.Timestamp

	// IncludeNamespaces are the namespaces to include.
	IncludeNamespaces []string
	// ExcludeNamespaces are the namespaces to exclude.
	ExcludeNamespaces []string

	// Replay contains replay behavior options.
	Replay replay.Options
}

// Start starts the replay with the given options.
func (o *OplogReplay) Start(_ context.Context, options *StartOptions) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	switch o.state {
	case StateRunning, StateFailed:
		err := errors.New("already running")
		log.New("oplogreplay:start").Error(err, "")

		return err

	case StatePaused:
		err := errors.New("paused")
		log.New("oplogreplay:start").Error(err, "")

		return err

	case StateStopped:
		err := errors.New("stopped")
		log.New("oplogreplay:start").Error(err, "")

		return err
	}

	if options == nil {
		options = &StartOptions{}
	}

	o.nsInclude = options.IncludeNamespaces
	o.nsExclude = options.ExcludeNamespaces
	o.nsFilter = sel.MakeFilter(o.nsInclude, o.nsExclude)
	o.startTS = options.StartAt
	o.replay = replay.New(o.source, o.target, o.store, o.nsFilter, &options.Replay)
	o.state = StateRunning

	go o.run()

	return nil
}

func (o *OplogReplay) setFailed(err error) {
	o.lock.Lock()
	o.state = StateFailed
	o.err = err
	o.lock.Unlock()

	log.New("oplogreplay").Error(err, "Oplog Replay has failed")

	go o.onStateChanged(StateFailed)
}

// run executes the replay until it finishes or fails.
func (o *OplogReplay) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lg := log.New("oplogreplay")

	lg.Info("Starting Oplog Replay")

	replayStatus := o.replay.Status()
	if !replayStatus.IsStarted() {
		startAt, err := o.resumePosition(ctx)
		if err != nil {
			o.setFailed(errors.Wrap(err, "compute resume position"))

			return
		}

		err = o.replay.Start(ctx, startAt)
		if err != nil {
			o.setFailed(errors.Wrap(err, "start oplog replay"))

			return
		}
	} else {
		err := o.replay.Resume(ctx)
		if err != nil {
			o.setFailed(errors.Wrap(err, "resume oplog replay"))

			return
		}
	}

	go o.monitorLagTime(ctx)

	<-o.replay.Done()

	replayStatus = o.replay.Status()
	if replayStatus.Err != nil {
		o.setFailed(errors.Wrap(replayStatus.Err, "oplog replay"))
	}
}

// resumePosition computes where the replay resumes: an explicit start
// override wins over the stored checkpoint; with neither, the replay begins
// at the oldest retained oplog record.
func (o *OplogReplay) resumePosition(ctx context.Context) (bson.Timestamp, error) {
	o.lock.Lock()
	startTS := o.startTS
	o.lock.Unlock()

	if !startTS.IsZero() {
		log.New("oplogreplay").With(log.OpTime(startTS.T, startTS.I)).
			Info("Resuming from the explicit start position")

		return startTS, nil
	}

	ts, err := o.store.Load(ctx)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "load checkpoint")
	}

	if !ts.IsZero() {
		log.New("oplogreplay").With(log.OpTime(ts.T, ts.I)).
			Info("Resuming from the stored checkpoint")

		return ts, nil
	}

	log.New("oplogreplay").Info("No stored checkpoint. replaying from the beginning of the oplog")

	return bson.Timestamp{}, nil
}

func (o *OplogReplay) monitorLagTime(ctx context.Context) {
	lg := log.New("monitor:lag-time")

	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastPrintAt := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
		}

		sourceTS, err := topo.ClusterTime(ctx, o.source)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			lg.Error(err, "source cluster time")

			continue
		}

		replayStatus := o.replay.Status()
		timeDiff := max(int64(sourceTS.T)-int64(replayStatus.LastAppliedTS.T), 0)
		if timeDiff == 1 && replayStatus.LastAppliedTS.I == 1 {
			timeDiff = 0 // likely the periodic oplog noop. can approximate the 1 increment.
		}

		lagTime := uint32(min(timeDiff, math.MaxUint32)) //nolint:gosec
		metrics.SetLagTimeSeconds(lagTime)

		now := time.Now()
		if now.Sub(lastPrintAt) >= config.PrintLagTimeInterval {
			lg.Infof("Lag Time: %d", lagTime)
			lastPrintAt = now
		}
	}
}

// Pause pauses the replay.
func (o *OplogReplay) Pause(ctx context.Context) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	err := o.doPause(ctx)
	if err != nil {
		log.New("oplogreplay").Error(err, "Pause Oplog Replay")

		return err
	}

	log.New("oplogreplay").Info("Oplog Replay paused")

	return nil
}

func (o *OplogReplay) doPause(ctx context.Context) error {
	if o.state != StateRunning {
		return errors.New("cannot pause: not running")
	}

	replayStatus := o.replay.Status()

	if !replayStatus.IsRunning() {
		return errors.New("cannot pause: Oplog Replay is not running")
	}

	err := o.replay.Pause(ctx)
	if err != nil {
		return errors.Wrap(err, "pause replay")
	}

	o.state = StatePaused
	go o.onStateChanged(StatePaused)

	return nil
}

type ResumeOptions struct {
	ResumeFromFailure bool
}

// Resume resumes the replay.
func (o *OplogReplay) Resume(ctx context.Context, options ResumeOptions) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.state != StatePaused && (o.state != StateFailed || !options.ResumeFromFailure) {
		return errors.New("cannot resume: not paused or not resuming from failure")
	}

	err := o.doResume(ctx, options.ResumeFromFailure)
	if err != nil {
		log.New("oplogreplay").Error(err, "Resume Oplog Replay")

		return err
	}

	log.New("oplogreplay").Info("Oplog Replay resumed")

	return nil
}

func (o *OplogReplay) doResume(_ context.Context, fromFailure bool) error {
	replayStatus := o.replay.Status()

	if !replayStatus.IsStarted() && !fromFailure {
		return errors.New("cannot resume: replay is not started or not resuming from failure")
	}

	if !replayStatus.IsPaused() && fromFailure {
		return errors.New("cannot resume: replay is not paused or not resuming from failure")
	}

	o.state = StateRunning
	o.resetError()

	go o.run()
	go o.onStateChanged(StateRunning)

	return nil
}

// Stop stops the replay for good. The durable checkpoint keeps the position
// for the next process run.
func (o *OplogReplay) Stop(ctx context.Context) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	switch o.state {
	case StateIdle, StateStopped:
		return errors.New("not running")
	}

	if o.state == StateRunning {
		replayStatus := o.replay.Status()
		if replayStatus.IsRunning() {
			err := o.replay.Pause(ctx)
			if err != nil {
				return errors.Wrap(err, "pause oplog replay")
			}

			<-o.replay.Done()
		}
	}

	o.state = StateStopped
	go o.onStateChanged(StateStopped)

	log.New("oplogreplay").With(log.OpTime(o.replay.Status().LastAppliedTS.T,
		o.replay.Status().LastAppliedTS.I)).
		Info("Oplog Replay stopped")

	return nil
}
