package oplog

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
	"github.com/uberVU/mongo-oplogreplay/metrics"
	"github.com/uberVU/mongo-oplogreplay/topo"
	"github.com/uberVU/mongo-oplogreplay/util"
)

// ErrHistoryLost is returned when the capped oplog has rolled over past the
// resume point. The entries between the resume point and the oldest retained
// record are unrecoverable, so continuing would silently lose writes.
var ErrHistoryLost = errors.New("oplog history is lost")

// State is the tailing lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateTailing      State = "tailing"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Tail reads local.oplog.rs through a tailable await cursor, reconnecting
// transparently after cursor failures. Open, Next and Close must be called
// from a single goroutine. Status and LastTS are safe for concurrent use.
type Tail struct {
	source *mongo.Client

	cur *mongo.Cursor

	lock       sync.Mutex
	state      State
	lastTS     bson.Timestamp
	reconnects int64
}

// TailStatus is a point-in-time view of the tailing state.
type TailStatus struct {
	State      State
	LastTS     bson.Timestamp
	Reconnects int64
}

// NewTail creates a Tail reading the source cluster's oplog.
func NewTail(source *mongo.Client) *Tail {
	return &Tail{source: source, state: StateIdle}
}

// Open positions the stream strictly after the given timestamp. A zero
// timestamp starts from the oldest retained record. Open fails with
// [ErrHistoryLost] when the oplog no longer covers the resume point; any
// other failure is deferred to Next's reconnect path, which retries from the
// same position.
func (t *Tail) Open(ctx context.Context, after bson.Timestamp) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.state != StateIdle {
		return errors.New("already open")
	}

	err := t.open(ctx, after)
	switch {
	case errors.Is(err, ErrHistoryLost), errors.Is(err, context.Canceled):
		return err
	case err != nil:
		log.New("oplog").Error(err, "Open oplog cursor")
	}

	t.lastTS = after
	t.state = StateTailing

	return nil
}

// Next returns the next raw oplog record, blocking until one is available.
// Cursor failures trigger reconnection. [ErrHistoryLost] and context
// cancellation are terminal: the stream is closed before returning.
func (t *Tail) Next(ctx context.Context) (bson.Raw, error) {
	if state := t.State(); state == StateIdle || state == StateStopped {
		return nil, errors.Errorf("stream is %s", state)
	}

	for {
		if err := ctx.Err(); err != nil {
			t.stop()

			return nil, err
		}

		if t.cur == nil {
			err := t.reconnect(ctx)
			if err != nil {
				if errors.Is(err, ErrHistoryLost) || errors.Is(err, context.Canceled) {
					t.stop()

					return nil, err
				}

				log.New("oplog").Error(err, "Reconnect to the oplog")

				continue
			}
		}

		if t.cur.TryNext(ctx) {
			raw := make(bson.Raw, len(t.cur.Current))
			copy(raw, t.cur.Current)

			ts, err := lookupTimestamp(raw)
			if err == nil {
				t.setLastTS(ts)
			}

			return raw, nil
		}

		err := t.cur.Err()
		if err == nil && t.cur.ID() != 0 {
			continue // the await interval expired without new entries
		}

		if errors.Is(err, context.Canceled) {
			t.stop()

			return nil, err
		}

		t.closeCursor()

		if topo.IsCappedPositionLost(err) {
			t.stop()

			return nil, ErrHistoryLost
		}

		if err != nil {
			log.New("oplog").Error(err, "Oplog cursor failed")
		}
	}
}

// Close terminates the stream. Subsequent Next calls fail.
func (t *Tail) Close(context.Context) error {
	t.closeCursor()
	t.stop()

	return nil
}

// LastTS returns the timestamp of the last delivered record, or the resume
// point when nothing has been delivered yet.
func (t *Tail) LastTS() bson.Timestamp {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.lastTS
}

// State returns the current lifecycle state.
func (t *Tail) State() State {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.state
}

// Status returns a snapshot of the tailing state.
func (t *Tail) Status() TailStatus {
	t.lock.Lock()
	defer t.lock.Unlock()

	return TailStatus{
		State:      t.state,
		LastTS:     t.lastTS,
		Reconnects: t.reconnects,
	}
}

func (t *Tail) collection() *mongo.Collection {
	return t.source.Database(config.OplogDatabase).Collection(config.OplogCollection)
}

// open verifies the oplog still covers the resume point and creates the
// tailable cursor.
func (t *Tail) open(ctx context.Context, after bson.Timestamp) error {
	if !after.IsZero() {
		oldest, err := t.oldest(ctx)
		if err != nil {
			return errors.Wrap(err, "check oplog head")
		}

		if oldest.After(after) {
			return ErrHistoryLost
		}
	}

	filter := bson.D{}
	if !after.IsZero() {
		filter = bson.D{{Key: "ts", Value: bson.D{{Key: "$gt", Value: after}}}}
	}

	cur, err := t.collection().Find(ctx, filter, options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(config.OplogAwaitTime).
		SetBatchSize(config.OplogBatchSize))
	if err != nil {
		return errors.Wrap(err, "open cursor")
	}

	t.cur = cur

	return nil
}

// oldest returns the timestamp of the oldest retained oplog record.
func (t *Tail) oldest(ctx context.Context) (bson.Timestamp, error) {
	raw, err := t.collection().
		FindOne(ctx, bson.D{}, options.FindOne().SetSort(bson.D{{Key: "$natural", Value: 1}})).
		Raw()
	if err != nil {
		return bson.Timestamp{}, err
	}

	return lookupTimestamp(raw)
}

// reconnect waits the backoff interval and reopens the cursor strictly after
// the last delivered timestamp.
func (t *Tail) reconnect(ctx context.Context) error {
	t.lock.Lock()
	t.state = StateReconnecting
	t.reconnects++
	after := t.lastTS
	t.lock.Unlock()

	metrics.IncReconnects()

	timer := time.NewTimer(config.ReconnectInterval)
	select {
	case <-ctx.Done():
		timer.Stop()

		return ctx.Err()
	case <-timer.C:
	}

	err := t.open(ctx, after)
	if err != nil {
		return err
	}

	t.setState(StateTailing)

	log.New("oplog").With(log.OpTime(after.T, after.I)).
		Info("Reconnected to the oplog")

	return nil
}

func (t *Tail) closeCursor() {
	if t.cur == nil {
		return
	}

	err := util.CtxWithTimeout(context.Background(), config.CloseCursorTimeout, t.cur.Close)
	if err != nil {
		log.New("oplog").Error(err, "Close oplog cursor")
	}

	t.cur = nil
}

func (t *Tail) stop() {
	t.setState(StateStopped)
}

func (t *Tail) setState(state State) {
	t.lock.Lock()
	t.state = state
	t.lock.Unlock()
}

func (t *Tail) setLastTS(ts bson.Timestamp) {
	t.lock.Lock()
	t.lastTS = ts
	t.lock.Unlock()
}
