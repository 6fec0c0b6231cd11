package replay //nolint:testpackage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/checkpoint"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/oplog"
	"github.com/uberVU/mongo-oplogreplay/sel"
)

// makeTestReplay builds a Replay whose pause machinery completes without a
// running apply loop, so policy paths that call setFailed can be exercised
// directly.
func makeTestReplay(store checkpoint.Store, nsFilter sel.NSFilter, opts *Options) *Replay {
	r := New(nil, nil, store, nsFilter, opts)
	r.pauseCh = make(chan struct{}, 1)
	close(r.doneCh)

	return r
}

func makeEntry(op oplog.OpType, ns string, t uint32) *oplog.Entry {
	return &oplog.Entry{
		TS:  bson.Timestamp{T: t, I: 1},
		Op:  op,
		NS:  ns,
		Doc: bson.D{{Key: "_id", Value: int32(1)}},
	}
}

func makeCommandEntry(ns string, t uint32, body bson.D) *oplog.Entry {
	return &oplog.Entry{
		TS:  bson.Timestamp{T: t, I: 1},
		Op:  oplog.Command,
		NS:  ns,
		Doc: body,
	}
}

func TestProcess_SkippedEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    *Options
		include []string
		item    *streamItem
		advance bool
	}{
		{
			name:    "noop",
			item:    &streamItem{entry: makeEntry(oplog.Noop, "", 10)},
			advance: true,
		},
		{
			name:    "local database",
			item:    &streamItem{entry: makeEntry(oplog.Insert, "local.startup_log", 11)},
			advance: true,
		},
		{
			name:    "config database",
			item:    &streamItem{entry: makeEntry(oplog.Insert, "config.transactions", 12)},
			advance: true,
		},
		{
			name:    "bookkeeping database",
			item:    &streamItem{entry: makeEntry(oplog.Insert, "oplogreplay.settings", 13)},
			advance: true,
		},
		{
			name:    "system collection",
			item:    &streamItem{entry: makeEntry(oplog.Insert, "shop.system.users", 14)},
			advance: true,
		},
		{
			name:    "system.indexes without index replay",
			item:    &streamItem{entry: makeEntry(oplog.Insert, "shop.system.indexes", 15)},
			advance: true,
		},
		{
			name:    "excluded namespace",
			include: []string{"shop.orders"},
			item:    &streamItem{entry: makeEntry(oplog.Insert, "shop.carts", 16)},
			advance: true,
		},
		{
			name: "filter hook rejects",
			opts: &Options{Filter: func(*oplog.Entry) bool { return false }},
			item: &streamItem{entry: makeEntry(oplog.Insert, "shop.orders", 17)},

			advance: true,
		},
		{
			name: "transform drops",
			opts: &Options{Transform: func(*oplog.Entry) *oplog.Entry { return nil }},
			item: &streamItem{entry: makeEntry(oplog.Insert, "shop.orders", 18)},

			advance: true,
		},
		{
			name: "unknown command",
			item: &streamItem{entry: makeCommandEntry("shop.$cmd", 19,
				bson.D{{Key: "shardCollection", Value: "shop.orders"}})},
			advance: true,
		},
		{
			name: "index build lifecycle command",
			item: &streamItem{entry: makeCommandEntry("shop.$cmd", 20,
				bson.D{{Key: "commitIndexBuild", Value: "orders"}})},
			advance: true,
		},
		{
			name: "index command without index replay",
			item: &streamItem{entry: makeCommandEntry("shop.$cmd", 21,
				bson.D{{Key: "dropIndexes", Value: "orders"}, {Key: "index", Value: "x_1"}})},
			advance: true,
		},
		{
			name:    "command on excluded namespace",
			include: []string{"shop.orders"},
			item: &streamItem{entry: makeCommandEntry("shop.$cmd", 22,
				bson.D{{Key: "create", Value: "carts"}})},
			advance: true,
		},
		{
			name:    "database-level command with collection include",
			include: []string{"shop.orders"},
			item: &streamItem{entry: makeCommandEntry("shop.$cmd", 23,
				bson.D{{Key: "dropDatabase", Value: int32(1)}})},
			advance: true,
		},
		{
			name: "malformed entry with readable timestamp",
			item: &streamItem{err: &oplog.DecodeError{
				TS:     bson.Timestamp{T: 24, I: 1},
				Reason: "missing op field",
			}},
			advance: true,
		},
		{
			name:    "malformed entry without timestamp",
			item:    &streamItem{err: &oplog.DecodeError{Reason: "missing ts field"}},
			advance: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &recordingStore{}
			r := makeTestReplay(store, sel.MakeFilter(tt.include, nil), tt.opts)

			ok := r.process(t.Context(), tt.item)
			require.True(t, ok, "skipped entries must not stop the replay")

			status := r.Status()
			assert.Equal(t, int64(1), status.EntriesSkipped)
			assert.Zero(t, status.EntriesApplied)

			if tt.advance {
				var wantTS bson.Timestamp
				if tt.item.entry != nil {
					wantTS = tt.item.entry.TS
				} else {
					var malformed *oplog.DecodeError
					require.ErrorAs(t, tt.item.err, &malformed)
					wantTS = malformed.TS
				}

				assert.Equal(t, wantTS, store.last(), "checkpoint must advance past the skip")
				assert.Equal(t, wantTS, status.LastAppliedTS)
			} else {
				assert.Empty(t, store.saved, "checkpoint must not advance")
			}
		})
	}
}

func TestProcess_StrictDecodeHalts(t *testing.T) {
	t.Parallel()

	r := makeTestReplay(&recordingStore{}, sel.AllowAll, &Options{StrictDecode: true})

	item := &streamItem{err: &oplog.DecodeError{
		TS:     bson.Timestamp{T: 30, I: 1},
		Reason: "op field is not a string",
	}}

	ok := r.process(t.Context(), item)
	require.False(t, ok, "strict decode must stop the replay")

	status := r.Status()
	require.Error(t, status.Err)
	assert.True(t, oplog.IsDecodeError(status.Err))
}

func TestProcess_CheckpointSaveFailureHalts(t *testing.T) {
	t.Parallel()

	saveErr := errors.New("disk full")
	r := makeTestReplay(&failingStore{err: saveErr}, sel.AllowAll, nil)

	ok := r.process(t.Context(), &streamItem{entry: makeEntry(oplog.Noop, "", 40)})
	require.False(t, ok, "an unsaveable position must stop the replay")

	status := r.Status()
	require.Error(t, status.Err)
	assert.ErrorIs(t, status.Err, saveErr)
	assert.True(t, status.LastAppliedTS.IsZero(),
		"in-memory position must not run ahead of the durable checkpoint")
}

func TestReplay_LifecycleGuards(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, checkpoint.NewMemory(), nil, nil)

	require.Error(t, r.Pause(t.Context()), "pause before start must fail")
	require.Error(t, r.Resume(t.Context()), "resume before start must fail")

	status := r.Status()
	assert.False(t, status.IsStarted())
	assert.False(t, status.IsRunning())
	assert.False(t, status.IsPaused())
}

func TestReplay_CheckpointAndRecover(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, checkpoint.NewMemory(), nil, nil)
	assert.Nil(t, r.Checkpoint(), "idle replay has nothing to checkpoint")

	cp := &Checkpoint{
		StartTime:      time.Now().Add(-time.Hour),
		EntriesApplied: 100,
		EntriesSkipped: 7,
		LastAppliedTS:  bson.Timestamp{T: 50, I: 2},
	}

	require.NoError(t, r.Recover(cp))

	status := r.Status()
	assert.True(t, status.IsStarted())
	assert.True(t, status.IsPaused(), "recovered replay starts paused")
	assert.Equal(t, int64(100), status.EntriesApplied)
	assert.Equal(t, int64(7), status.EntriesSkipped)
	assert.Equal(t, int64(107), status.EntriesRead)
	assert.Equal(t, bson.Timestamp{T: 50, I: 2}, status.LastAppliedTS)

	require.Error(t, r.Recover(cp), "recover must be usable only once")

	out := r.Checkpoint()
	require.NotNil(t, out)
	assert.Equal(t, cp.EntriesApplied, out.EntriesApplied)
	assert.Equal(t, cp.LastAppliedTS, out.LastAppliedTS)
}

func TestReplay_RecoverWithError(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, checkpoint.NewMemory(), nil, nil)

	require.NoError(t, r.Recover(&Checkpoint{
		StartTime:     time.Now(),
		LastAppliedTS: bson.Timestamp{T: 60, I: 1},
		Error:         "apply failed",
	}))

	status := r.Status()
	require.Error(t, status.Err)
	assert.Equal(t, "apply failed", status.Err.Error())

	require.Error(t, r.Start(t.Context(), bson.Timestamp{}),
		"start must fail while an error is recorded")

	r.ResetError()
	assert.NoError(t, r.Status().Err)
}
