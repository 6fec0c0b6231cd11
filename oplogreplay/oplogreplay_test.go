package oplogreplay //nolint:testpackage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/checkpoint"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/replay"
)

func TestNew(t *testing.T) {
	t.Parallel()

	o := New(nil, nil, checkpoint.NewMemory())

	assert.Equal(t, State(StateIdle), o.state)
	assert.NotNil(t, o.store)
	assert.NotNil(t, o.onStateChanged, "onStateChanged should be initialized to non-nil")

	assert.NotPanics(t, func() {
		o.onStateChanged(StateRunning)
	}, "onStateChanged should be callable without panic")
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when idle", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		data, err := o.Checkpoint(context.Background())

		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("returns valid BSON when paused", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StatePaused
		o.nsInclude = []string{"db1.*", "db2.coll"}
		o.nsExclude = []string{"db1.excluded"}
		o.startTS = bson.Timestamp{T: 50, I: 1}
		o.replay = &mockReplayer{checkpoint: &replay.Checkpoint{
			StartTime:      time.Now(),
			LastAppliedTS:  bson.Timestamp{T: 99, I: 3},
			EntriesApplied: 42,
		}}

		data, err := o.Checkpoint(context.Background())

		require.NoError(t, err)
		require.NotNil(t, data)

		var cp recovery
		require.NoError(t, bson.Unmarshal(data, &cp))

		assert.Equal(t, State(StatePaused), cp.State)
		assert.Equal(t, []string{"db1.*", "db2.coll"}, cp.NSInclude)
		assert.Equal(t, []string{"db1.excluded"}, cp.NSExclude)
		assert.Equal(t, bson.Timestamp{T: 50, I: 1}, cp.StartTS)
		require.NotNil(t, cp.Replay)
		assert.Equal(t, bson.Timestamp{T: 99, I: 3}, cp.Replay.LastAppliedTS)
		assert.Equal(t, int64(42), cp.Replay.EntriesApplied)
	})

	t.Run("includes error when present", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateFailed
		o.err = errors.New("test error")
		o.replay = &mockReplayer{}

		data, err := o.Checkpoint(context.Background())

		require.NoError(t, err)

		var cp recovery
		require.NoError(t, bson.Unmarshal(data, &cp))
		assert.Equal(t, "test error", cp.Error)
	})
}

func TestRecover(t *testing.T) {
	t.Parallel()

	marshal := func(t *testing.T, cp recovery) []byte {
		t.Helper()

		data, err := bson.Marshal(cp)
		require.NoError(t, err)

		return data
	}

	t.Run("fails when not idle", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateRunning

		err := o.Recover(context.Background(), marshal(t, recovery{State: StatePaused}))
		require.Error(t, err)
	})

	t.Run("stopped pairing recovers as fresh", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		err := o.Recover(context.Background(), marshal(t, recovery{State: StateStopped}))
		require.NoError(t, err)
		assert.Equal(t, State(StateIdle), o.state)
		assert.Nil(t, o.replay)
	})

	t.Run("paused pairing restores state", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		cp := recovery{
			State:     StatePaused,
			NSInclude: []string{"shop.*"},
			NSExclude: []string{"shop.cache"},
			StartTS:   bson.Timestamp{T: 10, I: 1},
			Replay: &replay.Checkpoint{
				StartTime:      time.Now().Add(-time.Hour),
				PauseTime:      time.Now().Add(-time.Minute),
				LastAppliedTS:  bson.Timestamp{T: 77, I: 2},
				EntriesApplied: 7,
			},
		}

		err := o.Recover(context.Background(), marshal(t, cp))
		require.NoError(t, err)

		assert.Equal(t, State(StatePaused), o.state)
		assert.Equal(t, []string{"shop.*"}, o.nsInclude)
		assert.Equal(t, []string{"shop.cache"}, o.nsExclude)
		assert.NotNil(t, o.nsFilter)
		require.NotNil(t, o.replay)

		replayStatus := o.replay.Status()
		assert.True(t, replayStatus.IsPaused())
		assert.Equal(t, bson.Timestamp{T: 77, I: 2}, replayStatus.LastAppliedTS)
	})

	t.Run("restores failure", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		cp := recovery{
			State: StateFailed,
			Error: "apply failed",
			Replay: &replay.Checkpoint{
				StartTime: time.Now().Add(-time.Hour),
				Error:     "apply failed",
			},
		}

		err := o.Recover(context.Background(), marshal(t, cp))
		require.NoError(t, err)

		assert.Equal(t, State(StateFailed), o.state)
		require.Error(t, o.err)
		assert.Equal(t, "apply failed", o.err.Error())
	})

	t.Run("garbage data fails", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		err := o.Recover(context.Background(), []byte("not bson"))
		require.Error(t, err)
		assert.Equal(t, State(StateIdle), o.state)
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("idle", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		s := o.Status(context.Background())
		assert.Equal(t, State(StateIdle), s.State)
		assert.NoError(t, s.Error)
	})

	t.Run("failed reports error without source round trip", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateFailed
		o.err = errors.New("boom")
		o.replay = &mockReplayer{status: replay.Status{
			StartTime:      time.Now().Add(-time.Minute),
			LastAppliedTS:  bson.Timestamp{T: 5, I: 1},
			EntriesApplied: 3,
		}}

		s := o.Status(context.Background())

		assert.Equal(t, State(StateFailed), s.State)
		require.Error(t, s.Error)
		assert.Equal(t, int64(3), s.Replay.EntriesApplied)
	})
}

func TestPause(t *testing.T) {
	t.Parallel()

	t.Run("pauses a running replay", func(t *testing.T) {
		t.Parallel()

		stateCh := make(chan State, 1)

		mock := &mockReplayer{status: replay.Status{StartTime: time.Now()}}

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateRunning
		o.replay = mock
		o.SetOnStateChanged(func(s State) { stateCh <- s })

		require.NoError(t, o.Pause(context.Background()))

		assert.Equal(t, State(StatePaused), o.state)
		assert.True(t, mock.pauseCalled)

		select {
		case s := <-stateCh:
			assert.Equal(t, State(StatePaused), s)
		case <-time.After(time.Second):
			t.Fatal("onStateChanged was not called")
		}
	})

	t.Run("fails when not running", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		require.Error(t, o.Pause(context.Background()))
	})

	t.Run("propagates replay pause failure", func(t *testing.T) {
		t.Parallel()

		mock := &mockReplayer{
			status:   replay.Status{StartTime: time.Now()},
			pauseErr: errors.New("pause failed"),
		}

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateRunning
		o.replay = mock

		require.Error(t, o.Pause(context.Background()))
		assert.Equal(t, State(StateRunning), o.state)
	})
}

func TestResume(t *testing.T) {
	t.Parallel()

	t.Run("fails when not paused", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateRunning

		require.Error(t, o.Resume(context.Background(), ResumeOptions{}))
	})

	t.Run("failed state requires from-failure", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StateFailed
		o.err = errors.New("boom")
		o.replay = &mockReplayer{}

		require.Error(t, o.Resume(context.Background(), ResumeOptions{}))
	})

	t.Run("replay resume failure surfaces as failed state", func(t *testing.T) {
		t.Parallel()

		stateCh := make(chan State, 2)

		mock := &mockReplayer{
			status: replay.Status{
				StartTime: time.Now().Add(-time.Hour),
				PauseTime: time.Now().Add(-time.Minute),
			},
			resumeErr: errors.New("source is gone"),
		}

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StatePaused
		o.replay = mock
		o.SetOnStateChanged(func(s State) { stateCh <- s })

		require.NoError(t, o.Resume(context.Background(), ResumeOptions{}))

		// run() notices the resume failure asynchronously
		deadline := time.After(2 * time.Second)
		for {
			select {
			case s := <-stateCh:
				if s != StateFailed {
					continue
				}

				o.lock.Lock()
				err := o.err
				o.lock.Unlock()

				require.Error(t, err)
				assert.True(t, mock.resumeCalled)

				return
			case <-deadline:
				t.Fatal("replay never entered the failed state")
			}
		}
	})
}

func TestStop(t *testing.T) {
	t.Parallel()

	t.Run("fails when idle", func(t *testing.T) {
		t.Parallel()

		o := New(nil, nil, checkpoint.NewMemory())

		require.Error(t, o.Stop(context.Background()))
	})

	t.Run("stops a paused replay", func(t *testing.T) {
		t.Parallel()

		stateCh := make(chan State, 1)

		o := New(nil, nil, checkpoint.NewMemory())
		o.state = StatePaused
		o.replay = &mockReplayer{status: replay.Status{
			StartTime:     time.Now().Add(-time.Hour),
			PauseTime:     time.Now(),
			LastAppliedTS: bson.Timestamp{T: 12, I: 1},
		}}
		o.SetOnStateChanged(func(s State) { stateCh <- s })

		require.NoError(t, o.Stop(context.Background()))
		assert.Equal(t, State(StateStopped), o.state)

		select {
		case s := <-stateCh:
			assert.Equal(t, State(StateStopped), s)
		case <-time.After(time.Second):
			t.Fatal("onStateChanged was not called")
		}

		// stopped is terminal
		require.Error(t, o.Start(context.Background(), nil))
		require.Error(t, o.Stop(context.Background()))
	})
}

func TestSetOnStateChanged(t *testing.T) {
	t.Parallel()

	o := New(nil, nil, checkpoint.NewMemory())

	o.SetOnStateChanged(nil)
	require.NotNil(t, o.onStateChanged)

	assert.NotPanics(t, func() { o.onStateChanged(StateFailed) })
}
