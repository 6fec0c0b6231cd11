package oplogreplay //nolint:testpackage

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/uberVU/mongo-oplogreplay/oplogreplay/replay"
)

// mockReplayer is a test double for the Replayer interface.
type mockReplayer struct {
	doneCh     chan struct{}
	status     replay.Status
	checkpoint *replay.Checkpoint

	startErr   error
	pauseErr   error
	resumeErr  error
	recoverErr error

	startCalled      bool
	pauseCalled      bool
	resumeCalled     bool
	resetErrorCalled bool
}

func (m *mockReplayer) Start(context.Context, bson.Timestamp) error {
	m.startCalled = true

	return m.startErr
}

func (m *mockReplayer) Pause(context.Context) error {
	m.pauseCalled = true

	return m.pauseErr
}

func (m *mockReplayer) Resume(context.Context) error {
	m.resumeCalled = true

	return m.resumeErr
}

func (m *mockReplayer) Done() <-chan struct{} { return m.doneCh }

func (m *mockReplayer) Status() replay.Status { return m.status }

func (m *mockReplayer) Checkpoint() *replay.Checkpoint { return m.checkpoint }

func (m *mockReplayer) Recover(*replay.Checkpoint) error { return m.recoverErr }

func (m *mockReplayer) ResetError() { m.resetErrorCalled = true }
