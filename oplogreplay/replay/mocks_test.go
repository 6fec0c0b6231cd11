package replay //nolint:testpackage

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// failingStore is a checkpoint store whose saves always fail.
type failingStore struct {
	err error
}

func (s *failingStore) Load(context.Context) (bson.Timestamp, error) {
	return bson.Timestamp{}, nil
}

func (s *failingStore) Save(context.Context, bson.Timestamp) error {
	return s.err
}

// recordingStore remembers every saved position.
type recordingStore struct {
	lock  sync.Mutex
	saved []bson.Timestamp
}

func (s *recordingStore) Load(context.Context) (bson.Timestamp, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.saved) == 0 {
		return bson.Timestamp{}, nil
	}

	return s.saved[len(s.saved)-1], nil
}

func (s *recordingStore) Save(_ context.Context, ts bson.Timestamp) error {
	s.lock.Lock()
	s.saved = append(s.saved, ts)
	s.lock.Unlock()

	return nil
}

func (s *recordingStore) last() bson.Timestamp {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.saved) == 0 {
		return bson.Timestamp{}
	}

	return s.saved[len(s.saved)-1]
}
