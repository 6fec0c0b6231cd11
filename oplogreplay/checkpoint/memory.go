package checkpoint

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Memory keeps the position in process memory. It is lost on restart, which
// makes it suitable for tests and fire-and-forget replays only.
type Memory struct {
	lock sync.Mutex
	ts   bson.Timestamp
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Load(context.Context) (bson.Timestamp, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.ts, nil
}

func (s *Memory) Save(_ context.Context, ts bson.Timestamp) error {
	s.lock.Lock()
	s.ts = ts
	s.lock.Unlock()

	return nil
}
