// Package checkpoint persists the last applied oplog timestamp so that a
// restarted replay resumes strictly after it.
package checkpoint

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store loads and saves the replay position. Load returns a zero timestamp
// when no position has been saved yet.
type Store interface {
	Load(ctx context.Context) (bson.Timestamp, error)
	Save(ctx context.Context, ts bson.Timestamp) error
}
