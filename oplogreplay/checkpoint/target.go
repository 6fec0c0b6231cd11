package checkpoint

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
)

// Target persists the position in the destination cluster itself, so the
// checkpoint travels with the replayed data. Each named replay owns one
// document in the settings collection.
type Target struct {
	coll *mongo.Collection
	name string
}

// NewTarget creates a Target store for the named replay.
func NewTarget(target *mongo.Client, name string) *Target {
	return &Target{
		coll: target.Database(config.ReplayDatabase).Collection(config.CheckpointCollection),
		name: name,
	}
}

func (s *Target) docID() string {
	return s.name + "-lastts"
}

func (s *Target) Load(ctx context.Context) (bson.Timestamp, error) {
	raw, err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: s.docID()}}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return bson.Timestamp{}, nil
		}

		return bson.Timestamp{}, errors.Wrap(err, "load checkpoint")
	}

	tsVal, err := raw.LookupErr("ts")
	if err != nil {
		return bson.Timestamp{}, errors.Errorf("checkpoint %q has no ts field", s.docID())
	}

	t, i, ok := tsVal.TimestampOK()
	if !ok {
		return bson.Timestamp{}, errors.Errorf("checkpoint %q ts is not a timestamp", s.docID())
	}

	return bson.Timestamp{T: t, I: i}, nil
}

func (s *Target) Save(ctx context.Context, ts bson.Timestamp) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: s.docID()}},
		bson.D{{Key: "_id", Value: s.docID()}, {Key: "ts", Value: ts}},
		options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}

	return nil
}

// Delete removes the saved position. The next replay with this name starts
// from scratch.
func (s *Target) Delete(ctx context.Context) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: s.docID()}})
	if err != nil {
		return errors.Wrap(err, "delete checkpoint")
	}

	return nil
}
