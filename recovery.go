package main

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay"
)

// recoveryDoc is the persisted pairing state. It lives next to the
// checkpoint in the target's settings collection so a restarted process can
// pick up a paused or failed replay where it left off.
type recoveryDoc struct {
	ID        string    `bson:"_id"`
	Data      bson.Raw  `bson:"data"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func recoveryCollection(target *mongo.Client) *mongo.Collection {
	return target.Database(config.ReplayDatabase).Collection(config.CheckpointCollection)
}

func recoveryID(name string) string {
	return name + "-recovery"
}

// DoCheckpoint serializes the pairing state and saves it on the target.
// An idle pairing has no state worth saving.
func DoCheckpoint(ctx context.Context, target *mongo.Client, name string, rpl *oplogreplay.OplogReplay) error {
	data, err := rpl.Checkpoint(ctx)
	if err != nil {
		return errors.Wrap(err, "checkpoint")
	}

	if data == nil {
		return nil
	}

	doc := recoveryDoc{
		ID:        recoveryID(name),
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}

	_, err = recoveryCollection(target).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.ID}}, doc,
		options.Replace().SetUpsert(true))

	return errors.Wrap(err, "save recovery data")
}

// Restore loads the saved pairing state, if any, into rpl.
func Restore(ctx context.Context, target *mongo.Client, name string, rpl *oplogreplay.OplogReplay) error {
	var doc recoveryDoc

	err := recoveryCollection(target).
		FindOne(ctx, bson.D{{Key: "_id", Value: recoveryID(name)}}).
		Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}

		return errors.Wrap(err, "load recovery data")
	}

	err = rpl.Recover(ctx, doc.Data)
	if err != nil {
		return errors.Wrap(err, "recover")
	}

	log.Ctx(ctx).Info("Recovered replay state from " + doc.UpdatedAt.Format(time.RFC3339))

	return nil
}

// RunCheckpointing periodically saves the pairing state until the context is
// canceled. State transitions save immediately via the OnStateChanged hook;
// this loop bounds how stale the saved counters can get in between.
func RunCheckpointing(ctx context.Context, target *mongo.Client, name string, rpl *oplogreplay.OplogReplay) {
	t := time.NewTicker(config.RecoveryInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
		}

		err := DoCheckpoint(ctx, target, name, rpl)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.New("checkpointing").Error(err, "save recovery data")
		}
	}
}

// DeleteRecoveryData removes the saved pairing state.
func DeleteRecoveryData(ctx context.Context, target *mongo.Client, name string) error {
	_, err := recoveryCollection(target).DeleteOne(ctx, bson.D{{Key: "_id", Value: recoveryID(name)}})

	return errors.Wrap(err, "delete recovery data")
}
