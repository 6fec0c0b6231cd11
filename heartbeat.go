package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
)

// StopHeartbeat stops the heartbeat loop and removes the liveness document.
type StopHeartbeat func(ctx context.Context) error

// heartbeatDoc marks a live oplogreplay process for a pairing. Two processes
// replaying the same pairing would double-apply and fight over the
// checkpoint, so startup refuses when a fresh heartbeat from another
// instance exists.
type heartbeatDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceID"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

func heartbeatCollection(target *mongo.Client) *mongo.Collection {
	return target.Database(config.ReplayDatabase).Collection(config.CheckpointCollection)
}

func heartbeatID(name string) string {
	return name + "-heartbeat"
}

// RunHeartbeat claims the pairing and keeps the liveness document fresh
// until the returned StopHeartbeat is called.
func RunHeartbeat(ctx context.Context, target *mongo.Client, name string) (StopHeartbeat, error) {
	coll := heartbeatCollection(target)
	instanceID := uuid.NewString()

	var existing heartbeatDoc

	err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: heartbeatID(name)}}).Decode(&existing)
	if err == nil {
		age := time.Since(existing.UpdatedAt)
		if age < 2*config.HeartbeatInterval {
			return nil, errors.Errorf("another instance %q is replaying %q (heartbeat %s ago)",
				existing.InstanceID, name, age.Round(time.Second))
		}

		log.Ctx(ctx).Warnf("Taking over stale heartbeat of %q (last seen %s ago)",
			existing.InstanceID, age.Round(time.Second))
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrap(err, "read heartbeat")
	}

	err = beat(ctx, coll, name, instanceID)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	go func() {
		t := time.NewTicker(config.HeartbeatInterval)
		defer t.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return

			case <-t.C:
			}

			err := beat(loopCtx, coll, name, instanceID)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.New("heartbeat").Error(err, "update heartbeat")
			}
		}
	}()

	stop := func(ctx context.Context) error {
		cancel()

		return DeleteHeartbeat(ctx, target, name)
	}

	return stop, nil
}

func beat(ctx context.Context, coll *mongo.Collection, name, instanceID string) error {
	doc := heartbeatDoc{
		ID:         heartbeatID(name),
		InstanceID: instanceID,
		UpdatedAt:  time.Now().UTC(),
	}

	_, err := coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.ID}}, doc,
		options.Replace().SetUpsert(true))

	return errors.Wrap(err, "write heartbeat")
}

// DeleteHeartbeat removes the liveness document.
func DeleteHeartbeat(ctx context.Context, target *mongo.Client, name string) error {
	_, err := heartbeatCollection(target).DeleteOne(ctx, bson.D{{Key: "_id", Value: heartbeatID(name)}})

	return errors.Wrap(err, "delete heartbeat")
}
