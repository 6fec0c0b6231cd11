// Package topo provides MongoDB connection helpers and error
// classification shared by the tailing and replay layers.
package topo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/util"
)

const appName = "oplogreplay"

// Connect establishes and verifies a client connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetConnectTimeout(config.MongoConnectTimeout).
		SetServerSelectionTimeout(config.MongoConnectTimeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	err = util.CtxWithTimeout(ctx, config.MongoConnectTimeout, func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, errors.Wrap(err, "ping")
	}

	return client, nil
}

// MongoVersion is a parsed server version.
type MongoVersion struct {
	Major int
	Minor int
	Patch int
	Full  string
}

func (v MongoVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v MongoVersion) FullString() string {
	return v.Full
}

// Version fetches the server version via buildInfo.
func Version(ctx context.Context, m *mongo.Client) (MongoVersion, error) {
	raw, err := m.Database("admin").
		RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).
		Raw()
	if err != nil {
		return MongoVersion{}, errors.Wrap(err, "buildInfo")
	}

	ver := MongoVersion{Full: raw.Lookup("version").StringValue()}

	parts := strings.SplitN(ver.Full, ".", 3)
	if len(parts) > 0 {
		ver.Major, _ = strconv.Atoi(parts[0])
	}

	if len(parts) > 1 {
		ver.Minor, _ = strconv.Atoi(parts[1])
	}

	if len(parts) > 2 {
		ver.Patch, _ = strconv.Atoi(strings.SplitN(parts[2], "-", 2)[0])
	}

	return ver, nil
}

// ClusterTime returns the current cluster time of the connected deployment.
func ClusterTime(ctx context.Context, m *mongo.Client) (bson.Timestamp, error) {
	raw, err := m.Database("admin").
		RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).
		Raw()
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "hello")
	}

	if val, err := raw.LookupErr("$clusterTime", "clusterTime"); err == nil {
		if t, i, ok := val.TimestampOK(); ok {
			return bson.Timestamp{T: t, I: i}, nil
		}
	}

	// Standalone servers have no $clusterTime. operationTime is close enough.
	if val, err := raw.LookupErr("operationTime"); err == nil {
		if t, i, ok := val.TimestampOK(); ok {
			return bson.Timestamp{T: t, I: i}, nil
		}
	}

	return bson.Timestamp{}, errors.New("no cluster time in hello response")
}

// ReplSetName returns the replica set name of the connected deployment, or
// an empty string for a standalone server.
func ReplSetName(ctx context.Context, m *mongo.Client) (string, error) {
	raw, err := m.Database("admin").
		RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).
		Raw()
	if err != nil {
		return "", errors.Wrap(err, "hello")
	}

	val, err := raw.LookupErr("setName")
	if err != nil {
		return "", nil
	}

	name, _ := val.StringValueOK()

	return name, nil
}
