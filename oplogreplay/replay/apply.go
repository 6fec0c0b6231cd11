package replay

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
	"github.com/uberVU/mongo-oplogreplay/metrics"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/oplog"
	"github.com/uberVU/mongo-oplogreplay/topo"
)

// knownCommands is the allow-list of commands re-issued on the destination.
// Everything else is skipped with a warning.
var knownCommands = map[string]bool{
	"create":           true,
	"drop":             true,
	"dropDatabase":     true,
	"renameCollection": true,
	"createIndexes":    true,
	"dropIndexes":      true,
	"deleteIndex":      true,
	"deleteIndexes":    true,
	"dropIndex":        true,
	"collMod":          true,
	"convertToCapped":  true,
	"emptycapped":      true,
	"applyOps":         true,
}

// silentCommands are index build lifecycle markers. The build outcome arrives
// as a separate createIndexes entry, so these never replay and never warn.
var silentCommands = map[string]bool{
	"startIndexBuild":  true,
	"commitIndexBuild": true,
	"abortIndexBuild":  true,
}

// indexCommands replay only when index replay is enabled.
var indexCommands = map[string]bool{
	"createIndexes": true,
	"dropIndexes":   true,
	"deleteIndex":   true,
	"deleteIndexes": true,
	"dropIndex":     true,
}

// apply routes one entry to the destination. Transient destination errors are
// retried internally; a returned error is permanent.
func (r *Replay) apply(ctx context.Context, entry *oplog.Entry) error {
	db, coll := entry.Namespace()
	ctx = loggerForEntry(entry).WithContext(ctx)

	start := time.Now()

	var err error

	switch entry.Op {
	case oplog.Insert:
		if entry.IsSystemIndexes() {
			err = r.applyIndexInsert(ctx, entry)
		} else {
			err = r.applyInsert(ctx, db, coll, entry)
		}
	case oplog.Update:
		err = r.applyUpdate(ctx, db, coll, entry)
	case oplog.Delete:
		err = r.applyDelete(ctx, db, coll, entry)
	case oplog.Command:
		err = r.applyCommand(ctx, db, entry)
	case oplog.Noop:
	default:
		return errors.Errorf("unexpected op %q", entry.Op)
	}

	if err != nil {
		return err
	}

	metrics.ObserveApplyDuration(time.Since(start))

	return nil
}

func (r *Replay) applyInsert(ctx context.Context, db, coll string, entry *oplog.Entry) error {
	return topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := r.target.Database(db).Collection(coll).InsertOne(ctx, entry.Doc)
		if err != nil && mongo.IsDuplicateKeyError(err) {
			log.Ctx(ctx).Debug("Document already exists. already applied")

			return nil
		}

		return errors.Wrapf(err, "insert %s.%s", db, coll)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
}

func (r *Replay) applyUpdate(ctx context.Context, db, coll string, entry *oplog.Entry) error {
	c := r.target.Database(db).Collection(coll)

	mods, delta := updateBody(entry.Doc)
	if delta {
		// the diff format is only interpretable by the server itself
		return r.applyOpsUpdate(ctx, db, coll, entry)
	}

	if len(mods) > 0 && strings.HasPrefix(mods[0].Key, "$") {
		return topo.RunWithRetry(ctx, func(ctx context.Context) error {
			_, err := c.UpdateOne(ctx, entry.Selector, mods)

			return errors.Wrapf(err, "update %s.%s", db, coll)
		}, config.ApplyRetryInterval, config.ApplyMaxRetries)
	}

	// full-document replacement. upsert so a lost insert self-heals
	return topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := c.ReplaceOne(ctx, entry.Selector, entry.Doc,
			options.Replace().SetUpsert(true))

		return errors.Wrapf(err, "replace %s.%s", db, coll)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
}

// updateBody strips the $v version marker the server stamps on update
// bodies; it is rejected in user-issued updates. It also reports whether the
// body is in the delta format of MongoDB 5.0+ ({$v: 2, diff: {...}}), whose
// diff document cannot be expressed as client update modifiers.
func updateBody(doc bson.D) (bson.D, bool) {
	var version int64

	hasDiff := false
	body := make(bson.D, 0, len(doc))

	for _, el := range doc {
		if el.Key == "$v" {
			switch v := el.Value.(type) {
			case int32:
				version = int64(v)
			case int64:
				version = v
			}

			continue
		}

		if el.Key == "diff" {
			hasDiff = true
		}

		body = append(body, el)
	}

	return body, version >= 2 && hasDiff
}

// applyOpsUpdate re-issues the update entry through the applyOps command,
// which applies oplog-format bodies the same way the server does internally.
func (r *Replay) applyOpsUpdate(ctx context.Context, db, coll string, entry *oplog.Entry) error {
	op := bson.D{
		{Key: "op", Value: "u"},
		{Key: "ns", Value: entry.NS},
		{Key: "o", Value: entry.Doc},
		{Key: "o2", Value: entry.Selector},
	}
	cmd := bson.D{{Key: "applyOps", Value: bson.A{op}}}

	return topo.RunWithRetry(ctx, func(ctx context.Context) error {
		err := r.target.Database("admin").RunCommand(ctx, cmd).Err()

		return errors.Wrapf(err, "applyOps update %s.%s", db, coll)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
}

func (r *Replay) applyDelete(ctx context.Context, db, coll string, entry *oplog.Entry) error {
	// zero matched deletions means the document is already gone
	return topo.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := r.target.Database(db).Collection(coll).DeleteOne(ctx, entry.Doc)

		return errors.Wrapf(err, "delete %s.%s", db, coll)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
}

// applyCommand re-issues an allow-listed command body verbatim against the
// destination database. Outcomes that mean the command already took effect
// are treated as success.
func (r *Replay) applyCommand(ctx context.Context, db string, entry *oplog.Entry) error {
	name := entry.CommandName()

	err := topo.RunWithRetry(ctx, func(ctx context.Context) error {
		err := r.target.Database(db).RunCommand(ctx, entry.Doc).Err()

		switch {
		case err == nil:
			return nil
		case topo.IsNamespaceExists(err):
			log.Ctx(ctx).Debugf("%s: namespace already exists. already applied", name)

			return nil
		case topo.IsNamespaceNotFound(err):
			log.Ctx(ctx).Debugf("%s: namespace not found. already applied", name)

			return nil
		case topo.IsIndexNotFound(err):
			log.Ctx(ctx).Debugf("%s: index not found. already applied", name)

			return nil
		}

		return errors.Wrapf(err, "command %s on %q", name, db)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
	if err != nil {
		return err
	}

	log.Ctx(ctx).Infof("Replayed command %q on %q", name, db)

	return nil
}

// applyIndexInsert translates a legacy system.indexes insert into a
// createIndexes command on the namespace named by the index document.
func (r *Replay) applyIndexInsert(ctx context.Context, entry *oplog.Entry) error {
	db, coll, cmd, err := indexCommand(entry.Doc)
	if err != nil {
		return err
	}

	err = topo.RunWithRetry(ctx, func(ctx context.Context) error {
		err := r.target.Database(db).RunCommand(ctx, cmd).Err()

		return errors.Wrapf(err, "createIndexes %s.%s", db, coll)
	}, config.ApplyRetryInterval, config.ApplyMaxRetries)
	if err != nil {
		return err
	}

	log.Ctx(ctx).With(log.NS(db, coll)).Info("Created index")

	return nil
}

// indexCommand converts a system.indexes document into a createIndexes
// command. The ns field names the indexed namespace and is stripped from the
// index spec.
func indexCommand(doc bson.D) (string, string, bson.D, error) {
	var ns string

	spec := make(bson.D, 0, len(doc))

	for _, el := range doc {
		if el.Key == "ns" {
			ns, _ = el.Value.(string)

			continue
		}

		spec = append(spec, el)
	}

	if ns == "" {
		return "", "", nil, errors.New("index document without ns field")
	}

	db, coll, found := strings.Cut(ns, ".")
	if !found || coll == "" {
		return "", "", nil, errors.Errorf("invalid index namespace %q", ns)
	}

	cmd := bson.D{
		{Key: "createIndexes", Value: coll},
		{Key: "indexes", Value: bson.A{spec}},
	}

	return db, coll, cmd, nil
}

func loggerForEntry(entry *oplog.Entry) log.Logger {
	db, coll := entry.Namespace()

	return log.New("replay").With(
		log.OpTime(entry.TS.T, entry.TS.I),
		log.Op(string(entry.Op)),
		log.NS(db, coll))
}
