// Package oplog reads the replica set oplog as a resumable stream of
// decoded operation entries.
package oplog

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/uberVU/mongo-oplogreplay/errors"
)

// OpType is an oplog operation code.
type OpType string

const (
	Insert  OpType = "i"
	Update  OpType = "u"
	Delete  OpType = "d"
	Command OpType = "c"
	Noop    OpType = "n"

	// opAnnounce ("db") announces a database's presence. It carries no
	// payload and decodes as a no-op.
	opAnnounce OpType = "db"
)

// Entry is one decoded oplog record.
type Entry struct {
	// TS is the logical timestamp: wall-clock seconds plus an ordinal
	// distinguishing entries within the same second.
	TS bson.Timestamp `bson:"ts"`
	// Op is the operation code.
	Op OpType `bson:"op"`
	// NS is the "db.coll" namespace the operation applies to. For
	// commands it is "db.$cmd". Empty for no-ops.
	NS string `bson:"ns"`
	// Doc is the operation payload: the inserted document, the update
	// modifier or replacement, the delete selector, or the command body.
	Doc bson.D `bson:"o"`
	// Selector identifies the documents an update applies to.
	Selector bson.D `bson:"o2,omitempty"`

	Hash    *int64 `bson:"h,omitempty"`
	Version int    `bson:"v,omitempty"`
}

// Namespace splits NS into database and collection.
func (e *Entry) Namespace() (db, coll string) {
	db, coll, _ = strings.Cut(e.NS, ".")

	return db, coll
}

// CommandName returns the name of the command (the first key of the
// payload) for Command entries, or an empty string.
func (e *Entry) CommandName() string {
	if e.Op != Command || len(e.Doc) == 0 {
		return ""
	}

	return e.Doc[0].Key
}

// IsSystemIndexes reports whether the entry targets the legacy
// system.indexes collection (an index build recorded as an insert).
func (e *Entry) IsSystemIndexes() bool {
	_, coll := e.Namespace()

	return coll == "system.indexes"
}

// DecodeError reports a malformed oplog record. Whether it is fatal is the
// replay policy's decision.
type DecodeError struct {
	// TS is the record's timestamp when it was readable.
	TS     bson.Timestamp
	Reason string
}

func (e *DecodeError) Error() string {
	if e.TS.IsZero() {
		return "malformed oplog entry: " + e.Reason
	}

	return fmt.Sprintf("malformed oplog entry at %d.%d: %s", e.TS.T, e.TS.I, e.Reason)
}

// IsDecodeError reports whether err is a [DecodeError].
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError

	return errors.As(err, &decodeErr)
}

// Decode converts a raw oplog record into an Entry, validating the fields
// the replay pipeline depends on.
func Decode(raw bson.Raw) (*Entry, error) {
	ts, err := lookupTimestamp(raw)
	if err != nil {
		return nil, err
	}

	opVal, err := raw.LookupErr("op")
	if err != nil {
		return nil, &DecodeError{TS: ts, Reason: "missing op field"}
	}

	opStr, ok := opVal.StringValueOK()
	if !ok {
		return nil, &DecodeError{TS: ts, Reason: "op field is not a string"}
	}

	var entry Entry
	if err := bson.Unmarshal(raw, &entry); err != nil {
		return nil, &DecodeError{TS: ts, Reason: err.Error()}
	}

	switch OpType(opStr) {
	case Insert, Update, Delete, Command:
		if entry.NS == "" {
			return nil, &DecodeError{TS: ts, Reason: "missing ns field"}
		}

		if len(entry.Doc) == 0 {
			return nil, &DecodeError{TS: ts, Reason: "missing o field"}
		}

		if OpType(opStr) == Update && len(entry.Selector) == 0 {
			return nil, &DecodeError{TS: ts, Reason: "update without o2 selector"}
		}
	case Noop:
	case opAnnounce:
		entry.Op = Noop
	default:
		return nil, &DecodeError{TS: ts, Reason: fmt.Sprintf("unknown op type %q", opStr)}
	}

	return &entry, nil
}

func lookupTimestamp(raw bson.Raw) (bson.Timestamp, error) {
	tsVal, err := raw.LookupErr("ts")
	if err != nil {
		return bson.Timestamp{}, &DecodeError{Reason: "missing ts field"}
	}

	t, i, ok := tsVal.TimestampOK()
	if !ok {
		return bson.Timestamp{}, &DecodeError{Reason: "ts field is not a timestamp"}
	}

	return bson.Timestamp{T: t, I: i}, nil
}
