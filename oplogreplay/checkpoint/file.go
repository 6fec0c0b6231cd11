package checkpoint

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/uberVU/mongo-oplogreplay/errors"
)

// File persists the position as a small JSON file, written atomically via a
// temporary file and rename. A crash mid-save leaves the previous position
// intact.
type File struct {
	path string
}

// NewFile creates a File store at the given path.
func NewFile(path string) *File {
	return &File{path: path}
}

type fileCheckpoint struct {
	T uint32 `json:"t"`
	I uint32 `json:"i"`
}

func (s *File) Load(context.Context) (bson.Timestamp, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return bson.Timestamp{}, nil
		}

		return bson.Timestamp{}, errors.Wrap(err, "read checkpoint file")
	}

	var cp fileCheckpoint

	err = json.Unmarshal(data, &cp)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "parse checkpoint file")
	}

	return bson.Timestamp{T: cp.T, I: cp.I}, nil
}

func (s *File) Save(_ context.Context, ts bson.Timestamp) error {
	data, err := json.Marshal(fileCheckpoint{T: ts.T, I: ts.I})
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}

	tmp := s.path + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return errors.Wrap(err, "write checkpoint file")
	}

	err = os.Rename(tmp, s.path)
	if err != nil {
		return errors.Wrap(err, "replace checkpoint file")
	}

	return nil
}
