package topo

import (
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/uberVU/mongo-oplogreplay/errors"
)

// Server error codes the replay pipeline makes decisions on.
const (
	codeNamespaceNotFound  = 26
	codeIndexNotFound      = 27
	codeCursorNotFound     = 43
	codeNamespaceExists    = 48
	codeCappedPositionLost = 136
)

func hasErrorCode(err error, code int) bool {
	var srvErr mongo.ServerError
	if !errors.As(err, &srvErr) {
		return false
	}

	return srvErr.HasErrorCode(code)
}

// IsCursorNotFound reports a cursor that was killed or timed out on the
// server. The tailing loop reopens on it.
func IsCursorNotFound(err error) bool {
	return hasErrorCode(err, codeCursorNotFound)
}

// IsCappedPositionLost reports that a tailable cursor's position in a
// capped collection was overwritten. Whether history was actually lost is
// decided by the resume-point check after reopening.
func IsCappedPositionLost(err error) bool {
	return hasErrorCode(err, codeCappedPositionLost)
}

// IsNamespaceNotFound reports operations against a dropped or never-created
// namespace.
func IsNamespaceNotFound(err error) bool {
	return hasErrorCode(err, codeNamespaceNotFound)
}

// IsNamespaceExists reports creation of an already existing namespace.
func IsNamespaceExists(err error) bool {
	return hasErrorCode(err, codeNamespaceExists)
}

// IsIndexNotFound reports dropping of a missing index.
func IsIndexNotFound(err error) bool {
	return hasErrorCode(err, codeIndexNotFound)
}
