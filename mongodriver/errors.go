package mongodriver

import (
	"errors"
	"regexp"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// IDIndex is the name of the implicit unique index on _id.
const IDIndex = "_id_"

const codeNamespaceNotFound = 26

// E11000 duplicate key error collection: app.users index: email_1 dup key: { email: "a" }
var dupIndexRe = regexp.MustCompile(`index: ([^\s]+)`)

// DuplicateKey reports whether err is a duplicate key error and, if so, the
// name of the violated index. It falls back to the _id index when the server
// message does not name one.
func DuplicateKey(err error) (index string, ok bool) {
	if err == nil || !mongo.IsDuplicateKeyError(err) {
		return "", false
	}
	msg := err.Error()

	var we mongo.WriteException
	var bwe mongo.BulkWriteException
	switch {
	case errors.As(err, &we) && len(we.WriteErrors) != 0:
		msg = we.WriteErrors[0].Message
	case errors.As(err, &bwe) && len(bwe.WriteErrors) != 0:
		msg = bwe.WriteErrors[0].Message
	}
	return indexFromMessage(msg), true
}

func indexFromMessage(msg string) string {
	if m := dupIndexRe.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return IDIndex
}

// FailedWrite returns the position of the first failed write of an
// InsertMany or BulkWrite call.
func FailedWrite(err error) (int, bool) {
	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) != 0 {
		return we.WriteErrors[0].Index, true
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) != 0 {
		return bwe.WriteErrors[0].Index, true
	}
	return 0, false
}

// IsNamespaceNotFound reports whether the server rejected a command because
// the collection does not exist.
func IsNamespaceNotFound(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(codeNamespaceNotFound)
}
