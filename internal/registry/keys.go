package registry

import (
	"errors"
	"fmt"
	"strings"
)

// roomPrefix namespaces chat rooms in the key space. Presence subjects are the
// bare keys, so a subject may never start with it.
const roomPrefix = "room:"

// ErrReservedKey rejects a subject that would address a non-subject key.
var ErrReservedKey = errors.New("registry: subject uses a reserved prefix")

// RoomKey is the registry key of a chat room.
func RoomKey(room string) string { return roomPrefix + room }

// CheckSubject reports whether subject is a usable presence key.
func CheckSubject(subject string) error {
	if strings.HasPrefix(subject, roomPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedKey, subject)
	}
	return nil
}

// BatchError lists the keys whose batch write failed. Keys in other batches
// were stored.
type BatchError struct {
	Failed []string
	errs   []error
}

func (e *BatchError) Error() string  { return errors.Join(e.errs...).Error() }
func (e *BatchError) Unwrap() []error { return e.errs }
