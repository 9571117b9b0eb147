package chatsync

import "errors"

// Precondition errors. Operations that hit them log and return without
// touching the store; CanSend exposes them to callers that need feedback.
var (
	ErrNotConnected   = errors.New("store connection not available")
	ErrNoRoomSelected = errors.New("no room selected")
	ErrNoParticipant  = errors.New("no authenticated participant")
	ErrRoomNotFound   = errors.New("room not present in chatroom collection")
)

// Malformed-record errors. They never leave the merge/decode boundary.
var (
	ErrMissingKey      = errors.New("record has no storage key or id")
	ErrMalformedRecord = errors.New("malformed record")
)

// StoreError is a connectivity failure reported by a store operation.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return e.Op + " " + e.Collection + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Collection: collection, Err: err}
}
