package qactor

import "errors"

// ErrNotFound is returned when an operation addresses a queueMessageId that
// is not present in the table it expected (e.g. Ack on an already-acked or
// never-leased message).
var ErrNotFound = errors.New("qactor: message not found")

// ErrBusy is returned by Actor.Send/Get/Ack when the actor's mailbox is full.
var ErrBusy = errors.New("qactor: actor busy")

// ErrStopped is returned when a request is submitted to an actor that has
// already been stopped.
var ErrStopped = errors.New("qactor: actor stopped")
