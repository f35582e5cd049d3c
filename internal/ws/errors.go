package ws

import "errors"

var (
	errBadPayload   = errors.New("malformed payload")
	errForbidden    = errors.New("forbidden")
	errNotMember    = errors.New("not a member of this room")
	errUnknownEvent = errors.New("unknown event")
)
