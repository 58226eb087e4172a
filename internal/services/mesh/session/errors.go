package session

import apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"

var (
	// ErrTopicNotFound reports a subscribe to a topic the broker does not know.
	ErrTopicNotFound = apperrors.New(apperrors.CodeTopicNotFound, "topic not found")
	// ErrMissingGroup reports that the session's group is no longer registered.
	ErrMissingGroup = apperrors.New(apperrors.CodeGroupMissing, "session group is gone")
	// ErrWriteFailure reports a client write that did not complete.
	ErrWriteFailure = apperrors.New(apperrors.CodeWriteFailed, "write to client failed")
	// ErrPusherBusy reports a downstream push rejected for back-pressure.
	ErrPusherBusy = apperrors.New(apperrors.CodePusherBusy, "pusher busy")
	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = apperrors.New(apperrors.CodeSessionClosed, "session closed")
)
