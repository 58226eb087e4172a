// Package errors provides structured error handling for the mesh runtime.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Subscription errors
	CodeTopicNotFound     Code = "TOPIC_NOT_FOUND"
	CodeTopicEmpty        Code = "TOPIC_EMPTY"
	CodeSubscriptionEmpty Code = "SUBSCRIPTION_EMPTY"

	// Session errors
	CodeGroupMissing  Code = "GROUP_MISSING"
	CodeSessionClosed Code = "SESSION_CLOSED"
	CodeHelloRequired Code = "HELLO_REQUIRED"

	// Delivery errors
	CodeWriteFailed      Code = "WRITE_FAILED"
	CodePusherBusy       Code = "PUSHER_BUSY"
	CodeUpstreamOverflow Code = "UPSTREAM_OVERFLOW"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"

	// Identity errors
	CodeUserAgentInvalid Code = "USER_AGENT_INVALID"
	CodeAuthTokenInvalid Code = "AUTH_TOKEN_INVALID"
	CodeAuthTokenExpired Code = "AUTH_TOKEN_EXPIRED"

	// Shutdown errors
	CodeCloseAggregate Code = "CLOSE_AGGREGATE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeTopicEmpty,
		CodeSubscriptionEmpty,
		CodeUserAgentInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeSessionClosed,
		CodeHelloRequired,
		CodeGroupMissing:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeTopicNotFound:
		return codes.NotFound

	// ResourceExhausted - back-pressure
	case CodePusherBusy,
		CodeUpstreamOverflow:
		return codes.ResourceExhausted

	case CodeDeadlineExceeded:
		return codes.DeadlineExceeded

	case CodeAuthTokenInvalid,
		CodeAuthTokenExpired:
		return codes.Unauthenticated

	case CodeWriteFailed:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
