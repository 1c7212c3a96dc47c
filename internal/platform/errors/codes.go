// Package errors provides structured error handling for collaboration services.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Frame and payload errors
	CodeFrameInvalid        Code = "FRAME_INVALID"
	CodeFrameTooLarge       Code = "FRAME_TOO_LARGE"
	CodeFrameRateExceeded   Code = "FRAME_RATE_EXCEEDED"
	CodeEventTypeUnknown    Code = "EVENT_TYPE_UNKNOWN"
	CodeFieldPathEmpty      Code = "FIELD_PATH_EMPTY"
	CodeFieldPathTooLong    Code = "FIELD_PATH_TOO_LONG"
	CodeChangeOperation     Code = "CHANGE_OPERATION_INVALID"
	CodeCommentEmpty        Code = "COMMENT_EMPTY"
	CodeCommentTooLong      Code = "COMMENT_TOO_LONG"
	CodeCampaignIDRequired  Code = "CAMPAIGN_ID_REQUIRED"
	CodeQueryLimitMalformed Code = "QUERY_LIMIT_MALFORMED"

	// Identity errors
	CodeAuthRequired      Code = "AUTH_REQUIRED"
	CodeAuthInvalid       Code = "AUTH_INVALID"
	CodeAuthExpired       Code = "AUTH_EXPIRED"
	CodeCampaignForbidden Code = "CAMPAIGN_FORBIDDEN"
	CodeAuthUnconfigured  Code = "AUTH_UNCONFIGURED"

	// Room errors
	CodeRoomNotFound   Code = "ROOM_NOT_FOUND"
	CodeRoomClosed     Code = "ROOM_CLOSED"
	CodeNotParticipant Code = "NOT_PARTICIPANT"
	CodeFieldLocked    Code = "FIELD_LOCKED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeFrameInvalid,
		CodeFrameTooLarge,
		CodeEventTypeUnknown,
		CodeFieldPathEmpty,
		CodeFieldPathTooLong,
		CodeChangeOperation,
		CodeCommentEmpty,
		CodeCommentTooLong,
		CodeCampaignIDRequired,
		CodeQueryLimitMalformed:
		return codes.InvalidArgument

	case CodeFrameRateExceeded:
		return codes.ResourceExhausted

	case CodeAuthRequired,
		CodeAuthInvalid,
		CodeAuthExpired:
		return codes.Unauthenticated

	case CodeCampaignForbidden,
		CodeNotParticipant:
		return codes.PermissionDenied

	// FailedPrecondition - state doesn't allow operation
	case CodeRoomClosed,
		CodeFieldLocked:
		return codes.FailedPrecondition

	case CodeRoomNotFound:
		return codes.NotFound

	case CodeAuthUnconfigured:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the REST surface.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WireCode returns the coarse status label written into error frames.
func (c Code) WireCode() string {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.PermissionDenied:
		return "FORBIDDEN"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.Unavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
