package pipeline

import (
	"errors"

	"realtime-service/internal/membership"
)

var (
	ErrMalformedEvent  = errors.New("malformed event")
	ErrNotCircleMember = errors.New("not a member of this circle")
	ErrCrossCommunity  = errors.New("cross-community messaging is forbidden")
	ErrNotRecipient    = errors.New("not a recipient of this message")
	ErrMessageNotFound = errors.New("message not found")
	ErrPersistFailed   = errors.New("failed to persist message")
)

// Reason maps an event error to a stable label for logs and metrics.
// Lookup failures are kept apart from genuine denials.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, membership.ErrLookupFailed):
		return "lookup_failed"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrNotCircleMember):
		return "not_circle_member"
	case errors.Is(err, ErrCrossCommunity):
		return "cross_community"
	case errors.Is(err, ErrNotRecipient):
		return "not_recipient"
	case errors.Is(err, ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, ErrPersistFailed):
		return "persist_failed"
	default:
		return "internal"
	}
}

// IsDenial reports whether err is an authorization outcome worth auditing.
func IsDenial(err error) bool {
	switch Reason(err) {
	case "lookup_failed", "not_circle_member", "cross_community", "not_recipient":
		return true
	}
	return false
}

// ClientMessage is the text sent to the client in an error event.
func ClientMessage(err error) string {
	switch Reason(err) {
	case "lookup_failed":
		return "Could not verify permissions, please try again"
	case "malformed_event":
		return err.Error()
	case "not_circle_member":
		return "You are not a member of this circle"
	case "cross_community":
		return "You can only message users in your community"
	case "not_recipient":
		return "You cannot mark this message as read"
	case "message_not_found":
		return "Message not found"
	case "persist_failed":
		return "Failed to send message"
	default:
		return "Internal server error"
	}
}
