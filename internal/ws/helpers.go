package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realtime-service/internal/identity"
	"realtime-service/internal/pipeline"
)

// Application close codes sent when a handshake is refused.
const (
	CloseInvalidToken     = 4401
	CloseNotApproved      = 4403
	CloseHandshakeTimeout = 4408
)

var errHandshakeTimeout = errors.New("handshake timeout")

func newConnID() string {
	return uuid.NewString()
}

// closeFor maps a handshake failure to the close code and the text shown to the client.
func closeFor(err error) (int, string) {
	switch {
	case errors.Is(err, errHandshakeTimeout):
		return CloseHandshakeTimeout, "Authentication timed out"
	case errors.Is(err, identity.ErrNotApproved):
		return CloseNotApproved, "Account is not approved"
	case errors.Is(err, identity.ErrUserNotFound):
		return CloseInvalidToken, "User not found"
	case errors.Is(err, identity.ErrInvalidToken):
		return CloseInvalidToken, "Invalid token"
	default:
		return websocket.CloseInternalServerErr, "Authentication unavailable"
	}
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, errHandshakeTimeout):
		return "timeout"
	case errors.Is(err, identity.ErrNotApproved):
		return "not_approved"
	case errors.Is(err, identity.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, identity.ErrInvalidToken):
		return "invalid_token"
	default:
		return "unavailable"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decodeData unmarshals an event payload. A missing payload decodes to the zero value
// and is left to the pipeline's validation.
func decodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: invalid payload: %v", pipeline.ErrMalformedEvent, err)
	}
	return v, nil
}
