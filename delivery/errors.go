package delivery

import (
	"errors"

	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/cyberinferno/go-chat-server/registry"
)

// ErrorCode maps a request error to the code sent back to the requester.
// It reports false for errors that are not answered on the wire, such as
// oversized content or transport failures.
func ErrorCode(err error) (protocol.ErrorCode, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, registry.ErrUserNotFound), errors.Is(err, registry.ErrNotOwner):
		return protocol.ErrorUserNotFound, true
	case errors.Is(err, registry.ErrInvalidStatus):
		return protocol.ErrorInvalidStatus, true
	case errors.Is(err, ErrEmptyMessage):
		return protocol.ErrorEmptyMessage, true
	case errors.Is(err, ErrDisconnectedUser):
		return protocol.ErrorDisconnectedUser, true
	default:
		return 0, false
	}
}
