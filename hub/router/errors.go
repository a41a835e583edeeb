package router

import (
	"errors"

	"github.com/amurg-ai/chathub/hub/auth"
	"github.com/amurg-ai/chathub/hub/session"
	"github.com/amurg-ai/chathub/hub/store"
	"github.com/amurg-ai/chathub/pkg/protocol"
)

// Error is a failure reported to the client as a structured error response.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func newError(code, msg string) *Error { return &Error{Code: code, Message: msg} }

var (
	errNotAuthenticated    = newError(protocol.CodeNotAuthenticated, "login required")
	errReplaced            = newError(protocol.CodeNotAuthenticated, "session was replaced by a newer login")
	errAlreadyAuth         = newError(protocol.CodeAlreadyAuthenticated, "already logged in")
	errInvalidCredentials  = newError(protocol.CodeInvalidCredentials, "invalid username or password")
	errTargetNotFound      = newError(protocol.CodeTargetNotFound, "user not found")
	errSelfConversation    = newError(protocol.CodeSelfConversation, "cannot start a conversation with yourself")
	errInvalidConversation = newError(protocol.CodeInvalidConversation, "conversation does not exist or you are not a participant")
	errNotAGroup           = newError(protocol.CodeNotAGroup, "conversation is not a group")
	errEmptyContent        = newError(protocol.CodeEmptyContent, "message content is empty")
	errContentTooLarge     = newError(protocol.CodeContentTooLarge, "message content is too large")
	errUpstream            = newError(protocol.CodeUpstreamUnavailable, "service temporarily unavailable, try again")
	errInternal            = newError(protocol.CodeInternalError, "internal error")
)

func protocolError(msg string) *Error { return newError(protocol.CodeProtocolError, msg) }

// classify maps collaborator errors to client-facing errors. The boolean is
// false for errors that were not expected and should be logged.
func classify(err error) (*Error, bool) {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e, true
	case errors.Is(err, session.ErrAlreadyAuthenticated), errors.Is(err, session.ErrDuplicateLogin):
		return errAlreadyAuth, true
	case errors.Is(err, session.ErrEvicted):
		return errReplaced, true
	case errors.Is(err, session.ErrUnknownSession):
		return errNotAuthenticated, true
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthorized):
		return errInvalidCredentials, true
	case errors.Is(err, auth.ErrUnknownIdentity):
		return errTargetNotFound, true
	case errors.Is(err, store.ErrSelfConversation):
		return errSelfConversation, true
	case errors.Is(err, store.ErrNotGroup):
		return errNotAGroup, true
	case errors.Is(err, store.ErrConversationNotFound):
		return errInvalidConversation, true
	default:
		return errUpstream, false
	}
}
