// Package protocol defines the wire protocol spoken between chat clients and
// the chathub server over WebSocket.
//
// Every frame is a single JSON object. Clients send a Request; the hub answers
// each request with exactly one Response of the same type and, for message
// sends, pushes additional "message" Responses to the other participants.
package protocol

import "time"

// Request is the inbound wire format. Which fields are meaningful depends on Type.
type Request struct {
	Type           string `json:"type" validate:"required,oneof=login user.search conversation.create conversation.list group.create group.join group.list group.members message.send ping"`
	ID             string `json:"id,omitempty" validate:"max=64"` // client correlation id, echoed back
	Username       string `json:"username,omitempty" validate:"max=64"`
	Password       string `json:"password,omitempty" validate:"max=256"`
	Token          string `json:"token,omitempty" validate:"max=4096"`
	Query          string `json:"query,omitempty" validate:"max=64"`
	TargetUsername string `json:"target_username,omitempty" validate:"max=64"`
	ConversationID int64  `json:"conversation_id,omitempty" validate:"gte=0"`
	GroupName      string `json:"group_name,omitempty" validate:"max=128"`
	Content        string `json:"content,omitempty"`
}

// Response is the outbound wire format, used both for replies and for
// server-initiated pushes (forwarded messages, eviction notices).
type Response struct {
	Type           string    `json:"type"`
	ID             string    `json:"id,omitempty"`
	Status         string    `json:"status,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Username       string    `json:"username,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	TargetUsername string    `json:"target_username,omitempty"`
	GroupName      string    `json:"group_name,omitempty"`
	Content        string    `json:"content,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Recipient      string    `json:"recipient,omitempty"` // direct conversations only
	Delivered      *int      `json:"delivered,omitempty"`
	Timestamp      time.Time `json:"ts"`
	Data           any       `json:"data,omitempty"`
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request types (client → hub).
const (
	TypeLogin              = "login"
	TypeSearchUsers        = "user.search"
	TypeCreateConversation = "conversation.create"
	TypeListConversations  = "conversation.list"
	TypeCreateGroup        = "group.create"
	TypeJoinGroup          = "group.join"
	TypeListGroups         = "group.list"
	TypeListGroupMembers   = "group.members"
	TypeSendMessage        = "message.send"
	TypePing               = "ping"
)

// Push types (hub → client).
const (
	TypeMessage         = "message"
	TypeSessionReplaced = "session.replaced"
	TypeError           = "error"
	TypePong            = "pong"
)

// Success builds a success response of the given type, echoing the request id.
func Success(msgType, id string) Response {
	return Response{
		Type:      msgType,
		ID:        id,
		Status:    StatusSuccess,
		Timestamp: time.Now(),
	}
}

// Failure builds an error response of the given type, echoing the request id.
func Failure(msgType, id, code, message string) Response {
	return Response{
		Type:      msgType,
		ID:        id,
		Status:    StatusError,
		ErrorCode: code,
		Error:     message,
		Timestamp: time.Now(),
	}
}

// Error codes carried in Response.ErrorCode.
const (
	CodeNotAuthenticated     = "NotAuthenticated"
	CodeAlreadyAuthenticated = "AlreadyAuthenticated"
	CodeInvalidCredentials   = "InvalidCredentials"
	CodeTargetNotFound       = "TargetNotFound"
	CodeSelfConversation     = "SelfConversation"
	CodeInvalidConversation  = "InvalidConversation"
	CodeNotAGroup            = "NotAGroup"
	CodeEmptyContent         = "EmptyContent"
	CodeContentTooLarge      = "ContentTooLarge"
	CodeUpstreamUnavailable  = "UpstreamUnavailable"
	CodeProtocolError        = "ProtocolError"
	CodeRateLimited          = "RateLimited"
	CodeInternalError        = "InternalError"
)
