package model

import "encoding/json"

// Messaging channel frame types. Client to server.
const (
	FrameGetHistory  = "get_history"
	FrameChatMessage = "chat_message"
	FrameTyping      = "typing"
	FrameMarkRead    = "mark_read"
)

// Server to client.
const (
	FrameConnectionEstablished = "connection_established"
	FrameChatHistory           = "chat_history"
	FrameUserJoined            = "user_joined"
	FrameUserLeft              = "user_left"
	FrameUserTyping            = "user_typing"
	FrameMessagesMarkedRead    = "messages_marked_read"
	FrameError                 = "error"
)

// Frame is the envelope for every message on the duplex channel,
// dispatched by Type. Message is raw because its shape depends on the
// type: an object for chat_message, a plain string for error.
type Frame struct {
	Type        string          `json:"type"`
	Limit       int             `json:"limit,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Messages    []ChatMessage   `json:"messages,omitempty"`
	IsTyping    bool            `json:"is_typing"`
	UserName    string          `json:"user_name,omitempty"`
	UnreadCount *int            `json:"unread_count,omitempty"`
}

func NewChatFrame(msg ChatMessage) (Frame, error) {
	b, err := json.Marshal(&msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameChatMessage, Message: b}, nil
}

// ChatPayload decodes the message payload of a chat_message frame.
func (f Frame) ChatPayload() (ChatMessage, error) {
	var msg ChatMessage
	err := json.Unmarshal(f.Message, &msg)
	return msg, err
}

// ErrorText decodes the payload of an error frame. Falls back to the raw
// bytes when the payload is not a JSON string.
func (f Frame) ErrorText() string {
	var s string
	if err := json.Unmarshal(f.Message, &s); err != nil {
		return string(f.Message)
	}
	return s
}

// ChannelEventKind tags notifications the channel emits toward the UI.
type ChannelEventKind int

const (
	EventConnected ChannelEventKind = iota
	EventDisconnected
	EventMessage
	EventHistory
	EventTyping
	EventUnreadChanged
	EventPeerJoined
	EventPeerLeft
	EventError
)

// ChannelEvent is delivered on the channel's event stream. The UI reads
// these instead of touching the socket.
type ChannelEvent struct {
	Kind     ChannelEventKind
	Message  *ChatMessage
	UserName string
	Typing   bool
	Unread   int
	Err      error
}
