package domain

// WebSocket message types from client.
const (
	MsgTypeAuthenticate = "authenticate"
	MsgTypeSendMessage  = "send_message"
	MsgTypePing         = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeAuthenticateResult = "authenticate_result"
	MsgTypeSendMessageResult  = "send_message_result"
	MsgTypeReceiveMessage     = "receive_message"
	MsgTypeUserOnline         = "user_online"
	MsgTypeUserOffline        = "user_offline"
	MsgTypeError              = "error"
	MsgTypePong               = "pong"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthenticateMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Token     string `json:"token"`
}

type SendMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Token     string `json:"token,omitempty"`
}

// Server -> Client messages

type AuthenticateResultMessage struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	User      *Identity `json:"user,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

type SendMessageResultMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Success   bool            `json:"success"`
	Message   *Message        `json:"message,omitempty"`
	Delivery  DeliveryOutcome `json:"delivery,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

type ReceiveMessage struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

type PresenceMessage struct {
	Type        string   `json:"type"`
	User        Identity `json:"user"`
	OnlineUsers []string `json:"online_users"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error *Error `json:"error"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func NewErrorMessage(err *Error) *ErrorMessage {
	return &ErrorMessage{Type: MsgTypeError, Error: err}
}

func NewReceiveMessage(msg *Message) *ReceiveMessage {
	return &ReceiveMessage{Type: MsgTypeReceiveMessage, Message: msg}
}

func NewPresenceMessage(msgType string, user Identity, online []string) *PresenceMessage {
	if online == nil {
		online = []string{}
	}
	return &PresenceMessage{Type: msgType, User: user, OnlineUsers: online}
}
