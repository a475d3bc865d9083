package domain

import (
	"fmt"
	"time"
)

// MessageStatus is the binary delivery flag of a stored message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
)

// DeliveryOutcome reports whether a routed message reached a live recipient.
type DeliveryOutcome string

const (
	DeliveredLive DeliveryOutcome = "delivered-live"
	StoredOnly    DeliveryOutcome = "stored-only"
)

// Message is a direct message. It is immutable once persisted except for
// the sent → delivered transition.
type Message struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Text      string        `json:"text"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`
}

// ConversationID returns the order-independent key for the pair a, b. The
// first name is length-prefixed so no two pairs share a key.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%s", len(a), a, b)
}

// Counterpart returns the other party of the message relative to username.
func (m *Message) Counterpart(username string) string {
	if m.From == username {
		return m.To
	}
	return m.From
}

// Between reports whether the message was exchanged by a and b.
func (m *Message) Between(a, b string) bool {
	return (m.From == a || m.To == a) && m.Counterpart(a) == b
}
