package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming conventions for relay events: {prefix}:{stream}:{subject}.
const (
	StreamPresence = "presence"
	StreamMessage  = "message"
)

// Event types.
const (
	EventUserOnline     = "presence.online"
	EventUserOffline    = "presence.offline"
	EventMessageCreated = "message.created"
)

// PresenceChannel returns the channel carrying presence changes for a user.
func PresenceChannel(prefix, username string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, StreamPresence, username)
}

// MessageChannel returns the channel carrying messages addressed to a user.
func MessageChannel(prefix, recipient string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, StreamMessage, recipient)
}

// channelToTopicAndKey converts a channel to a Kafka topic and message key.
//
//	"relay:presence:alice" → topic: "relay-presence", key: "alice"
//	"relay:message:bob"    → topic: "relay-message",  key: "bob"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return parts[0] + "-" + parts[1], parts[2], nil
}

// Topics lists the Kafka topics used under the given prefix.
func Topics(prefix string) []string {
	return []string{
		prefix + "-" + StreamPresence,
		prefix + "-" + StreamMessage,
	}
}
