package store

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

var ErrMessageNotFound = errors.New("message not found")

// Store is the durable message store.
type Store interface {
	// CreateMessage persists a new message with status sent. createdAt is
	// assigned by the store and strictly increases across calls.
	CreateMessage(ctx context.Context, from, to, text string) (*domain.Message, error)
	// MarkDelivered flips a persisted message to delivered and updates msg.
	MarkDelivered(ctx context.Context, msg *domain.Message) error
	// ListConversation returns the messages between a and b ordered by createdAt.
	ListConversation(ctx context.Context, a, b string) ([]domain.Message, error)
	// ListPartners returns the sorted usernames username has exchanged messages with.
	ListPartners(ctx context.Context, username string) ([]string, error)
	Close() error
}
