package directory

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

var (
	ErrUsernameExists  = errors.New("username already exists")
	ErrInvalidUsername = errors.New("username must be 3 to 50 letters, digits, '.', '-' or '_'")
)

// Directory resolves identities to user records. Misses return an error
// matching domain.ErrUserNotFound.
type Directory interface {
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
}

// UserRepository is the writable directory behind the REST API.
type UserRepository interface {
	Directory
	Create(ctx context.Context, user *domain.User) error
	Search(ctx context.Context, query, exclude string, limit int) ([]domain.User, error)
	FindByUsernames(ctx context.Context, usernames []string) ([]domain.User, error)
}
