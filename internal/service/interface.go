package service

import (
	"context"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/hub"
)

// RelayService handles the events of every websocket connection.
type RelayService interface {
	// Authenticate verifies a connect-time token before the upgrade.
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
	// HandleConnect starts tracking a new connection. A non-nil identity was
	// authenticated during the handshake.
	HandleConnect(ctx context.Context, client *hub.Client, identity *domain.Identity)
	HandleAuthenticate(ctx context.Context, client *hub.Client, requestID, token string)
	HandleSendMessage(ctx context.Context, client *hub.Client, msg *domain.SendMessage)
	HandlePing(ctx context.Context, client *hub.Client)
	HandleDisconnect(ctx context.Context, client *hub.Client)
	// OnlineUsers returns the online identities ordered by username.
	OnlineUsers() []domain.Identity
}

// UserService backs the REST API.
type UserService interface {
	Signup(ctx context.Context, req *domain.SignupRequest) (*domain.AuthResponse, error)
	Login(ctx context.Context, req *domain.LoginRequest) (*domain.AuthResponse, error)
	History(ctx context.Context, username, other string) ([]domain.Message, error)
	Contacts(ctx context.Context, username string) ([]domain.UserResponse, error)
	Search(ctx context.Context, username, query string) ([]domain.UserResponse, error)
}
