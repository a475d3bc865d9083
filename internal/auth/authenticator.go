package auth

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// ErrUnavailable is returned when the directory cannot be reached.
var ErrUnavailable = domain.NewError(domain.ErrCodeInternalError, "authentication unavailable")

// TokenVerifier validates a credential token.
type TokenVerifier interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// Authenticator verifies a token and confirms its subject still exists.
// The same operation serves connect-time and per-message authentication.
type Authenticator struct {
	verifier  TokenVerifier
	directory directory.Directory
}

func NewAuthenticator(verifier TokenVerifier, dir directory.Directory) *Authenticator {
	return &Authenticator{verifier: verifier, directory: dir}
}

// Authenticate returns the identity encoded in token. Failures are
// domain.ErrInvalidToken, domain.ErrUserNotFound or ErrUnavailable.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := a.verifier.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, domain.ErrInvalidToken
	}

	user, err := a.directory.FindByUsername(ctx, claims.Username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.Identity{}, domain.ErrUserNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUsername, claims.Username).Msg("directory lookup failed")
		return domain.Identity{}, ErrUnavailable
	}

	// A recreated account under the same username must not inherit old tokens.
	if claims.UserID != "" && claims.UserID != user.ID {
		return domain.Identity{}, domain.ErrUserNotFound
	}

	return user.Identity(), nil
}
