package service

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"github.com/weiawesome/wes-io-relay/internal/audit"
	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordMismatch   = errors.New("passwords do not match")
)

const searchLimit = 20

// TokenIssuer signs tokens for authenticated users.
type TokenIssuer interface {
	GenerateToken(userID, username string) (string, int64, error)
}

// userServiceImpl implements UserService interface.
type userServiceImpl struct {
	repo   directory.UserRepository
	store  store.Store
	issuer TokenIssuer
	// index serves search when set; the repository otherwise.
	index directory.UserIndex
	// dummyHash keeps login timing the same for unknown usernames.
	dummyHash []byte
}

// NewUserService creates a new user service. index may be nil.
func NewUserService(repo directory.UserRepository, st store.Store, issuer TokenIssuer, index directory.UserIndex) UserService {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("relay-dummy-password"), bcrypt.DefaultCost)
	return &userServiceImpl{
		repo:      repo,
		store:     st,
		issuer:    issuer,
		index:     index,
		dummyHash: dummy,
	}
}

// Signup registers a new user and signs a token for it.
func (s *userServiceImpl) Signup(ctx context.Context, req *domain.SignupRequest) (*domain.AuthResponse, error) {
	l := log.Ctx(ctx)

	if !domain.ValidUsername(req.Username) {
		return nil, directory.ErrInvalidUsername
	}
	if req.Password != req.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		l.Error().Err(err).Msg("failed to hash password")
		return nil, err
	}

	user := &domain.User{
		Username:     req.Username,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(hashedPassword),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if !errors.Is(err, directory.ErrUsernameExists) {
			l.Error().Err(err).Msg("failed to create user")
		}
		return nil, err
	}

	audit.Log(ctx, audit.ActionUserRegister, user.ID, "user registered")

	if s.index != nil {
		if err := s.index.IndexUser(ctx, user); err != nil {
			l.Warn().Err(err).Str(log.FieldUserID, user.ID).Msg("failed to index user")
		}
	}
	return s.authResponse(ctx, user)
}

// Login checks credentials and signs a token.
func (s *userServiceImpl) Login(ctx context.Context, req *domain.LoginRequest) (*domain.AuthResponse, error) {
	l := log.Ctx(ctx)

	user, err := s.repo.FindByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
			audit.LogWithDetail(ctx, audit.ActionUserLoginFailed, "", req.Username, "login failed: user not found")
			return nil, ErrInvalidCredentials
		}
		l.Error().Err(err).Msg("failed to get user by username")
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		audit.LogWithDetail(ctx, audit.ActionUserLoginFailed, user.ID, req.Username, "login failed: wrong password")
		return nil, ErrInvalidCredentials
	}

	audit.Log(ctx, audit.ActionUserLogin, user.ID, "user logged in")
	return s.authResponse(ctx, user)
}

func (s *userServiceImpl) authResponse(ctx context.Context, user *domain.User) (*domain.AuthResponse, error) {
	token, exp, err := s.issuer.GenerateToken(user.ID, user.Username)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUserID, user.ID).Msg("failed to generate token")
		return nil, err
	}

	return &domain.AuthResponse{
		User:      user.ToResponse(),
		Token:     token,
		ExpiresAt: exp,
	}, nil
}

// History returns the conversation between username and other, oldest first.
func (s *userServiceImpl) History(ctx context.Context, username, other string) ([]domain.Message, error) {
	messages, err := s.store.ListConversation(ctx, username, other)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// Contacts returns the users username has exchanged messages with.
func (s *userServiceImpl) Contacts(ctx context.Context, username string) ([]domain.UserResponse, error) {
	partners, err := s.store.ListPartners(ctx, username)
	if err != nil {
		return nil, err
	}

	users, err := s.repo.FindByUsernames(ctx, partners)
	if err != nil {
		return nil, err
	}
	return toResponses(users), nil
}

// Search finds other users by username substring.
func (s *userServiceImpl) Search(ctx context.Context, username, query string) ([]domain.UserResponse, error) {
	search := s.repo.Search
	if s.index != nil {
		search = s.index.Search
	}

	users, err := search(ctx, query, username, searchLimit)
	if err != nil {
		return nil, err
	}
	return toResponses(users), nil
}

func toResponses(users []domain.User) []domain.UserResponse {
	return lo.Map(users, func(u domain.User, _ int) domain.UserResponse { return u.ToResponse() })
}
