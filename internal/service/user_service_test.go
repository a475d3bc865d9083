package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
)

type memIndex struct {
	indexed []string
}

func (m *memIndex) IndexUser(_ context.Context, user *domain.User) error {
	m.indexed = append(m.indexed, user.Username)
	return nil
}

func (m *memIndex) Search(_ context.Context, query, exclude string, _ int) ([]domain.User, error) {
	return []domain.User{{ID: "from-index", Username: query + "-hit"}}, nil
}

type userFixture struct {
	svc    UserService
	store  store.Store
	tokens *jwt.Manager
}

func newUserFixture(t *testing.T) *userFixture {
	return newUserFixtureWithIndex(t, nil)
}

func newUserFixtureWithIndex(t *testing.T, index directory.UserIndex) *userFixture {
	t.Helper()

	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		DSN:      fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	repo, err := directory.NewGormUserRepository(db)
	require.NoError(t, err)
	st, err := store.NewGormStore(db)
	require.NoError(t, err)

	tokens, err := jwt.NewManager("user-service-test-secret", time.Hour, "relay")
	require.NoError(t, err)

	return &userFixture{svc: NewUserService(repo, st, tokens, index), store: st, tokens: tokens}
}

func (f *userFixture) signup(t *testing.T, username string) *domain.AuthResponse {
	t.Helper()
	res, err := f.svc.Signup(context.Background(), &domain.SignupRequest{
		DisplayName:     username,
		Username:        username,
		Password:        "password",
		ConfirmPassword: "password",
	})
	require.NoError(t, err)
	return res
}

func TestUserService_SignupIssuesValidToken(t *testing.T) {
	req := require.New(t)
	f := newUserFixture(t)

	res := f.signup(t, "alice")

	req.NotEmpty(res.User.ID)
	req.Equal("alice", res.User.Username)
	claims, err := f.tokens.ValidateToken(res.Token)
	req.NoError(err)
	req.Equal(res.User.ID, claims.UserID)
	req.Equal("alice", claims.Username)
}

func TestUserService_SignupFailures(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newUserFixture(t)
	f.signup(t, "alice")

	_, err := f.svc.Signup(ctx, &domain.SignupRequest{
		DisplayName: "Bob", Username: "bob", Password: "password", ConfirmPassword: "different",
	})
	req.ErrorIs(err, ErrPasswordMismatch)

	_, err = f.svc.Signup(ctx, &domain.SignupRequest{
		DisplayName: "Alice", Username: "alice", Password: "password", ConfirmPassword: "password",
	})
	req.ErrorIs(err, directory.ErrUsernameExists)
}

func TestUserService_SignupRejectsMalformedUsername(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	tests := []struct {
		name     string
		username string
	}{
		{"short after trimming", "  ab "},
		{"surrounding whitespace", " alice "},
		{"separator", "a|b"},
		{"nul byte", "bob\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			_, err := f.svc.Signup(ctx, &domain.SignupRequest{
				DisplayName: "x", Username: tt.username, Password: "password", ConfirmPassword: "password",
			})

			req.ErrorIs(err, directory.ErrInvalidUsername)
		})
	}

	// Nothing was registered under the trimmed names
	_, err := f.svc.Login(ctx, &domain.LoginRequest{Username: "ab", Password: "password"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, &domain.LoginRequest{Username: "alice", Password: "password"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserService_Login(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newUserFixture(t)
	f.signup(t, "alice")

	res, err := f.svc.Login(ctx, &domain.LoginRequest{Username: "alice", Password: "password"})
	req.NoError(err)
	req.Equal("alice", res.User.Username)
	req.NotEmpty(res.Token)

	_, err = f.svc.Login(ctx, &domain.LoginRequest{Username: "alice", Password: "wrong"})
	req.ErrorIs(err, ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, &domain.LoginRequest{Username: "nobody", Password: "password"})
	req.ErrorIs(err, ErrInvalidCredentials)
}

func TestUserService_HistoryAndContacts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newUserFixture(t)
	f.signup(t, "alice")
	f.signup(t, "bob")
	f.signup(t, "carol")

	// Given an empty history
	history, err := f.svc.History(ctx, "alice", "bob")
	req.NoError(err)
	req.NotNil(history)
	req.Empty(history)

	// When alice talks to bob and carol
	_, err = f.store.CreateMessage(ctx, "alice", "bob", "one")
	req.NoError(err)
	_, err = f.store.CreateMessage(ctx, "bob", "alice", "two")
	req.NoError(err)
	_, err = f.store.CreateMessage(ctx, "carol", "alice", "three")
	req.NoError(err)

	// Then history is ordered oldest first from either side
	history, err = f.svc.History(ctx, "bob", "alice")
	req.NoError(err)
	req.Equal([]string{"one", "two"}, lo.Map(history, func(m domain.Message, _ int) string { return m.Text }))

	contacts, err := f.svc.Contacts(ctx, "alice")
	req.NoError(err)
	req.ElementsMatch([]string{"bob", "carol"}, lo.Map(contacts, func(u domain.UserResponse, _ int) string { return u.Username }))

	contacts, err = f.svc.Contacts(ctx, "carol")
	req.NoError(err)
	req.Len(contacts, 1)
	req.Equal("alice", contacts[0].Username)
}

func TestUserService_Search(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newUserFixture(t)
	f.signup(t, "alice")
	f.signup(t, "alicia")
	f.signup(t, "bob")

	found, err := f.svc.Search(ctx, "alice", "ali")
	req.NoError(err)
	req.Equal([]string{"alicia"}, lo.Map(found, func(u domain.UserResponse, _ int) string { return u.Username }))

	found, err = f.svc.Search(ctx, "alice", "")
	req.NoError(err)
	req.NotNil(found)
	req.Empty(found)
}

func TestUserService_SearchIndex(t *testing.T) {
	req := require.New(t)
	idx := &memIndex{}
	f := newUserFixtureWithIndex(t, idx)

	// Signups are indexed
	f.signup(t, "alice")
	f.signup(t, "bob")
	req.Equal([]string{"alice", "bob"}, idx.indexed)

	// And search is served by the index
	found, err := f.svc.Search(context.Background(), "alice", "bo")
	req.NoError(err)
	req.Len(found, 1)
	req.Equal("bo-hit", found[0].Username)
}
