package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for every token that fails validation.
	// Expired, malformed and mis-signed tokens are deliberately not told apart.
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("jwt secret must not be empty")
)

// Claims represents JWT claims. The id and username fields keep the
// names used by tokens already issued to clients.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"id"`
	Username string `json:"username"`
}

// Manager signs and validates HS256 tokens with a shared secret.
// It holds no mutable state and is safe for concurrent use.
type Manager struct {
	secret   []byte
	duration time.Duration
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time
}

// NewManager creates a new JWT manager. A zero duration issues tokens
// without an expiry.
func NewManager(secret string, duration time.Duration, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &Manager{
		secret:   []byte(secret),
		duration: duration,
		issuer:   issuer,
		parser:   jwt.NewParser(opts...),
		now:      time.Now,
	}, nil
}

// GenerateToken creates a signed token for the given subject and returns
// it together with its expiry as unix seconds (0 when it never expires).
func (m *Manager) GenerateToken(userID, username string) (string, int64, error) {
	now := m.now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   m.issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID:   userID,
		Username: username,
	}

	var exp int64
	if m.duration > 0 {
		expiresAt := now.Add(m.duration)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
		exp = expiresAt.Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", 0, err
	}
	return token, exp, nil
}

// ValidateToken validates a token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := m.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
