package domain

import (
	"regexp"
	"time"
)

// Identity is the authenticated subject of a connection.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.ID == "" && i.Username == ""
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,50}$`)

// ValidUsername reports whether username is 3 to 50 ASCII letters, digits,
// dots, dashes or underscores.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// User is a directory record.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity returns the identity this user authenticates as.
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

// ToResponse converts User to UserResponse.
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SignupRequest represents a registration request.
type SignupRequest struct {
	DisplayName     string `json:"display_name" binding:"required,max=100"`
	Username        string `json:"username" binding:"required,min=3,max=50"`
	Password        string `json:"password" binding:"required,min=6"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// LoginRequest represents a login request.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse is returned by signup and login.
type AuthResponse struct {
	User      UserResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt int64        `json:"expires_at,omitempty"`
}
