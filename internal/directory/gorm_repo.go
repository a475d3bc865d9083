package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// UserModel is the GORM model for users table.
type UserModel struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	Username     string    `gorm:"type:varchar(50);uniqueIndex;not null"`
	DisplayName  string    `gorm:"type:varchar(100)"`
	PasswordHash string    `gorm:"type:varchar(255);not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for UserModel.
func (UserModel) TableName() string {
	return "users"
}

// ToDomain converts UserModel to domain User.
func (m *UserModel) ToDomain() *domain.User {
	return &domain.User{
		ID:           m.ID,
		Username:     m.Username,
		DisplayName:  m.DisplayName,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

// GormUserRepository implements UserRepository using GORM.
type GormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository migrates the users table and returns the repository.
func NewGormUserRepository(db *gorm.DB) (*GormUserRepository, error) {
	if err := db.AutoMigrate(&UserModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate users: %w", err)
	}
	return &GormUserRepository{db: db}, nil
}

// Create creates a new user and fills in its id and creation time.
func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	if !domain.ValidUsername(user.Username) {
		return ErrInvalidUsername
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Where("username = ?", user.Username).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrUsernameExists
	}

	model := &UserModel{
		ID:           uuid.New().String(),
		Username:     user.Username,
		DisplayName:  user.DisplayName,
		PasswordHash: user.PasswordHash,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return r.handleError(err)
	}

	user.ID = model.ID
	user.CreatedAt = model.CreatedAt.UTC()
	return nil
}

// FindByUsername retrieves a user by username.
func (r *GormUserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.first(ctx, "username = ?", username)
}

// FindByID retrieves a user by ID.
func (r *GormUserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GormUserRepository) first(ctx context.Context, query string, arg string) (*domain.User, error) {
	var model UserModel
	result := r.db.WithContext(ctx).First(&model, query, arg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// Search returns users whose username contains query, case-insensitively,
// leaving out exclude.
func (r *GormUserRepository) Search(ctx context.Context, query, exclude string, limit int) ([]domain.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.User{}, nil
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	tx := r.db.WithContext(ctx).
		Where("LOWER(username) LIKE ? ESCAPE '!'", pattern).
		Where("username <> ?", exclude).
		Order("username ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var models []UserModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return toUsers(models), nil
}

// FindByUsernames returns the users among usernames that exist, ordered by username.
func (r *GormUserRepository) FindByUsernames(ctx context.Context, usernames []string) ([]domain.User, error) {
	if len(usernames) == 0 {
		return []domain.User{}, nil
	}

	var models []UserModel
	err := r.db.WithContext(ctx).
		Where("username IN ?", usernames).
		Order("username ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toUsers(models), nil
}

func toUsers(models []UserModel) []domain.User {
	return lo.Map(models, func(m UserModel, _ int) domain.User { return *m.ToDomain() })
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// handleError converts database-specific errors to domain errors.
func (r *GormUserRepository) handleError(err error) error {
	errStr := err.Error()

	// PostgreSQL / SQLite unique constraint violation
	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint") {
		return ErrUsernameExists
	}

	// MySQL unique constraint violation
	if strings.Contains(errStr, "Duplicate entry") {
		return ErrUsernameExists
	}

	return err
}
