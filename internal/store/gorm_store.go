package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// MessageModel is the GORM model for messages.
type MessageModel struct {
	ID             string    `gorm:"primaryKey;size:26"`
	ConversationID string    `gorm:"size:128;not null;index:idx_messages_conversation,priority:1"`
	Sender         string    `gorm:"size:64;not null;index"`
	Recipient      string    `gorm:"size:64;not null;index"`
	Text           string    `gorm:"type:text;not null"`
	Status         string    `gorm:"size:16;not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation,priority:2"`
}

func (MessageModel) TableName() string {
	return "messages"
}

func (m *MessageModel) ToDomain() domain.Message {
	return domain.Message{
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Recipient,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC(),
		Status:    domain.MessageStatus(m.Status),
	}
}

// GormStore implements Store using GORM.
type GormStore struct {
	db  *gorm.DB
	seq *Sequencer
}

// NewGormStore migrates the messages table and seeds the sequencer from
// the newest stored message.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&MessageModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate messages: %w", err)
	}

	s := &GormStore{db: db, seq: NewSequencer()}

	var latest MessageModel
	err := db.Order("created_at DESC").Limit(1).Find(&latest).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read latest message: %w", err)
	}
	if latest.ID != "" {
		s.seq.Observe(latest.CreatedAt)
	}

	return s, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, from, to, text string) (*domain.Message, error) {
	id, createdAt, err := s.seq.Next()
	if err != nil {
		return nil, err
	}

	model := &MessageModel{
		ID:             id,
		ConversationID: domain.ConversationID(from, to),
		Sender:         from,
		Recipient:      to,
		Text:           text,
		Status:         string(domain.StatusSent),
		CreatedAt:      createdAt,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, err
	}

	msg := model.ToDomain()
	return &msg, nil
}

func (s *GormStore) MarkDelivered(ctx context.Context, msg *domain.Message) error {
	result := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ?", msg.ID).
		Update("status", string(domain.StatusDelivered))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	msg.Status = domain.StatusDelivered
	return nil
}

func (s *GormStore) ListConversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	var models []MessageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", domain.ConversationID(a, b)).
		Where("(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)", a, b, b, a).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(models, func(m MessageModel, _ int) domain.Message { return m.ToDomain() }), nil
}

func (s *GormStore) ListPartners(ctx context.Context, username string) ([]string, error) {
	var sentTo, receivedFrom []string

	db := s.db.WithContext(ctx)
	if err := db.Model(&MessageModel{}).Where("sender = ?", username).Distinct().Pluck("recipient", &sentTo).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&MessageModel{}).Where("recipient = ?", username).Distinct().Pluck("sender", &receivedFrom).Error; err != nil {
		return nil, err
	}

	partners := lo.Without(lo.Uniq(append(sentTo, receivedFrom...)), username)
	sort.Strings(partners)
	return partners, nil
}

func (s *GormStore) Close() error {
	return nil
}
