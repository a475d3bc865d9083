package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// CassandraConfig holds the connection settings for the Cassandra store.
type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

var cassandraSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_conversation (
		conversation_id text,
		message_id text,
		sender text,
		recipient text,
		text text,
		status text,
		created_at bigint,
		PRIMARY KEY (conversation_id, message_id)
	) WITH CLUSTERING ORDER BY (message_id ASC)`,
	`CREATE TABLE IF NOT EXISTS partners_by_user (
		username text,
		partner text,
		PRIMARY KEY (username, partner)
	)`,
}

// CassandraStore implements Store on Cassandra. Messages are partitioned by
// conversation and clustered by ULID, so clustering order is creation order.
// created_at is kept in microseconds.
type CassandraStore struct {
	session *gocql.Session
	seq     *Sequencer
}

func NewCassandraStore(cfg CassandraConfig) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout
	cluster.Consistency = parseConsistency(cfg.Consistency)

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	for _, stmt := range cassandraSchema {
		if err := session.Query(stmt).Exec(); err != nil {
			session.Close()
			return nil, fmt.Errorf("failed to apply cassandra schema: %w", err)
		}
	}

	return &CassandraStore{session: session, seq: NewSequencer()}, nil
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "ONE":
		return gocql.One
	case "QUORUM":
		return gocql.Quorum
	default:
		return gocql.LocalOne
	}
}

func (s *CassandraStore) CreateMessage(ctx context.Context, from, to, text string) (*domain.Message, error) {
	id, createdAt, err := s.seq.Next()
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:        id,
		From:      from,
		To:        to,
		Text:      text,
		CreatedAt: createdAt,
		Status:    domain.StatusSent,
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages_by_conversation
		(conversation_id, message_id, sender, recipient, text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		domain.ConversationID(from, to), id, from, to, text, string(domain.StatusSent), createdAt.UnixMicro())
	batch.Query(`INSERT INTO partners_by_user (username, partner) VALUES (?, ?)`, from, to)
	batch.Query(`INSERT INTO partners_by_user (username, partner) VALUES (?, ?)`, to, from)

	if err := s.session.ExecuteBatch(batch); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	return msg, nil
}

func (s *CassandraStore) MarkDelivered(ctx context.Context, msg *domain.Message) error {
	applied, err := s.session.Query(`UPDATE messages_by_conversation SET status = ?
		WHERE conversation_id = ? AND message_id = ? IF EXISTS`,
		string(domain.StatusDelivered), domain.ConversationID(msg.From, msg.To), msg.ID,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if !applied {
		return ErrMessageNotFound
	}

	msg.Status = domain.StatusDelivered
	return nil
}

func (s *CassandraStore) ListConversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	iter := s.session.Query(`SELECT message_id, sender, recipient, text, status, created_at
		FROM messages_by_conversation
		WHERE conversation_id = ?
		ORDER BY message_id ASC`, domain.ConversationID(a, b)).WithContext(ctx).Iter()

	messages := []domain.Message{}
	var row messageRow
	for iter.Scan(&row.ID, &row.Sender, &row.Recipient, &row.Text, &row.Status, &row.CreatedAt) {
		if msg := row.toDomain(); msg.Between(a, b) {
			messages = append(messages, msg)
		}
		row = messageRow{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// messageRow is one row of messages_by_conversation.
type messageRow struct {
	ID        string
	Sender    string
	Recipient string
	Text      string
	Status    string
	CreatedAt int64
}

func (r *messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:        r.ID,
		From:      r.Sender,
		To:        r.Recipient,
		Text:      r.Text,
		CreatedAt: time.UnixMicro(r.CreatedAt).UTC(),
		Status:    domain.MessageStatus(r.Status),
	}
}

func (s *CassandraStore) ListPartners(ctx context.Context, username string) ([]string, error) {
	iter := s.session.Query(`SELECT partner FROM partners_by_user WHERE username = ?`, username).
		WithContext(ctx).Iter()

	partners := []string{}
	var partner string
	for iter.Scan(&partner) {
		if partner != username {
			partners = append(partners, partner)
		}
	}
	if err := iter.Close(); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return partners, nil
		}
		return nil, fmt.Errorf("failed to iterate partners: %w", err)
	}

	sort.Strings(partners)
	return partners, nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}
