package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// Key layout, parts joined by a NUL byte. {conversation} is
// domain.ConversationID and usernames never contain NUL.
//
//	msg  \0 {id}                        → conversation key of the message
//	conv \0 {conversation} \0 {ulid}    → JSON message, ULIDs sort by creation
//	partner \0 {user} \0 {other}        → empty
const sep = "\x00"

func msgKey(id string) []byte {
	return []byte("msg" + sep + id)
}

func convPrefix(a, b string) []byte {
	return []byte("conv" + sep + domain.ConversationID(a, b) + sep)
}

func convKey(m *domain.Message) []byte {
	return append(convPrefix(m.From, m.To), m.ID...)
}

func partnerPrefix(username string) []byte {
	return []byte("partner" + sep + username + sep)
}

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	seq *Sequencer
}

// OpenBadger opens a BadgerDB at path, or in memory when inMemory is set.
func OpenBadger(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// NewBadgerStore wraps db. The store takes ownership and closes db on Close.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	s := &BadgerStore{db: db, seq: NewSequencer()}

	// Seed the sequencer from the newest message on disk.
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("conv" + sep)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m domain.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				s.seq.Observe(m.CreatedAt)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}

	return s, nil
}

func (s *BadgerStore) CreateMessage(ctx context.Context, from, to, text string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

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
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}

	ck := convKey(msg)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(ck, data); err != nil {
			return err
		}
		if err := txn.Set(msgKey(id), ck); err != nil {
			return err
		}
		if err := txn.Set(append(partnerPrefix(from), to...), []byte{}); err != nil {
			return err
		}
		return txn.Set(append(partnerPrefix(to), from...), []byte{})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func (s *BadgerStore) MarkDelivered(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(msg.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		ck, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err = txn.Get(ck)
		if err != nil {
			return err
		}
		var stored domain.Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		stored.Status = domain.StatusDelivered
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return txn.Set(ck, data)
	})
	if err != nil {
		return err
	}

	msg.Status = domain.StatusDelivered
	return nil
}

func (s *BadgerStore) ListConversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []domain.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = convPrefix(a, b)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m domain.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			if m.Between(a, b) {
				messages = append(messages, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func (s *BadgerStore) ListPartners(ctx context.Context, username string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	partners := []string{}
	prefix := partnerPrefix(username)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			other := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			if other != username {
				partners = append(partners, other)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(partners)
	return partners, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
