package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/session"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Config controls payload limits and recipient checks.
type Config struct {
	MaxTextLength int
	// ConfirmRecipient rejects sends to usernames unknown to the directory.
	ConfirmRecipient bool
}

// Result is the outcome of one routed message.
type Result struct {
	Message  *domain.Message
	Delivery domain.DeliveryOutcome
}

// Router persists a message and then hands it to the recipient's live
// session, if any. It holds no per-message state and never retries.
type Router struct {
	store     store.Store
	registry  *presence.Registry
	directory directory.Directory
	metrics   *metrics.Metrics
	validate  *validator.Validate
	cfg       Config
}

func New(st store.Store, reg *presence.Registry, dir directory.Directory, m *metrics.Metrics, cfg Config) *Router {
	return &Router{
		store:     st,
		registry:  reg,
		directory: dir,
		metrics:   m,
		validate:  validator.New(),
		cfg:       cfg,
	}
}

// Route sends text from sender to the user named to. senderSession, when
// given, receives an echo of the stored message.
func (r *Router) Route(ctx context.Context, sender domain.Identity, senderSession *session.Session, to, text string) (*Result, error) {
	to = strings.TrimSpace(to)
	if err := r.validatePayload(to, text); err != nil {
		return nil, err
	}

	if r.cfg.ConfirmRecipient && r.directory != nil {
		if _, err := r.directory.FindByUsername(ctx, to); err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				return nil, domain.InvalidRequest("unknown recipient")
			}
			return nil, fmt.Errorf("confirm recipient: %w", err)
		}
	}

	l := log.Ctx(ctx)

	msg, err := r.store.CreateMessage(ctx, sender.Username, to, text)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRecipient, to).Msg("failed to persist message")
		return nil, domain.ErrPersistenceFailed
	}

	frame := domain.NewReceiveMessage(msg)
	outcome := domain.StoredOnly

	recipient, online := r.registry.Lookup(to)
	if online {
		if err := recipient.Deliver(frame); err != nil {
			l.Warn().Err(err).
				Str(log.FieldMessageID, msg.ID).
				Str(log.FieldRecipient, to).
				Msg("live delivery failed, message kept in store")
		} else {
			outcome = domain.DeliveredLive
		}
	}

	if senderSession != nil && senderSession != recipient {
		if err := senderSession.Deliver(frame); err != nil {
			l.Debug().Err(err).Str(log.FieldMessageID, msg.ID).Msg("sender echo dropped")
		}
	}

	if outcome == domain.DeliveredLive {
		if err := r.store.MarkDelivered(ctx, msg); err != nil {
			l.Warn().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to mark message delivered")
		}
	}

	r.metrics.Routed(outcome)
	l.Debug().
		Str(log.FieldMessageID, msg.ID).
		Str(log.FieldRecipient, to).
		Str(log.FieldDelivery, string(outcome)).
		Msg("message routed")

	return &Result{Message: msg, Delivery: outcome}, nil
}

func (r *Router) validatePayload(to, text string) error {
	if err := r.validate.Var(to, "required,max=64"); err != nil {
		return domain.InvalidRequest("recipient is required")
	}
	if strings.TrimSpace(text) == "" {
		return domain.InvalidRequest("text is required")
	}
	if r.cfg.MaxTextLength > 0 {
		if err := r.validate.Var(text, fmt.Sprintf("max=%d", r.cfg.MaxTextLength)); err != nil {
			return domain.InvalidRequest(fmt.Sprintf("text exceeds %d characters", r.cfg.MaxTextLength))
		}
	}
	return nil
}
