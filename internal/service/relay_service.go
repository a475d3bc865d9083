package service

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-relay/internal/audit"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/router"
	"github.com/weiawesome/wes-io-relay/internal/session"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

const publishTimeout = 2 * time.Second

// testHookRegistered runs right after a session is registered.
var testHookRegistered func(*hub.Client)

// Authenticator resolves a token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// RelayConfig holds the connection policies of the relay.
type RelayConfig struct {
	AuthTimeout time.Duration
	// PerMessageAuth requires a token on every send_message.
	PerMessageAuth bool
	ChannelPrefix  string
}

type relayService struct {
	hub       *hub.Hub
	registry  *presence.Registry
	auth      Authenticator
	router    *router.Router
	publisher pubsub.Publisher
	metrics   *metrics.Metrics
	cfg       RelayConfig
}

func NewRelayService(
	h *hub.Hub,
	reg *presence.Registry,
	auth Authenticator,
	r *router.Router,
	publisher pubsub.Publisher,
	m *metrics.Metrics,
	cfg RelayConfig,
) RelayService {
	if publisher == nil {
		publisher = pubsub.NopPublisher{}
	}
	return &relayService{
		hub:       h,
		registry:  reg,
		auth:      auth,
		router:    r,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
	}
}

func (s *relayService) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		s.metrics.AuthFailed(metrics.StageHandshake)
		audit.LogWithDetail(ctx, audit.ActionAuthFailed, "", domain.CodeOf(err), "handshake authentication failed")
		return domain.Identity{}, err
	}
	return identity, nil
}

func (s *relayService) HandleConnect(ctx context.Context, c *hub.Client, identity *domain.Identity) {
	s.hub.Register(c)
	s.metrics.ConnectionOpened()

	if identity != nil {
		s.establish(ctx, c, *identity, "")
		return
	}

	c.Session.ArmAuthTimeout(s.cfg.AuthTimeout, func() {
		l := log.Ctx(ctx)
		l.Info().Msg("closing connection that did not authenticate in time")
		c.Session.Deliver(domain.NewErrorMessage(domain.NewError(domain.ErrCodeUnauthorized, "authentication timeout")))
		c.Session.Close(session.ReasonAuthTimeout)
	})
}

func (s *relayService) HandleAuthenticate(ctx context.Context, c *hub.Client, requestID, token string) {
	if c.Session.State() == session.Closed {
		return
	}

	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		s.metrics.AuthFailed(metrics.StageEvent)
		audit.LogWithDetail(ctx, audit.ActionAuthFailed, "", domain.CodeOf(err), "authentication failed")
		c.Session.Deliver(&domain.AuthenticateResultMessage{
			Type:      domain.MsgTypeAuthenticateResult,
			RequestID: requestID,
			Success:   false,
			Error:     domain.AsError(err),
		})
		return
	}

	s.establish(ctx, c, identity, requestID)
}

// establish binds identity to the client's session. On the first binding it
// registers presence, closes any session it supersedes and announces the
// user as online.
func (s *relayService) establish(ctx context.Context, c *hub.Client, identity domain.Identity, requestID string) {
	first, err := c.Session.Authenticate(identity)
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		return
	case errors.Is(err, session.ErrIdentityMismatch):
		c.Session.Deliver(&domain.AuthenticateResultMessage{
			Type:      domain.MsgTypeAuthenticateResult,
			RequestID: requestID,
			Success:   false,
			Error:     domain.NewError(domain.ErrCodeUnauthorized, "connection is authenticated as another user"),
		})
		return
	}

	result := &domain.AuthenticateResultMessage{
		Type:      domain.MsgTypeAuthenticateResult,
		RequestID: requestID,
		Success:   true,
		User:      &identity,
	}
	if !first {
		c.Session.Deliver(result)
		return
	}

	ctx = log.WithUser(ctx, identity.ID, identity.Username)

	prev := s.registry.Register(identity, c.Session)
	if testHookRegistered != nil {
		testHookRegistered(c)
	}

	// The connection may have dropped while registering. If the entry is
	// still ours, hand it back to prev. Otherwise our teardown already
	// released presence and prev is stale.
	if c.Session.State() == session.Closed {
		switch {
		case s.registry.Restore(identity, c.Session, prev):
			if prev != nil && prev.State() == session.Closed {
				s.release(ctx, identity, prev)
			}
		case prev != nil:
			s.supersede(ctx, identity, prev)
		}
		return
	}

	if prev != nil {
		s.supersede(ctx, identity, prev)
	}

	c.Session.Deliver(result)
	s.metrics.SetOnline(s.registry.Len())
	audit.Log(ctx, audit.ActionAuth, identity.ID, "connection authenticated")

	s.broadcastPresence(ctx, domain.MsgTypeUserOnline, pubsub.EventUserOnline, identity)
}

func (s *relayService) HandleSendMessage(ctx context.Context, c *hub.Client, msg *domain.SendMessage) {
	reply := func(res *router.Result, err error) {
		out := &domain.SendMessageResultMessage{
			Type:      domain.MsgTypeSendMessageResult,
			RequestID: msg.RequestID,
			Success:   err == nil,
		}
		if err != nil {
			out.Error = domain.AsError(err)
		} else {
			out.Message = res.Message
			out.Delivery = res.Delivery
		}
		c.Session.Deliver(out)
	}

	identity, ok := c.Session.Identity()
	if c.Session.State() != session.Authenticated || !ok {
		reply(nil, domain.ErrUnauthorized)
		return
	}

	if msg.Token != "" || s.cfg.PerMessageAuth {
		tokenIdentity, err := s.auth.Authenticate(ctx, msg.Token)
		if err != nil {
			s.metrics.AuthFailed(metrics.StagePerMessage)
			audit.LogWithDetail(ctx, audit.ActionAuthFailed, identity.ID, domain.CodeOf(err), "per-message authentication failed")
			reply(nil, err)
			return
		}
		if tokenIdentity.Username != identity.Username {
			reply(nil, domain.NewError(domain.ErrCodeUnauthorized, "token does not match the connection"))
			return
		}
	}

	res, err := s.router.Route(ctx, identity, c.Session, msg.To, msg.Text)
	if err != nil {
		var de *domain.Error
		if !errors.As(err, &de) {
			l := log.Ctx(ctx)
			l.Error().Err(err).Str(log.FieldRecipient, msg.To).Msg("failed to route message")
		}
		reply(nil, err)
		return
	}

	reply(res, nil)
	audit.LogWithTarget(ctx, audit.ActionSendMessage, identity.ID, res.Message.ID, "message sent")
	s.publish(ctx, pubsub.MessageChannel(s.cfg.ChannelPrefix, res.Message.To), pubsub.EventMessageCreated, res.Message.To, map[string]interface{}{
		"message":  res.Message,
		"delivery": res.Delivery,
	})
}

func (s *relayService) HandlePing(ctx context.Context, c *hub.Client) {
	c.Session.Deliver(&domain.PongMessage{Type: domain.MsgTypePong})
}

// HandleDisconnect tears the connection down once. Presence is released
// only if this session is still the registered one.
func (s *relayService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	c.Session.Close(session.ReasonClientClosed)
	if !c.Session.BeginTeardown() {
		return
	}

	s.hub.Unregister(c)
	s.metrics.ConnectionClosed()

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldReason, c.Session.CloseReason()).
		Dur("connected_for", time.Since(c.Session.CreatedAt())).
		Time("last_active", c.Session.LastActiveAt()).
		Msg("websocket connection ended")

	identity, ok := c.Session.Identity()
	if !ok {
		return
	}
	s.release(ctx, identity, c.Session)
}

func (s *relayService) supersede(ctx context.Context, identity domain.Identity, prev *session.Session) {
	prev.Deliver(domain.NewErrorMessage(domain.NewError(domain.ErrCodeUnauthorized, "signed in from another connection")))
	prev.Close(session.ReasonSuperseded)
	audit.LogWithTarget(ctx, audit.ActionSuperseded, identity.ID, prev.ID(), "previous connection superseded")
}

// release drops sess from presence and announces the user offline, but only
// while sess is the registered session.
func (s *relayService) release(ctx context.Context, identity domain.Identity, sess *session.Session) {
	if !s.registry.Unregister(identity, sess) {
		return
	}

	s.metrics.SetOnline(s.registry.Len())
	audit.LogWithDetail(ctx, audit.ActionDisconnect, identity.ID, sess.CloseReason(), "connection closed")
	s.broadcastPresence(ctx, domain.MsgTypeUserOffline, pubsub.EventUserOffline, identity)
}

func (s *relayService) OnlineUsers() []domain.Identity {
	return s.registry.SnapshotIdentities()
}

func (s *relayService) broadcastPresence(ctx context.Context, msgType, eventType string, identity domain.Identity) {
	online := s.registry.SnapshotOnline()
	if err := s.hub.Broadcast(domain.NewPresenceMessage(msgType, identity, online)); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldEventType, msgType).Msg("presence broadcast failed")
	}

	s.publish(ctx, pubsub.PresenceChannel(s.cfg.ChannelPrefix, identity.Username), eventType, identity.Username, map[string]interface{}{
		"user":         identity,
		"online_count": len(online),
	})
}

// publish sends an event to the bus. Failures are logged only.
func (s *relayService) publish(ctx context.Context, channel, eventType, subject string, payload interface{}) {
	l := log.Ctx(ctx)

	event, err := pubsub.NewEvent(eventType, subject, payload)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldEventType, eventType).Msg("failed to build event")
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, channel, event); err != nil {
		l.Warn().Err(err).Str(log.FieldEventType, eventType).Msg("failed to publish event")
	}
}
