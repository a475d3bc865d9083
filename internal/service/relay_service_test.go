package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/router"
	"github.com/weiawesome/wes-io-relay/internal/session"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

var (
	alice = domain.Identity{ID: "u-alice", Username: "alice"}
	bob   = domain.Identity{ID: "u-bob", Username: "bob"}
)

type fakeAuth map[string]domain.Identity

func (f fakeAuth) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	id, ok := f[token]
	if !ok {
		return domain.Identity{}, domain.ErrInvalidToken
	}
	return id, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*pubsub.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event *pubsub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type relayFixture struct {
	svc       RelayService
	hub       *hub.Hub
	registry  *presence.Registry
	store     store.Store
	publisher *recordingPublisher
}

func newRelayFixture(t *testing.T, cfg RelayConfig) *relayFixture {
	t.Helper()

	db, err := store.OpenBadger("", true)
	require.NoError(t, err)
	st, err := store.NewBadgerStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := hub.NewHub()
	go h.Run()
	t.Cleanup(h.Stop)

	reg := presence.NewRegistry()
	pub := &recordingPublisher{}
	auth := fakeAuth{"alice-token": alice, "bob-token": bob}
	r := router.New(st, reg, nil, nil, router.Config{MaxTextLength: 100})

	return &relayFixture{
		svc:       NewRelayService(h, reg, auth, r, pub, nil, cfg),
		hub:       h,
		registry:  reg,
		store:     st,
		publisher: pub,
	}
}

func (f *relayFixture) connect(t *testing.T, id string) *hub.Client {
	t.Helper()
	c := hub.NewClient(session.New(id, 64), nil, hub.Config{})
	f.svc.HandleConnect(context.Background(), c, nil)
	return c
}

func (f *relayFixture) login(t *testing.T, id, token string) *hub.Client {
	t.Helper()
	c := f.connect(t, id)
	f.svc.HandleAuthenticate(context.Background(), c, "r-auth", token)
	res := nextOfType(t, c.Session, domain.MsgTypeAuthenticateResult)
	require.True(t, res["success"].(bool))
	return c
}

// nextOfType reads frames from s until one of the given type arrives.
func nextOfType(t *testing.T, s *session.Session, typ string) map[string]interface{} {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case frame := <-s.Outbound():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(frame, &m))
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s frame for session %s", typ, s.ID())
			return nil
		}
	}
}

// countOfType drains s for wait and counts frames of the given type.
func countOfType(t *testing.T, s *session.Session, typ string, wait time.Duration) int {
	t.Helper()
	n := 0
	deadline := time.After(wait)
	for {
		select {
		case frame := <-s.Outbound():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(frame, &m))
			if m["type"] == typ {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestRelay_AuthenticateRegistersPresence(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})

	// When alice authenticates
	c := f.login(t, "s-alice", "alice-token")

	// Then lookup returns her session and everyone sees her online
	got, ok := f.registry.Lookup("alice")
	req.True(ok)
	req.Same(c.Session, got)
	req.Equal(session.Authenticated, c.Session.State())

	online := nextOfType(t, c.Session, domain.MsgTypeUserOnline)
	req.Equal("alice", online["user"].(map[string]interface{})["username"])
	req.Equal([]interface{}{"alice"}, online["online_users"])
	req.Equal([]domain.Identity{alice}, f.svc.OnlineUsers())
	req.Contains(f.publisher.types(), pubsub.EventUserOnline)
}

func TestRelay_FailedAuthenticationKeepsConnectionOpen(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	c := f.connect(t, "s-1")

	f.svc.HandleAuthenticate(context.Background(), c, "r-1", "bad-token")

	res := nextOfType(t, c.Session, domain.MsgTypeAuthenticateResult)
	req.False(res["success"].(bool))
	req.Equal("r-1", res["request_id"])
	req.Equal(domain.ErrCodeInvalidToken, res["error"].(map[string]interface{})["code"])
	req.Equal(session.Connecting, c.Session.State())

	// And a retry may still succeed
	f.svc.HandleAuthenticate(context.Background(), c, "r-2", "alice-token")
	res = nextOfType(t, c.Session, domain.MsgTypeAuthenticateResult)
	req.True(res["success"].(bool))
}

func TestRelay_SendBeforeAuthenticateIsUnauthorized(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	c := f.connect(t, "s-1")

	f.svc.HandleSendMessage(context.Background(), c, &domain.SendMessage{RequestID: "r-1", To: "bob", Text: "hi"})

	res := nextOfType(t, c.Session, domain.MsgTypeSendMessageResult)
	req.False(res["success"].(bool))
	req.Equal(domain.ErrCodeUnauthorized, res["error"].(map[string]interface{})["code"])
	msgs, err := f.store.ListConversation(context.Background(), "alice", "bob")
	req.NoError(err)
	req.Empty(msgs)
}

func TestRelay_AliceAndBobScenario(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	ctx := context.Background()
	a := f.login(t, "s-alice", "alice-token")
	b := f.login(t, "s-bob", "bob-token")

	// When alice sends bob "hi"
	f.svc.HandleSendMessage(ctx, a, &domain.SendMessage{RequestID: "r-1", To: "bob", Text: "hi"})

	// Then bob receives it and alice gets the same echo
	got := nextOfType(t, b.Session, domain.MsgTypeReceiveMessage)["message"].(map[string]interface{})
	req.Equal("alice", got["from"])
	req.Equal("bob", got["to"])
	req.Equal("hi", got["text"])
	req.Equal("sent", got["status"])

	echo := nextOfType(t, a.Session, domain.MsgTypeReceiveMessage)["message"].(map[string]interface{})
	req.Equal(got, echo)

	result := nextOfType(t, a.Session, domain.MsgTypeSendMessageResult)
	req.True(result["success"].(bool))
	req.Equal(string(domain.DeliveredLive), result["delivery"])

	// When bob disconnects and alice sends again
	f.svc.HandleDisconnect(ctx, b)
	offline := nextOfType(t, a.Session, domain.MsgTypeUserOffline)
	req.Equal("bob", offline["user"].(map[string]interface{})["username"])
	req.Equal([]interface{}{"alice"}, offline["online_users"])

	f.svc.HandleSendMessage(ctx, a, &domain.SendMessage{RequestID: "r-2", To: "bob", Text: "gone"})

	// Then the message is stored only
	result = nextOfType(t, a.Session, domain.MsgTypeSendMessageResult)
	req.True(result["success"].(bool))
	req.Equal(string(domain.StoredOnly), result["delivery"])
	req.Equal(0, countOfType(t, b.Session, domain.MsgTypeReceiveMessage, 20*time.Millisecond))

	history, err := f.store.ListConversation(ctx, "bob", "alice")
	req.NoError(err)
	req.Len(history, 2)
	req.Equal("gone", history[1].Text)
	req.Equal("bob", history[1].To)
	req.Equal(domain.StatusDelivered, history[0].Status)
	req.Equal(domain.StatusSent, history[1].Status)

	req.Contains(f.publisher.types(), pubsub.EventMessageCreated)
	req.Contains(f.publisher.types(), pubsub.EventUserOffline)
}

func TestRelay_SupersedeAndStaleDisconnect(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	ctx := context.Background()
	observer := f.login(t, "s-bob", "bob-token")
	first := f.login(t, "s-alice-1", "alice-token")

	// When alice signs in again on a second connection
	second := f.login(t, "s-alice-2", "alice-token")

	// Then the first connection is closed as superseded
	req.Equal(session.Closed, first.Session.State())
	req.Equal(session.ReasonSuperseded, first.Session.CloseReason())
	got, ok := f.registry.Lookup("alice")
	req.True(ok)
	req.Same(second.Session, got)

	// When the first connection's teardown runs late
	countOfType(t, observer.Session, domain.MsgTypeUserOnline, 20*time.Millisecond)
	f.svc.HandleDisconnect(ctx, first)

	// Then alice stays online and nobody is told she left
	got, ok = f.registry.Lookup("alice")
	req.True(ok)
	req.Same(second.Session, got)
	req.Equal(0, countOfType(t, observer.Session, domain.MsgTypeUserOffline, 30*time.Millisecond))
}

func TestRelay_DisconnectBroadcastsOnce(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	ctx := context.Background()
	observer := f.login(t, "s-bob", "bob-token")
	a := f.login(t, "s-alice", "alice-token")
	countOfType(t, observer.Session, domain.MsgTypeUserOnline, 20*time.Millisecond)

	// When teardown is observed from several paths
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.HandleDisconnect(ctx, a)
		}()
	}
	wg.Wait()

	// Then exactly one offline broadcast goes out
	req.False(f.registry.IsOnline("alice"))
	req.Equal(1, countOfType(t, observer.Session, domain.MsgTypeUserOffline, 50*time.Millisecond))
}

// onRegistered runs fn in the window between registering a session and
// confirming it is still open.
func onRegistered(t *testing.T, fn func(c *hub.Client)) {
	t.Helper()
	testHookRegistered = fn
	t.Cleanup(func() { testHookRegistered = nil })
}

func TestRelay_ClosedWhileRegisteringKeepsLiveSession(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	ctx := context.Background()
	observer := f.login(t, "s-bob", "bob-token")
	first := f.login(t, "s-alice-1", "alice-token")
	countOfType(t, observer.Session, domain.MsgTypeUserOnline, 20*time.Millisecond)

	// Given a second alice connection that drops right after registering
	second := f.connect(t, "s-alice-2")
	onRegistered(t, func(c *hub.Client) { c.Session.Close(session.ReasonSlowConsumer) })
	f.svc.HandleAuthenticate(ctx, second, "r-auth", "alice-token")
	f.svc.HandleDisconnect(ctx, second)

	// Then the first connection keeps presence and nobody sees her leave
	req.Equal(session.Authenticated, first.Session.State())
	got, ok := f.registry.Lookup("alice")
	req.True(ok)
	req.Same(first.Session, got)
	req.Equal(0, countOfType(t, first.Session, domain.MsgTypeError, 20*time.Millisecond))
	req.Equal(0, countOfType(t, observer.Session, domain.MsgTypeUserOffline, 30*time.Millisecond))
}

func TestRelay_TornDownWhileRegisteringSupersedesPrevious(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	ctx := context.Background()
	observer := f.login(t, "s-bob", "bob-token")
	first := f.login(t, "s-alice-1", "alice-token")
	countOfType(t, observer.Session, domain.MsgTypeUserOnline, 20*time.Millisecond)

	// Given a second connection whose teardown finishes right after registering
	second := f.connect(t, "s-alice-2")
	onRegistered(t, func(c *hub.Client) { f.svc.HandleDisconnect(ctx, c) })
	f.svc.HandleAuthenticate(ctx, second, "r-auth", "alice-token")

	// Then the first connection is closed and alice goes offline exactly once
	req.Equal(session.Closed, first.Session.State())
	req.Equal(session.ReasonSuperseded, first.Session.CloseReason())
	f.svc.HandleDisconnect(ctx, first)
	req.False(f.registry.IsOnline("alice"))
	req.Equal(1, countOfType(t, observer.Session, domain.MsgTypeUserOffline, 50*time.Millisecond))
}

func TestRelay_PreviousClosedWhileRegisteringGoesOffline(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	ctx := context.Background()
	observer := f.login(t, "s-bob", "bob-token")
	first := f.login(t, "s-alice-1", "alice-token")
	countOfType(t, observer.Session, domain.MsgTypeUserOnline, 20*time.Millisecond)

	// Given both alice connections drop while the second is registering
	second := f.connect(t, "s-alice-2")
	onRegistered(t, func(c *hub.Client) {
		f.svc.HandleDisconnect(ctx, first)
		c.Session.Close(session.ReasonSlowConsumer)
	})
	f.svc.HandleAuthenticate(ctx, second, "r-auth", "alice-token")
	f.svc.HandleDisconnect(ctx, second)

	// Then alice goes offline exactly once
	req.False(f.registry.IsOnline("alice"))
	req.Equal(1, countOfType(t, observer.Session, domain.MsgTypeUserOffline, 50*time.Millisecond))
}

func TestRelay_DisconnectLogsConnectionLifetime(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	var buf bytes.Buffer
	ctx := log.WithLogger(context.Background(), log.NewWithWriter(log.Config{Level: "info"}, &buf))
	c := f.login(t, "s-alice", "alice-token")
	c.Session.UpdateActivity()

	f.svc.HandleDisconnect(ctx, c)

	var ended map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		req.NoError(json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "websocket connection ended" {
			ended = entry
		}
	}
	req.NotNil(ended)
	req.Equal(session.ReasonClientClosed, ended[log.FieldReason])
	req.Contains(ended, "connected_for")
	req.Contains(ended, "last_active")
}

func TestRelay_PerMessageTokenFailureFailsOnlyThatRequest(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{PerMessageAuth: true})
	ctx := context.Background()
	a := f.login(t, "s-alice", "alice-token")

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", domain.ErrCodeInvalidToken},
		{"invalid", "forged", domain.ErrCodeInvalidToken},
		{"other identity", "bob-token", domain.ErrCodeUnauthorized},
	}

	for _, tt := range tests {
		f.svc.HandleSendMessage(ctx, a, &domain.SendMessage{RequestID: tt.name, To: "bob", Text: "hi", Token: tt.token})

		res := nextOfType(t, a.Session, domain.MsgTypeSendMessageResult)
		req.False(res["success"].(bool), tt.name)
		req.Equal(tt.code, res["error"].(map[string]interface{})["code"], tt.name)
		req.Equal(session.Authenticated, a.Session.State(), tt.name)
	}

	// A valid token goes through
	f.svc.HandleSendMessage(ctx, a, &domain.SendMessage{RequestID: "ok", To: "bob", Text: "hi", Token: "alice-token"})
	res := nextOfType(t, a.Session, domain.MsgTypeSendMessageResult)
	req.True(res["success"].(bool))
}

func TestRelay_ReauthenticateAsOtherUserIsRejected(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{})
	a := f.login(t, "s-alice", "alice-token")

	f.svc.HandleAuthenticate(context.Background(), a, "r-2", "bob-token")

	res := nextOfType(t, a.Session, domain.MsgTypeAuthenticateResult)
	req.False(res["success"].(bool))
	req.Equal(domain.ErrCodeUnauthorized, res["error"].(map[string]interface{})["code"])
	id, _ := a.Session.Identity()
	req.Equal(alice, id)
	req.False(f.registry.IsOnline("bob"))
}

func TestRelay_AuthTimeoutClosesConnection(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{AuthTimeout: 20 * time.Millisecond})

	c := f.connect(t, "s-1")

	select {
	case <-c.Session.Done():
		req.Equal(session.ReasonAuthTimeout, c.Session.CloseReason())
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestRelay_HandshakeIdentity(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, RelayConfig{AuthTimeout: 20 * time.Millisecond})
	c := hub.NewClient(session.New("s-1", 64), nil, hub.Config{})

	f.svc.HandleConnect(context.Background(), c, &alice)

	res := nextOfType(t, c.Session, domain.MsgTypeAuthenticateResult)
	req.True(res["success"].(bool))
	req.True(f.registry.IsOnline("alice"))

	// The auth timeout never applies to a handshake-authenticated connection.
	time.Sleep(40 * time.Millisecond)
	req.Equal(session.Authenticated, c.Session.State())
}

func TestRelay_Ping(t *testing.T) {
	f := newRelayFixture(t, RelayConfig{})
	c := f.connect(t, "s-1")

	f.svc.HandlePing(context.Background(), c)

	nextOfType(t, c.Session, domain.MsgTypePong)
}
