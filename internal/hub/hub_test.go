package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/session"
)

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	req := require.New(t)
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := NewClient(session.New("a", 4), nil, Config{})
	b := NewClient(session.New("b", 4), nil, Config{})
	h.Register(a)
	h.Register(b)
	req.Eventually(func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	req.NoError(h.Broadcast(domain.NewPresenceMessage(domain.MsgTypeUserOnline, domain.Identity{Username: "alice"}, []string{"alice"})))

	for _, c := range []*Client{a, b} {
		select {
		case frame := <-c.Session.Outbound():
			req.Contains(string(frame), `"type":"user_online"`)
			req.Contains(string(frame), `"online_users":["alice"]`)
		case <-time.After(time.Second):
			t.Fatalf("client %s got no broadcast", c.Session.ID())
		}
	}
}

func TestHub_UnregisteredClientGetsNothing(t *testing.T) {
	req := require.New(t)
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := NewClient(session.New("a", 4), nil, Config{})
	h.Register(a)
	h.Unregister(a)
	req.Eventually(func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)

	req.NoError(h.Broadcast(domain.PongMessage{Type: domain.MsgTypePong}))
	time.Sleep(20 * time.Millisecond)

	req.Len(a.Session.Outbound(), 0)
}

func TestHub_SlowConsumerIsClosed(t *testing.T) {
	req := require.New(t)
	h := NewHub()
	go h.Run()
	defer h.Stop()

	slow := NewClient(session.New("slow", 1), nil, Config{})
	req.NoError(slow.Session.Enqueue([]byte("{}")))
	h.Register(slow)

	req.NoError(h.Broadcast(domain.PongMessage{Type: domain.MsgTypePong}))

	select {
	case <-slow.Session.Done():
		req.Equal(session.ReasonSlowConsumer, slow.Session.CloseReason())
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not closed")
	}
}

func TestHub_StopClosesSessions(t *testing.T) {
	req := require.New(t)
	h := NewHub()
	go h.Run()

	a := NewClient(session.New("a", 1), nil, Config{})
	h.Register(a)
	req.Eventually(func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	h.Stop()

	req.Equal(session.Closed, a.Session.State())
	// Calls after Stop return instead of blocking.
	h.Unregister(a)
	req.NoError(h.Broadcast(domain.PongMessage{Type: domain.MsgTypePong}))
}
