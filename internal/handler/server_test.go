package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/auth"
	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/router"
	"github.com/weiawesome/wes-io-relay/internal/service"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
)

type testServer struct {
	*httptest.Server
	store store.Store
}

func newTestServer(t *testing.T, requireToken bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		DSN:      fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()),
		LogLevel: "silent",
	})
	require.NoError(t, err)

	repo, err := directory.NewGormUserRepository(db)
	require.NoError(t, err)
	st, err := store.NewGormStore(db)
	require.NoError(t, err)
	tokens, err := jwt.NewManager("handler-test-secret", time.Hour, "relay")
	require.NoError(t, err)

	h := hub.NewHub()
	go h.Run()

	reg := presence.NewRegistry()
	r := router.New(st, reg, repo, nil, router.Config{MaxTextLength: 4000, ConfirmRecipient: true})
	relay := service.NewRelayService(h, reg, auth.NewAuthenticator(tokens, repo), r, nil, nil, service.RelayConfig{
		AuthTimeout: 5 * time.Second,
	})
	users := service.NewUserService(repo, st, tokens, nil)

	engine := gin.New()
	NewHandler(users, relay, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(engine)

	ws := NewWSHandler(relay, WSConfig{
		Client: hub.Config{
			PingInterval:   time.Second,
			PongWait:       2 * time.Second,
			WriteWait:      time.Second,
			MaxMessageSize: 8192,
		},
		SendBuffer:   64,
		RequireToken: requireToken,
	})

	mr := mux.NewRouter()
	ws.RegisterRoutes(mr)
	mr.HandleFunc("/health", Health)
	mr.PathPrefix("/api/").Handler(engine)

	srv := httptest.NewServer(mr)
	t.Cleanup(func() {
		srv.Close()
		h.Stop()
		_ = database.Close(db)
	})
	return &testServer{Server: srv, store: st}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

// signup registers username and returns its token.
func (s *testServer) signup(t *testing.T, username string) string {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"display_name":     strings.ToUpper(username[:1]) + username[1:],
		"username":         username,
		"password":         "password",
		"confirm_password": "password",
	})
	require.Equal(t, http.StatusCreated, status)

	var res struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.NotEmpty(t, res.Token)
	return res.Token
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// expect reads frames until one of type typ arrives.
func expect(t *testing.T, conn *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m map[string]interface{}
		require.NoError(t, conn.ReadJSON(&m), "waiting for %s", typ)
		if m["type"] == typ {
			return m
		}
	}
}
