package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chakresh/securechat/internal/common"
	"github.com/chakresh/securechat/internal/logging"
	"github.com/chakresh/securechat/internal/server/config"
	"github.com/chakresh/securechat/internal/server/keycustody"
	"github.com/chakresh/securechat/internal/server/messages"
	"github.com/chakresh/securechat/internal/server/presence"
	"github.com/chakresh/securechat/internal/server/relay"
	"github.com/chakresh/securechat/internal/server/users"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsers struct {
	mu   sync.Mutex
	byID map[string]*users.User
}

func newMemUsers() *memUsers {
	return &memUsers{byID: make(map[string]*users.User)}
}

func (m *memUsers) Create(ctx context.Context, u *users.User) (*users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now()
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return nil, common.ErrorNotFound
}

func (m *memUsers) UpdatePublicKey(ctx context.Context, id, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.PublicKey = publicKey
	return nil
}

func (m *memUsers) FindPublicKey(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok || u.PublicKey == "" {
		return "", common.ErrorNotFound
	}
	return u.PublicKey, nil
}

type memMessages struct {
	mu   sync.Mutex
	msgs []*messages.Message
}

func (m *memMessages) Insert(ctx context.Context, msg *messages.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memMessages) DirectHistory(ctx context.Context, userID, otherID string, limit int) ([]*messages.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*messages.Message
	for _, msg := range m.msgs {
		if (msg.SenderID == userID && msg.ReceiverID == otherID) ||
			(msg.SenderID == otherID && msg.ReceiverID == userID) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) GroupHistory(ctx context.Context, groupID, userID string, limit int) ([]*messages.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*messages.Message
	for _, msg := range m.msgs {
		if msg.GroupID != groupID {
			continue
		}
		if msg.ReceiverID == "" || msg.ReceiverID == userID || msg.SenderID == userID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) MarkGroupRead(ctx context.Context, groupID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.msgs {
		if msg.GroupID == groupID && msg.ReceiverID == "" && !msg.Read {
			msg.Read = true
			n++
		}
	}
	return n, nil
}

func (m *memMessages) MarkPeerRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.msgs {
		if msg.SenderID == senderID && msg.ReceiverID == receiverID && !msg.Read {
			msg.Read = true
			n++
		}
	}
	return n, nil
}

type harness struct {
	srv      *httptest.Server
	accounts *users.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.LoadDefaults()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	custody := keycustody.NewManager(cfg.KeyCustodySecret)
	accounts := users.NewService(newMemUsers(), custody, cfg, logger)

	hub := NewHub()
	tracker := presence.NewTracker(PresenceNotifier(hub))
	rel := relay.NewRelay(&memMessages{}, accounts, tracker, hub, logger)
	g := NewGateway(hub, tracker, rel, accounts, nil, cfg.JWTSecret, logger)

	srv := httptest.NewServer(g.Routes())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, accounts: accounts}
}

func (h *harness) postJSON(t *testing.T, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// register creates an account over the HTTP surface and returns the bearer
// token and user id.
func (h *harness) register(t *testing.T, username, password string) (token, userID string) {
	t.Helper()

	resp, body := h.postJSON(t, "/api/auth/register", map[string]string{
		"username":    username,
		"displayName": username,
		"password":    password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token, _ = body["token"].(string)
	user, _ := body["user"].(map[string]any)
	require.NotNil(t, user)
	userID, _ = user["id"].(string)
	require.NotEmpty(t, token)
	require.NotEmpty(t, userID)
	return token, userID
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T, token string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(Envelope{Event: event, Data: data}))
}

// waitFor reads frames until one carries the wanted event, discarding
// everything else (presence broadcasts interleave freely).
func (c *wsClient) waitFor(event string) json.RawMessage {
	c.t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(c.t, c.ws.SetReadDeadline(deadline))

	for {
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		_, raw, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %q", event)
		require.NoError(c.t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

// sync round-trips a history request so every event sent before it is known
// to have been dispatched: the read loop handles frames in order.
func (c *wsClient) sync() {
	c.t.Helper()
	c.send(evtHistory, historyRequest{OtherID: "nobody"})
	c.waitFor(evtHistory)
}

func TestServeWSRefusesBadToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	tests := []struct {
		name  string
		query string
	}{
		{"missing token", ""},
		{"garbage token", "?token=not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(url+tt.query, nil)
			require.Error(t, err)
			require.Nil(t, ws)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestRegisterAndLogin(t *testing.T) {
	h := newHarness(t)

	resp, body := h.postJSON(t, "/api/auth/register", map[string]string{
		"username": "alice", "displayName": "Alice", "password": "s3cret",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["ecdhPrivateKey"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.NotEmpty(t, user["ecdhPublicKey"])

	// duplicate username is refused
	resp, _ = h.postJSON(t, "/api/auth/register", map[string]string{
		"username": "alice", "displayName": "Alice", "password": "other",
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// wrong password is refused
	resp, _ = h.postJSON(t, "/api/auth/login", map[string]string{
		"username": "alice", "password": "wrong",
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// correct password recovers the same private key that registration issued
	resp, loginBody := h.postJSON(t, "/api/auth/login", map[string]string{
		"username": "alice", "password": "s3cret",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, loginBody["token"])
	assert.Equal(t, body["ecdhPrivateKey"], loginBody["ecdhPrivateKey"])
}

func TestUploadKey(t *testing.T) {
	h := newHarness(t)
	token, userID := h.register(t, "alice", "pw")

	resp, _ := h.postJSON(t, "/api/auth/uploadKey", map[string]string{"ecdhPublicKey": "replacement"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.postJSON(t, "/api/auth/uploadKey", map[string]string{"ecdhPublicKey": "replacement"}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	key, err := h.accounts.PublicKey(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "replacement", key)
}

func TestPresenceBroadcastOnConnect(t *testing.T) {
	h := newHarness(t)
	aliceTok, aliceID := h.register(t, "alice", "pw")
	bobTok, bobID := h.register(t, "bob", "pw")

	alice := h.dial(t, aliceTok)
	alice.waitFor(evtOnlineUsers)

	bob := h.dial(t, bobTok)

	// alice observes bob coming online
	for {
		var snap presence.Snapshot
		require.NoError(t, json.Unmarshal(alice.waitFor(evtOnlineUsers), &snap))
		if contains(snap.Online, bobID) {
			assert.Contains(t, snap.Online, aliceID)
			assert.NotContains(t, snap.LastSeen, bobID)
			break
		}
	}

	// bob disconnects; alice sees him drop to lastSeen
	bob.ws.Close()
	for {
		var snap presence.Snapshot
		require.NoError(t, json.Unmarshal(alice.waitFor(evtOnlineUsers), &snap))
		if !contains(snap.Online, bobID) {
			assert.Contains(t, snap.LastSeen, bobID)
			break
		}
	}
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func TestDirectMessageDelivery(t *testing.T) {
	h := newHarness(t)
	aliceTok, aliceID := h.register(t, "alice", "pw")
	bobTok, bobID := h.register(t, "bob", "pw")

	alice := h.dial(t, aliceTok)
	bob := h.dial(t, bobTok)

	// bob declares he can decrypt before alice sends ciphertext
	bob.send(evtCapabilities, presence.Capability{HasPrivateKey: true, HasWebCrypto: true})
	bob.sync()

	ciphertext := strings.Repeat("x", 48)
	alice.send(evtSendMessage, relay.Inbound{ReceiverID: bobID, Ciphertext: ciphertext})

	var msg messages.Message
	require.NoError(t, json.Unmarshal(bob.waitFor(evtMessage), &msg))
	assert.Equal(t, aliceID, msg.SenderID)
	assert.Equal(t, bobID, msg.ReceiverID)
	assert.Equal(t, ciphertext, msg.Ciphertext)
	assert.False(t, msg.Unencrypted())
	assert.NotEmpty(t, msg.ID)

	// the conversation is retrievable via history from either side
	alice.send(evtHistory, historyRequest{OtherID: bobID})
	var hist historyResponse
	require.NoError(t, json.Unmarshal(alice.waitFor(evtHistory), &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, msg.ID, hist.Messages[0].ID)
}

func TestShortPayloadCoercedToUnencrypted(t *testing.T) {
	h := newHarness(t)
	aliceTok, _ := h.register(t, "alice", "pw")
	bobTok, bobID := h.register(t, "bob", "pw")

	alice := h.dial(t, aliceTok)
	bob := h.dial(t, bobTok)

	// short payload: coerced to plaintext, so no capability gate applies
	// even though bob never declared one
	alice.send(evtSendMessage, relay.Inbound{ReceiverID: bobID, Ciphertext: "hi"})

	var msg messages.Message
	require.NoError(t, json.Unmarshal(bob.waitFor(evtMessage), &msg))
	assert.Equal(t, "hi", msg.Ciphertext)
	assert.True(t, msg.Unencrypted())
}

func TestSendRejections(t *testing.T) {
	h := newHarness(t)
	aliceTok, _ := h.register(t, "alice", "pw")
	bobTok, bobID := h.register(t, "bob", "pw")

	alice := h.dial(t, aliceTok)
	bob := h.dial(t, bobTok)

	// empty payload
	alice.send(evtSendMessage, relay.Inbound{ReceiverID: bobID})
	var rej relay.Rejection
	require.NoError(t, json.Unmarshal(alice.waitFor(evtErrorSending), &rej))
	assert.Equal(t, relay.ReasonNoCiphertext, rej.Reason)

	// no target at all
	alice.send(evtSendMessage, relay.Inbound{Ciphertext: strings.Repeat("x", 48)})
	require.NoError(t, json.Unmarshal(alice.waitFor(evtErrorSending), &rej))
	assert.Equal(t, relay.ReasonNoTarget, rej.Reason)

	// bob is online but declared he cannot decrypt
	bob.send(evtCapabilities, presence.Capability{HasPrivateKey: false, HasWebCrypto: true})
	bob.sync()
	alice.send(evtSendMessage, relay.Inbound{ReceiverID: bobID, Ciphertext: strings.Repeat("x", 48)})
	require.NoError(t, json.Unmarshal(alice.waitFor(evtErrorSending), &rej))
	assert.Equal(t, relay.ReasonRecipientNoPrivateKey, rej.Reason)
	assert.Equal(t, bobID, rej.ReceiverID)
}

func TestGroupMessaging(t *testing.T) {
	h := newHarness(t)
	aliceTok, aliceID := h.register(t, "alice", "pw")
	bobTok, _ := h.register(t, "bob", "pw")
	carolTok, _ := h.register(t, "carol", "pw")

	alice := h.dial(t, aliceTok)
	bob := h.dial(t, bobTok)
	carol := h.dial(t, carolTok)

	bob.send(evtJoinGroup, groupRequest{GroupID: "room-1"})
	bob.sync()
	carol.send(evtJoinGroup, groupRequest{GroupID: "room-2"})
	carol.sync()

	alice.send(evtJoinGroup, groupRequest{GroupID: "room-1"})
	alice.send(evtSendMessage, relay.Inbound{GroupID: "room-1", Ciphertext: strings.Repeat("g", 48)})

	var msg messages.Message
	require.NoError(t, json.Unmarshal(bob.waitFor(evtMessage), &msg))
	assert.Equal(t, aliceID, msg.SenderID)
	assert.Equal(t, "room-1", msg.GroupID)

	// alice is subscribed, so she receives her own group message back
	require.NoError(t, json.Unmarshal(alice.waitFor(evtMessage), &msg))
	assert.Equal(t, "room-1", msg.GroupID)

	// carol joined a different room; a read receipt for room-1 must not
	// reach her, but room-2 traffic must
	bob.send(evtMarkRead, markReadRequest{GroupID: "room-1"})
	var receipt relay.ReadReceipt
	require.NoError(t, json.Unmarshal(bob.waitFor(evtMessagesRead), &receipt))
	assert.Equal(t, "room-1", receipt.GroupID)

	alice.send(evtJoinGroup, groupRequest{GroupID: "room-2"})
	alice.send(evtSendMessage, relay.Inbound{GroupID: "room-2", Ciphertext: strings.Repeat("g", 48)})
	require.NoError(t, json.Unmarshal(carol.waitFor(evtMessage), &msg))
	assert.Equal(t, "room-2", msg.GroupID)
}

func TestMarkReadNotifiesPeer(t *testing.T) {
	h := newHarness(t)
	aliceTok, aliceID := h.register(t, "alice", "pw")
	bobTok, bobID := h.register(t, "bob", "pw")

	alice := h.dial(t, aliceTok)
	bob := h.dial(t, bobTok)

	alice.send(evtSendMessage, relay.Inbound{ReceiverID: bobID, Ciphertext: "hi"})
	bob.waitFor(evtMessage)

	// bob catches up on alice's messages; alice is told
	bob.send(evtMarkRead, markReadRequest{OtherID: aliceID})
	var receipt relay.ReadReceipt
	require.NoError(t, json.Unmarshal(alice.waitFor(evtMessagesRead), &receipt))
	assert.Equal(t, bobID, receipt.ReaderID)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := h.srv.Client().Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
