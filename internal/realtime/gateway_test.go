package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/ingress"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/store"
)

var (
	clientOne = auth.Identity{UserID: "client-1", Role: auth.RoleClient, CompanyID: "co1", Name: "Ana"}
	clientTwo = auth.Identity{UserID: "client-2", Role: auth.RoleClient, CompanyID: "co1"}
	agentOne  = auth.Identity{UserID: "ag1", Role: auth.RoleAgent, CompanyID: "co1", Name: "Bia"}
	agentAway = auth.Identity{UserID: "ag9", Role: auth.RoleAgent, CompanyID: "co2"}
)

type testEnv struct {
	gw       *Gateway
	store    *store.MockStore
	queue    *queue.Manager
	verifier *auth.JWTVerifier
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	s := store.NewMockStore()
	b := bus.NewLocalBus(nil)
	q := queue.NewManager(s, queue.Options{Bus: b})
	in := ingress.New(s, q, b, nil, nil)
	verifier := auth.NewJWTVerifier([]byte(strings.Repeat("k", 32)))
	cache := dedupe.New(time.Minute, 100)

	opts := Options{
		Store:        s,
		Messages:     in,
		Queue:        q,
		Bus:          b,
		Verifier:     verifier,
		Dedupe:       cache,
		OpTimeout:    2 * time.Second,
		PingInterval: time.Minute,
		SendRate:     100,
		SendBurst:    100,
	}
	if mutate != nil {
		mutate(&opts)
	}
	gw := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		gw.Close()
		srv.Close()
		cancel()
		cache.Close()
		b.Close()
	})
	return &testEnv{gw: gw, store: s, queue: q, verifier: verifier, srv: srv}
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
}

// dial connects as id and waits until the gateway has registered the
// connection.
func (e *testEnv) dial(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()
	token, err := e.verifier.Generate(id, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL("?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	send(t, conn, OpGetQueuePosition, "hello", nil)
	waitAck(t, conn, "hello")
	return conn
}

func (e *testEnv) enqueue(t *testing.T, clientUserID string) string {
	t.Helper()
	conv := &store.Conversation{CompanyID: "co1", ClientName: "Ana"}
	if clientUserID != "" {
		conv.ClientUserID = &clientUserID
	}
	_, err := e.queue.Enqueue(context.Background(), conv)
	require.NoError(t, err)
	return conv.ID
}

func send(t *testing.T, conn *websocket.Conn, event, id string, data any) {
	t.Helper()
	env := map[string]any{"event": event, "id": id}
	if data != nil {
		env["data"] = data
	}
	require.NoError(t, conn.WriteJSON(env))
}

func readFrame(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// waitFor skips frames until one with the given event arrives.
func waitFor(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	for {
		env := readFrame(t, conn)
		if env.Event != event {
			continue
		}
		var data map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return data
	}
}

type ack struct {
	OK    bool       `json:"ok"`
	Error *ErrorBody `json:"error"`
	data  map[string]any
}

func waitAck(t *testing.T, conn *websocket.Conn, id string) ack {
	t.Helper()
	for {
		env := readFrame(t, conn)
		if env.Event != EventAck || env.ID != id {
			continue
		}
		var a ack
		require.NoError(t, json.Unmarshal(env.Data, &a))
		require.NoError(t, json.Unmarshal(env.Data, &a.data))
		return a
	}
}

func requireCode(t *testing.T, a ack, code string) {
	t.Helper()
	require.False(t, a.OK)
	require.NotNil(t, a.Error)
	assert.Equal(t, code, a.Error.Code)
}

func TestGateway_Unauthorized(t *testing.T) {
	env := newTestEnv(t, nil)

	for name, query := range map[string]string{
		"missing token": "",
		"bad token":     "?token=garbage",
	} {
		t.Run(name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(query), nil)
			require.NoError(t, err)
			defer conn.Close()

			frame := readFrame(t, conn)
			assert.Equal(t, EventError, frame.Event)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(frame.Data, &body))
			assert.Equal(t, CodeUnauthorized, body.Code)

			_, _, err = conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}

	conns, _ := env.gw.Registry().Counts()
	assert.Zero(t, conns)
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	token, err := env.verifier.Generate(clientOne, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("?token="+token), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_AllowedOrigins(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AllowedOrigins = []string{"https://app.example"} })
	token, err := env.verifier.Generate(clientOne, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Origin", "https://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("?token="+token), header)
	require.NoError(t, err)
	conn.Close()
}

func TestGateway_JoinNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, clientOne)

	send(t, conn, OpJoin, "j1", map[string]string{"conversationId": "missing"})
	requireCode(t, waitAck(t, conn, "j1"), CodeConversationNotFound)

	_, rooms := env.gw.Registry().Counts()
	assert.Zero(t, rooms)
}

func TestGateway_JoinForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)

	other := env.dial(t, clientTwo)
	send(t, other, OpJoin, "j1", map[string]string{"conversationId": convID})
	requireCode(t, waitAck(t, other, "j1"), CodeForbidden)

	away := env.dial(t, agentAway)
	send(t, away, OpJoin, "j2", map[string]string{"conversationId": convID})
	requireCode(t, waitAck(t, away, "j2"), CodeForbidden)
}

func TestGateway_HelloScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)

	client := env.dial(t, clientOne)
	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	joined := waitAck(t, client, "j1")
	require.True(t, joined.OK)
	assert.Equal(t, convID, joined.data["conversationId"])
	assert.Empty(t, joined.data["messages"])

	agent := env.dial(t, agentOne)
	send(t, agent, OpJoin, "j2", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, agent, "j2").OK)

	presence := waitFor(t, client, EventUserJoined)
	assert.Equal(t, "ag1", presence["userId"])

	send(t, client, OpSendMessage, "m1", map[string]any{"content": "hello", "clientMessageId": "local-1"})
	sent := waitAck(t, client, "m1")
	require.True(t, sent.OK)
	require.NotEmpty(t, sent.data["messageId"])
	assert.NotEmpty(t, sent.data["timestamp"])

	pushed := waitFor(t, agent, EventMessage)
	assert.Equal(t, sent.data["messageId"], pushed["id"])
	assert.Equal(t, "hello", pushed["content"])

	send(t, agent, OpSendMessage, "m2", map[string]any{"content": "hi, how can I help?"})
	require.True(t, waitAck(t, agent, "m2").OK)

	assigned := waitFor(t, client, EventConversationAssigned)
	assert.Equal(t, convID, assigned["conversationId"])
	assert.Equal(t, "ag1", assigned["agentId"])

	conv, err := env.store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, conv.Status)

	// a late joiner sees the history
	late := env.dial(t, agentOne)
	send(t, late, OpJoin, "j3", map[string]string{"conversationId": convID})
	history := waitAck(t, late, "j3")
	require.True(t, history.OK)
	assert.Len(t, history.data["messages"], 2)
}

func TestGateway_SendRequiresRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)
	client := env.dial(t, clientOne)

	send(t, client, OpSendMessage, "m1", map[string]any{"content": "hello"})
	requireCode(t, waitAck(t, client, "m1"), CodeInvalidMessage)

	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)

	send(t, client, OpSendMessage, "m2", map[string]any{"conversationId": "elsewhere", "content": "hello"})
	requireCode(t, waitAck(t, client, "m2"), CodeForbidden)

	send(t, client, OpSendMessage, "m3", map[string]any{"content": "   "})
	requireCode(t, waitAck(t, client, "m3"), CodeInvalidMessage)

	msgs, err := env.store.ListMessages(context.Background(), convID, store.MessageQuery{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGateway_Typing(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)

	client := env.dial(t, clientOne)
	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)
	agent := env.dial(t, agentOne)
	send(t, agent, OpJoin, "j2", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, agent, "j2").OK)

	send(t, agent, OpStartTyping, "t1", nil)
	require.True(t, waitAck(t, agent, "t1").OK)
	typing := waitFor(t, client, EventTyping)
	assert.Equal(t, "ag1", typing["userId"])
	assert.Equal(t, true, typing["isTyping"])

	send(t, agent, OpSendMessage, "m1", map[string]any{"content": "on it"})
	require.True(t, waitAck(t, agent, "m1").OK)
	typing = waitFor(t, client, EventTyping)
	assert.Equal(t, false, typing["isTyping"], "sending clears typing")
	assert.Zero(t, env.gw.Typing().Len())
}

func TestGateway_DisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)

	client := env.dial(t, clientOne)
	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)

	agent := env.dial(t, agentOne)
	send(t, agent, OpJoin, "j2", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, agent, "j2").OK)
	send(t, agent, OpStartTyping, "t1", nil)
	require.True(t, waitAck(t, agent, "t1").OK)

	require.NoError(t, agent.Close())

	left := waitFor(t, client, EventUserLeft)
	assert.Equal(t, "ag1", left["userId"])
	assert.Eventually(t, func() bool {
		return !env.gw.Registry().IsOnline("ag1") && env.gw.Typing().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, env.gw.Registry().RoomMembers(convID), 1)
}

func TestGateway_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.SendRate = 0.01
		o.SendBurst = 1
	})
	convID := env.enqueue(t, clientOne.UserID)
	client := env.dial(t, clientOne)
	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)

	send(t, client, OpSendMessage, "m1", map[string]any{"content": "one"})
	require.True(t, waitAck(t, client, "m1").OK)
	send(t, client, OpSendMessage, "m2", map[string]any{"content": "two"})
	requireCode(t, waitAck(t, client, "m2"), CodeRateLimit)
}

func TestGateway_DuplicateSendReturnsOriginal(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)
	client := env.dial(t, clientOne)
	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)

	payload := map[string]any{"content": "hello", "clientMessageId": "local-1"}
	send(t, client, OpSendMessage, "m1", payload)
	first := waitAck(t, client, "m1")
	require.True(t, first.OK)

	send(t, client, OpSendMessage, "m2", payload)
	second := waitAck(t, client, "m2")
	require.True(t, second.OK)
	assert.Equal(t, first.data["messageId"], second.data["messageId"])
	assert.Equal(t, true, second.data["duplicate"])

	msgs, err := env.store.ListMessages(context.Background(), convID, store.MessageQuery{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestGateway_GetQueuePosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.enqueue(t, "someone-else")
	convID := env.enqueue(t, clientOne.UserID)
	client := env.dial(t, clientOne)

	send(t, client, OpGetQueuePosition, "q0", nil)
	outside := waitAck(t, client, "q0")
	require.True(t, outside.OK)
	assert.EqualValues(t, -1, outside.data["position"])

	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)

	send(t, client, OpGetQueuePosition, "q1", nil)
	inside := waitAck(t, client, "q1")
	require.True(t, inside.OK)
	assert.EqualValues(t, 2, inside.data["position"])
	assert.EqualValues(t, 10, inside.data["estimatedWait"])
}

func TestGateway_LobbyReceivesQueueUpdates(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.dial(t, agentOne)

	convID := env.enqueue(t, clientOne.UserID)
	update := waitFor(t, agent, EventQueueUpdate)
	assert.Equal(t, convID, update["conversationId"])
	assert.EqualValues(t, 1, update["position"])
}

func TestGateway_ReceiptsAndReactions(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)

	client := env.dial(t, clientOne)
	send(t, client, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, client, "j1").OK)
	agent := env.dial(t, agentOne)
	send(t, agent, OpJoin, "j2", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, agent, "j2").OK)

	send(t, client, OpSendMessage, "m1", map[string]any{"content": "hello"})
	sent := waitAck(t, client, "m1")
	require.True(t, sent.OK)
	msgID := sent.data["messageId"]

	send(t, agent, OpMarkAsRead, "r1", map[string]any{"messageId": msgID})
	read := waitAck(t, agent, "r1")
	require.True(t, read.OK)
	assert.Equal(t, true, read.data["changed"])
	receipt := waitFor(t, client, EventMessageRead)
	assert.Equal(t, msgID, receipt["messageId"])
	assert.Equal(t, "ag1", receipt["userId"])

	send(t, agent, OpMarkAsDelivered, "r2", map[string]any{"messageId": msgID})
	assert.Equal(t, false, waitAck(t, agent, "r2").data["changed"], "status never regresses")

	send(t, agent, OpAddReaction, "x1", map[string]any{"messageId": msgID, "reaction": "👍"})
	require.True(t, waitAck(t, agent, "x1").OK)
	updated := waitFor(t, client, EventMessageUpdated)
	assert.Equal(t, msgID, updated["id"])

	send(t, agent, OpEditMessage, "e1", map[string]any{"messageId": msgID, "content": "changed"})
	requireCode(t, waitAck(t, agent, "e1"), CodeForbidden)

	send(t, agent, OpDeleteMessage, "d1", map[string]any{"messageId": msgID})
	require.True(t, waitAck(t, agent, "d1").OK, "staff of the company moderate")

	msg, err := env.store.GetMessage(context.Background(), msgID.(string))
	require.NoError(t, err)
	assert.True(t, msg.IsDeleted())
}

func TestGateway_MissingMessageIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	convID := env.enqueue(t, clientOne.UserID)

	agent := env.dial(t, agentOne)
	send(t, agent, OpJoin, "j0", map[string]string{"conversationId": "no-such-conversation"})
	requireCode(t, waitAck(t, agent, "j0"), CodeConversationNotFound)

	send(t, agent, OpJoin, "j1", map[string]string{"conversationId": convID})
	require.True(t, waitAck(t, agent, "j1").OK)

	send(t, agent, OpAddReaction, "x1", map[string]any{"messageId": "no-such-message", "reaction": "👍"})
	requireCode(t, waitAck(t, agent, "x1"), CodeMessageNotFound)

	send(t, agent, OpMarkAsRead, "r1", map[string]any{"messageId": "no-such-message"})
	requireCode(t, waitAck(t, agent, "r1"), CodeMessageNotFound)

	send(t, agent, OpEditMessage, "e1", map[string]any{"messageId": "no-such-message", "content": "x"})
	requireCode(t, waitAck(t, agent, "e1"), CodeMessageNotFound)
}

func TestToOpError_NotFoundCodes(t *testing.T) {
	env := newTestEnv(t, nil)

	// A message removed between the room check and the update.
	err := fmt.Errorf("%w: %w", ingress.ErrMessageNotFound, store.ErrNotFound)
	assert.Equal(t, CodeMessageNotFound, env.gw.toOpError(OpAddReaction, nil, err).code)

	err = fmt.Errorf("loading conversation: %w", store.ErrNotFound)
	assert.Equal(t, CodeConversationNotFound, env.gw.toOpError(OpSendMessage, nil, err).code)
}

func TestGateway_UnknownEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, clientOne)

	send(t, conn, "teleport", "u1", nil)
	requireCode(t, waitAck(t, conn, "u1"), CodeInvalidMessage)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	requireCode(t, waitAck(t, conn, ""), CodeInvalidMessage)
}

func TestOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://chat.example/ws", nil)
	assert.True(t, originAllowed(req, nil), "no origin header")

	req.Header.Set("Origin", "http://chat.example")
	assert.True(t, originAllowed(req, nil))

	req.Header.Set("Origin", "http://other.example")
	assert.False(t, originAllowed(req, nil))
	assert.True(t, originAllowed(req, []string{"http://other.example"}))
	assert.True(t, originAllowed(req, []string{"*"}))
}
