package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/store"
)

var (
	client1 = auth.Identity{UserID: "client-1", Role: auth.RoleClient, CompanyID: "co1", Name: "Ana"}
	client2 = auth.Identity{UserID: "client-2", Role: auth.RoleClient, CompanyID: "co1"}
	agent1  = auth.Identity{UserID: "ag1", Role: auth.RoleAgent, CompanyID: "co1", Name: "Bia"}
	agent2  = auth.Identity{UserID: "ag2", Role: auth.RoleAgent, CompanyID: "co2"}
	admin1  = auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin, CompanyID: "co1"}
	admin2  = auth.Identity{UserID: "admin-2", Role: auth.RoleAdmin, CompanyID: "co2"}
	manager = auth.Identity{UserID: "mgr-1", Role: auth.RoleManager, CompanyID: "co1"}
)

func (ts *testServer) do(t *testing.T, method, path, token string, body any, header ...string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (ts *testServer) startChat(t *testing.T, token string, body map[string]any) string {
	t.Helper()
	status, raw := ts.do(t, http.MethodPost, "/api/chats/start", token, body)
	require.Equal(t, http.StatusCreated, status, string(raw))
	var res struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(raw, &res))
	return res.ConversationID
}

func TestStartChat(t *testing.T) {
	ts := newTestServer(t)

	status, raw := ts.do(t, http.MethodPost, "/api/chats/start", "",
		map[string]any{"clientName": "Visitor", "initialMessage": "oi"}, "X-Company-ID", "co1")
	require.Equal(t, http.StatusCreated, status, string(raw))
	var res map[string]any
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.EqualValues(t, 1, res["queuePosition"])
	assert.Equal(t, "waiting", res["status"])
	assert.EqualValues(t, 5, res["estimatedWaitTime"])

	id := ts.startChat(t, ts.token(t, client1), map[string]any{})
	conv, err := ts.store.GetConversation(t.Context(), id)
	require.NoError(t, err)
	require.NotNil(t, conv.ClientUserID)
	assert.Equal(t, "client-1", *conv.ClientUserID)
	assert.Equal(t, "co1", conv.CompanyID, "company comes from the token")
	assert.Equal(t, "Ana", conv.ClientName)
	require.NotNil(t, conv.QueuePosition)
	assert.Equal(t, 2, *conv.QueuePosition)
}

func TestStartChat_Errors(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodPost, "/api/chats/start", "", map[string]any{"clientName": "x"})
	assert.Equal(t, http.StatusBadRequest, status, "company is required")

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/chats/start", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueStatus(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startChat(t, "", map[string]any{"companyId": "co1", "initialMessage": "hello"})

	status, raw := ts.do(t, http.MethodGet, "/api/chats/"+id+"/queue-status", "", nil)
	require.Equal(t, http.StatusOK, status)
	var res map[string]any
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.EqualValues(t, 1, res["queuePosition"])
	assert.NotNil(t, res["lastMessage"])

	status, _ = ts.do(t, http.MethodGet, "/api/chats/missing/queue-status", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpdateQueue(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startChat(t, ts.token(t, client1), map[string]any{})
	path := "/api/chats/" + id + "/queue"

	status, _ := ts.do(t, http.MethodPut, path, "", map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodPut, path, ts.token(t, client1), map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusForbidden, status, "clients cannot drive the queue")

	status, _ = ts.do(t, http.MethodPut, path, ts.token(t, agent2), map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusForbidden, status, "agents of another company")

	agentToken := ts.token(t, agent1)
	status, raw := ts.do(t, http.MethodPut, path, agentToken, map[string]any{"status": "assigned", "agentUserId": "ag1"})
	require.Equal(t, http.StatusOK, status, string(raw))
	var conv ConversationResponse
	require.NoError(t, json.Unmarshal(raw, &conv))
	assert.Equal(t, store.StatusAssigned, conv.Status)
	assert.Equal(t, "Bia", conv.AssignedAgentName)
	assert.Nil(t, conv.QueuePosition)

	status, _ = ts.do(t, http.MethodPut, path, agentToken, map[string]any{"status": "open"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ts.do(t, http.MethodPut, path, agentToken, map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPut, "/api/chats/missing/queue", agentToken, map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCompanyQueue(t *testing.T) {
	ts := newTestServer(t)
	first := ts.startChat(t, "", map[string]any{"companyId": "co1", "clientName": "Ana", "initialMessage": "preciso de ajuda"})
	ts.startChat(t, "", map[string]any{"companyId": "co1"})

	status, raw := ts.do(t, http.MethodGet, "/api/chats/company/co1/queue", ts.token(t, agent1), nil)
	require.Equal(t, http.StatusOK, status)
	var res QueueResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Queue, 2)
	assert.Equal(t, first, res.Queue[0].ConversationID)
	assert.Equal(t, "Ana", res.Queue[0].ClientName)
	assert.Equal(t, "preciso de ajuda", res.Queue[0].LastMessage)

	status, _ = ts.do(t, http.MethodGet, "/api/chats/company/co1/queue", ts.token(t, agent2), nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestListMessages(t *testing.T) {
	ts := newTestServer(t)
	ownerToken := ts.token(t, client1)
	id := ts.startChat(t, ownerToken, map[string]any{"initialMessage": "hello"})
	path := "/api/chats/" + id + "/messages"

	status, _ := ts.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, raw := ts.do(t, http.MethodGet, path, ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	var res MessagesResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "hello", res.Messages[0].Content)
	assert.Equal(t, "client-1", res.Messages[0].Sender.ID)
	assert.Equal(t, 50, res.Limit)

	status, _ = ts.do(t, http.MethodGet, path, ts.token(t, client2), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.do(t, http.MethodGet, path, ts.token(t, agent2), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.do(t, http.MethodGet, path+"?limit=0", ownerToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw = ts.do(t, http.MethodGet, path+"?offset=1", ts.token(t, agent1), nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Empty(t, res.Messages)
}

func TestTranscriptAndAudit(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startChat(t, ts.token(t, client1), map[string]any{"initialMessage": "hello"})
	agentToken := ts.token(t, agent1)

	status, _ := ts.do(t, http.MethodPut, "/api/chats/"+id+"/queue", agentToken, map[string]any{"status": "assigned", "agentUserId": "ag1"})
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodPut, "/api/chats/"+id+"/queue", agentToken, map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, status)

	assert.Eventually(t, func() bool {
		_, err := ts.store.GetTranscript(t.Context(), id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "closing snapshots the transcript")

	status, raw := ts.do(t, http.MethodGet, "/api/chats/"+id+"/transcript", agentToken, nil)
	require.Equal(t, http.StatusOK, status)
	var tr map[string]any
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, id, tr["conversationId"])
	assert.Len(t, tr["messages"], 1)

	status, _ = ts.do(t, http.MethodGet, "/api/chats/"+id+"/transcript", ts.token(t, client1), nil)
	assert.Equal(t, http.StatusForbidden, status)

	ts.gw.audit.Wait()
	status, raw = ts.do(t, http.MethodGet, "/api/audit?target_id="+id, ts.token(t, admin1), nil)
	require.Equal(t, http.StatusOK, status)
	var audit struct {
		Entries []AuditEntryResponse `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &audit))
	actions := make([]store.AuditAction, 0, len(audit.Entries))
	for _, e := range audit.Entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []store.AuditAction{store.AuditAssignConversation, store.AuditCloseConversation}, actions)

	status, raw = ts.do(t, http.MethodGet, "/api/audit", ts.token(t, manager), nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &audit))
	assert.Len(t, audit.Entries, 2, "managers read their company's log")

	status, raw = ts.do(t, http.MethodGet, "/api/audit", ts.token(t, admin2), nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &audit))
	assert.Empty(t, audit.Entries, "another company's admin sees nothing")

	status, raw = ts.do(t, http.MethodGet, "/api/audit?target_id="+id, ts.token(t, admin2), nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &audit))
	assert.Empty(t, audit.Entries)

	status, _ = ts.do(t, http.MethodGet, "/api/audit", agentToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.do(t, http.MethodGet, "/api/audit?action=bogus", ts.token(t, admin1), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebSocketRoute(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startChat(t, ts.token(t, client1), map[string]any{"initialMessage": "hello"})

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + ts.token(t, client1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join", "id": "j1", "data": map[string]string{"conversationId": id},
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env struct {
			Event string `json:"event"`
			ID    string `json:"id"`
			Data  struct {
				OK       bool              `json:"ok"`
				Messages []json.RawMessage `json:"messages"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event != "ack" || env.ID != "j1" {
			continue
		}
		assert.True(t, env.Data.OK)
		assert.Len(t, env.Data.Messages, 1)
		break
	}
}
