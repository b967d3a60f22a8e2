// ABOUTME: Realtime Gateway: authenticates WebSocket clients and fans bus events out to rooms
// ABOUTME: One bus subscriber goroutine per instance keeps per-room delivery in publish order

package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/ingress"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/store"
)

// Defaults for zero Options fields.
const (
	DefaultOpTimeout    = 10 * time.Second
	DefaultHistoryLimit = 50
	DefaultPingInterval = 30 * time.Second
)

// Store is what the gateway reads directly.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Messages is the message ingress the gateway delegates to.
type Messages interface {
	SaveMessage(ctx context.Context, req ingress.SaveRequest) (*store.Message, error)
	EditMessage(ctx context.Context, req ingress.EditRequest) (*store.Message, error)
	DeleteMessage(ctx context.Context, messageID, actorID string, moderator bool) (*store.Message, error)
	AddReaction(ctx context.Context, messageID, symbol, userID string) (*store.Message, error)
	RemoveReaction(ctx context.Context, messageID, symbol, userID string) (*store.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status store.MessageStatus) (*store.Message, bool, error)
}

// Queue answers getQueuePosition.
type Queue interface {
	Position(ctx context.Context, conversationID string) (*int, error)
	EstimateWait(position int) int
}

// Options wires a Gateway. Store, Messages, Queue, Bus and Verifier are required.
type Options struct {
	Store    Store
	Messages Messages
	Queue    Queue
	Bus      bus.Bus
	Verifier auth.TokenVerifier
	Registry *Registry      // nil creates one
	Typing   *TypingTracker // nil creates one
	Dedupe   *dedupe.Cache  // nil disables clientMessageId dedupe
	Logger   *slog.Logger

	OpTimeout      time.Duration
	HistoryLimit   int
	SendRate       float64
	SendBurst      int
	PingInterval   time.Duration
	AllowedOrigins []string // empty means same host only
}

// Gateway serves the realtime channel at GET /ws.
type Gateway struct {
	store    Store
	messages Messages
	queue    Queue
	bus      bus.Bus
	verifier auth.TokenVerifier
	registry *Registry
	typing   *TypingTracker
	dedupe   *dedupe.Cache
	limiters *limiterPool
	upgrader websocket.Upgrader
	logger   *slog.Logger

	handlerTable map[string]handlerFunc

	opTimeout    time.Duration
	historyLimit int
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[string]*client

	events    <-chan *bus.Event
	subID     string
	cancelSub context.CancelFunc
	closeOnce sync.Once
}

// New creates a gateway and subscribes it to the bus. Call Run to start
// delivering events and Close to shut it down.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		store:        opts.Store,
		messages:     opts.Messages,
		queue:        opts.Queue,
		bus:          opts.Bus,
		verifier:     opts.Verifier,
		registry:     opts.Registry,
		typing:       opts.Typing,
		dedupe:       opts.Dedupe,
		limiters:     newLimiterPool(opts.SendRate, opts.SendBurst),
		logger:       logger.With("component", "realtime"),
		opTimeout:    opts.OpTimeout,
		historyLimit: opts.HistoryLimit,
		pingInterval: opts.PingInterval,
		clients:      make(map[string]*client),
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	if g.typing == nil {
		g.typing = NewTypingTracker()
	}
	if g.opTimeout <= 0 {
		g.opTimeout = DefaultOpTimeout
	}
	if g.historyLimit <= 0 {
		g.historyLimit = DefaultHistoryLimit
	}
	if g.pingInterval <= 0 {
		g.pingInterval = DefaultPingInterval
	}
	g.handlerTable = g.handlers()
	origins := slices.Clone(opts.AllowedOrigins)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(r, origins) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancelSub = cancel
	g.events, g.subID = g.bus.Subscribe(ctx, bus.AllTopics...)
	return g
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Typing exposes the typing tracker.
func (g *Gateway) Typing() *TypingTracker { return g.typing }

// originAllowed accepts requests without an Origin header, origins on the
// allow list and, when the list is empty, origins matching the request host.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		return slices.ContainsFunc(allowed, func(a string) bool {
			return a == "*" || strings.EqualFold(a, origin)
		})
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// Authentication failures are reported over the socket, then the socket is
// closed with a policy-violation code.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	identity, reason := g.authenticate(r)
	if identity == nil {
		g.reject(conn, reason)
		return
	}

	c := newClient(uuid.New().String(), identity, conn)
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	g.registry.AddConnection(Member{
		ConnID:    c.id,
		UserID:    identity.UserID,
		Name:      identity.Name,
		Role:      identity.Role,
		CompanyID: identity.CompanyID,
	})
	metrics.ConnectionsActive.Inc()

	g.logger.Info("client connected",
		"connection_id", c.id,
		"user_id", identity.UserID,
		"role", identity.Role)

	go c.writePump(g.pingInterval)
	c.readPump(g.pingInterval, func(frame []byte) { g.dispatch(c, frame) })
	g.disconnect(c)
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Identity, string) {
	token, errMsg := auth.ExtractToken(r)
	if errMsg != "" {
		return nil, "authentication required"
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		return nil, "invalid token"
	}
	return identity, ""
}

func (g *Gateway) reject(conn *websocket.Conn, reason string) {
	defer conn.Close()
	frame, err := eventFrame(EventError, "", ErrorBody{Code: CodeUnauthorized, Message: reason})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	g.logger.Info("rejected unauthenticated connection", "reason", reason)
}

// disconnect runs once per connection regardless of in-flight operations:
// registry removal, typing cleanup and a userLeft broadcast.
func (g *Gateway) disconnect(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c.id]
	delete(g.clients, c.id)
	g.mu.Unlock()
	c.shutdown()
	if !ok {
		return
	}

	userID, room := g.registry.RemoveConnection(c.id)
	metrics.ConnectionsActive.Dec()
	if room != "" {
		g.leaveRoom(context.Background(), c, room)
	}
	if userID != "" && !g.registry.IsOnline(userID) {
		g.limiters.forget(userID)
	}

	g.logger.Info("client disconnected",
		"connection_id", c.id,
		"user_id", c.identity.UserID,
		"room", room)
}

// leaveRoom clears typing state in room and tells the remaining members.
// The registry must already have been updated.
func (g *Gateway) leaveRoom(ctx context.Context, c *client, room string) {
	if g.typing.Stop(room, c.id) {
		g.publishRoom(ctx, room, EventTyping, c.id, typingEvent{UserID: c.identity.UserID, IsTyping: false})
	}
	g.publishRoom(ctx, room, EventUserLeft, c.id, presenceEvent{UserID: c.identity.UserID})
}

// publishRoom sends an ephemeral room event through the bus so members on
// other instances receive it too. exclude is a connection id to skip.
func (g *Gateway) publishRoom(ctx context.Context, room, name, exclude string, data any) {
	ev, err := bus.NewEvent(bus.TopicRoom, room, "", data)
	if err != nil {
		g.logger.Error("building room event", "event", name, "error", err)
		return
	}
	ev.Name = name
	ev.ExcludeConn = exclude
	if err := g.bus.Publish(ctx, ev); err != nil {
		g.logger.Warn("publishing room event", "event", name, "room", room, "error", err)
	}
}

// Run delivers bus events to local connections until ctx is done or Close
// is called.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.events:
			if !ok {
				return
			}
			g.deliver(ev)
		}
	}
}

func (g *Gateway) deliver(ev *bus.Event) {
	switch ev.Topic {
	case bus.TopicMessageCreated:
		g.toRoom(ev.ConversationID, "", EventMessage, ev.Data)
	case bus.TopicMessageUpdated:
		g.toRoom(ev.ConversationID, "", EventMessageUpdated, ev.Data)
	case bus.TopicConversationAssigned, bus.TopicConversationTransferred:
		g.toRoomAndLobby(ev, EventConversationAssigned)
	case bus.TopicConversationClosed:
		g.toRoomAndLobby(ev, EventConversationClosed)
	case bus.TopicConversationReopened:
		var change bus.ConversationChange
		if err := ev.Decode(&change); err != nil || change.QueuePosition == nil {
			return
		}
		g.toRoomAndLobby(ev, EventQueueUpdate, bus.QueueChange{
			ConversationID: change.ConversationID,
			Position:       *change.QueuePosition,
			EstimatedWait:  g.queue.EstimateWait(*change.QueuePosition),
		})
	case bus.TopicQueueUpdated:
		g.toRoomAndLobby(ev, EventQueueUpdate)
	case bus.TopicRoom:
		if ev.Name != "" {
			g.toRoom(ev.ConversationID, ev.ExcludeConn, ev.Name, ev.Data)
		}
	}
}

// toRoomAndLobby sends to the conversation's room and to the company's
// staff connections that are not in a room. payload overrides ev.Data.
func (g *Gateway) toRoomAndLobby(ev *bus.Event, name string, payload ...any) {
	var data any = ev.Data
	if len(payload) > 0 {
		data = payload[0]
	}
	g.toRoom(ev.ConversationID, "", name, data)
	if ev.CompanyID != "" {
		g.toMembers(g.registry.LobbyStaff(ev.CompanyID), "", name, data)
	}
}

func (g *Gateway) toRoom(room, exclude, name string, data any) {
	if room == "" {
		return
	}
	g.toMembers(g.registry.RoomMembers(room), exclude, name, data)
}

func (g *Gateway) toMembers(members []Member, exclude, name string, data any) {
	if len(members) == 0 {
		return
	}
	frame, err := eventFrame(name, "", data)
	if err != nil {
		g.logger.Error("encoding push event", "event", name, "error", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range members {
		if m.ConnID == exclude {
			continue
		}
		c, ok := g.clients[m.ConnID]
		if !ok {
			continue
		}
		if !c.push(frame) {
			g.logger.Warn("dropped event for slow connection",
				"event", name,
				"connection_id", c.id,
				"user_id", c.identity.UserID)
		}
	}
}

// Close disconnects every client and stops the bus subscription.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancelSub()
		g.bus.Unsubscribe(g.subID)

		g.mu.RLock()
		clients := make([]*client, 0, len(g.clients))
		for _, c := range g.clients {
			clients = append(clients, c)
		}
		g.mu.RUnlock()

		for _, c := range clients {
			g.disconnect(c)
		}
	})
}
