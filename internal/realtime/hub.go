package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lumenclass/marginalia/backend/internal/annotation"
	"github.com/lumenclass/marginalia/backend/internal/workspace"
	"go.uber.org/zap"
)

var (
	errMissingManager = errors.New("workspace manager is required")
	noOpLogger        = zap.NewNop()
)

const sendBufferSize = 32

// HubConfig describes the dependencies of the synchronization hub.
type HubConfig struct {
	Manager *workspace.Manager
	Logger  *zap.Logger
}

// Hub keeps every connected client's replica converged with the canonical
// per-workspace document. Deltas from one session are applied with that
// session's id as origin and relayed to every other session in the room; the
// originating session never receives its own delta back.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*room
	manager *workspace.Manager
	logger  *zap.Logger
}

type room struct {
	workspaceID string
	doc         *annotation.Doc
	sessions    map[string]*Session
	unobserve   func()
}

// NewHub validates the configuration and returns a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Manager == nil {
		return nil, errMissingManager
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Hub{
		rooms:   make(map[string]*room),
		manager: cfg.Manager,
		logger:  logger,
	}, nil
}

// presenceSnapshot is the control frame sent to a joining client so it can
// render cursors for participants that connected before it. Presence never
// rides in the state snapshot.
type presenceSnapshot struct {
	Type    string                           `json:"type"`
	Clients map[string]annotation.ClientMeta `json:"clients"`
}

// Serve runs a client connection until it disconnects. The caller owns conn;
// Serve closes it on exit. On entry the session receives the full serialized
// document state so it catches up regardless of missed history.
func (h *Hub) Serve(ctx context.Context, workspaceID string, conn *websocket.Conn, name string, color string) error {
	doc, err := h.manager.Acquire(ctx, workspaceID)
	if err != nil {
		conn.Close() //nolint:errcheck
		return err
	}

	session := &Session{
		ID:          uuid.NewString(),
		Name:        name,
		Color:       color,
		workspaceID: workspaceID,
		conn:        conn,
		send:        make(chan outbound, sendBufferSize),
	}

	h.register(workspaceID, doc, session)

	state, err := doc.EncodeState()
	if err != nil {
		h.leave(ctx, session, doc)
		return err
	}
	session.enqueue(outbound{messageType: websocket.BinaryMessage, payload: state})

	snapshot := presenceSnapshot{Type: "presence", Clients: doc.ClientMetaEntries()}
	if encoded, err := json.Marshal(snapshot); err == nil {
		session.enqueue(outbound{messageType: websocket.TextMessage, payload: encoded})
	}

	// Announce this session to everyone else; origin is the session itself
	// so the delta is not echoed back.
	doc.SetClientMeta(session.ID, annotation.ClientMeta{Name: name, Color: color}, session.ID)

	go session.writePump(h.logger)
	session.readPump(ctx, h, doc)

	h.leave(ctx, session, doc)
	return nil
}

func (h *Hub) register(workspaceID string, doc *annotation.Doc, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[workspaceID]
	if !ok {
		current = &room{
			workspaceID: workspaceID,
			doc:         doc,
			sessions:    make(map[string]*Session),
		}
		current.unobserve = doc.Observe(func(update []byte, origin string) {
			h.broadcast(workspaceID, update, origin)
		})
		h.rooms[workspaceID] = current
	}
	current.sessions[session.ID] = session
}

// broadcast relays a delta to every session in the room except its origin.
// Sends are non-blocking: a session whose buffer is full is disconnected so
// one stuck client cannot block delivery to the rest.
func (h *Hub) broadcast(workspaceID string, update []byte, origin string) {
	h.mu.Lock()
	current, ok := h.rooms[workspaceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	recipients := make([]*Session, 0, len(current.sessions))
	for sessionID, session := range current.sessions {
		if sessionID == origin {
			continue
		}
		recipients = append(recipients, session)
	}
	h.mu.Unlock()

	for _, session := range recipients {
		if !session.enqueue(outbound{messageType: websocket.BinaryMessage, payload: update}) {
			h.logger.Warn("dropping slow client",
				zap.String("workspace_id", workspaceID),
				zap.String("connection_id", session.ID))
			session.close()
		}
	}
}

func (h *Hub) leave(ctx context.Context, session *Session, doc *annotation.Doc) {
	h.mu.Lock()
	current, ok := h.rooms[session.workspaceID]
	if ok {
		if _, registered := current.sessions[session.ID]; !registered {
			h.mu.Unlock()
			return
		}
		delete(current.sessions, session.ID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	session.close()

	// Drop the departed client's presence; remaining sessions learn about it
	// through the resulting delta.
	doc.RemoveClientMeta(session.ID, session.ID)

	h.mu.Lock()
	empty := len(current.sessions) == 0
	if empty {
		delete(h.rooms, session.workspaceID)
	}
	h.mu.Unlock()
	if empty && current.unobserve != nil {
		current.unobserve()
	}

	h.manager.Release(ctx, session.workspaceID)
}

// Sessions reports how many sessions are connected to a workspace.
func (h *Hub) Sessions(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[workspaceID]
	if !ok {
		return 0
	}
	return len(current.sessions)
}
