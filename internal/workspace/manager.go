package workspace

import (
	"context"
	"errors"
	"sync"

	"github.com/lumenclass/marginalia/backend/internal/annotation"
	"github.com/lumenclass/marginalia/backend/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("store service is required")
	noOpLogger      = zap.NewNop()
)

// ManagerConfig describes the dependencies of the workspace arena.
type ManagerConfig struct {
	Store  *store.Service
	Logger *zap.Logger
}

type entry struct {
	doc  *annotation.Doc
	refs int
}

// Manager is an arena of live replicated documents keyed by workspace id.
// Every connection viewing a workspace shares the same Doc instance; the
// entry is evicted once the last reference is released and its state flushed.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   *store.Service
	logger  *zap.Logger
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		entries: make(map[string]*entry),
		store:   cfg.Store,
		logger:  logger,
	}, nil
}

// Acquire returns the live document for a workspace, loading the persisted
// state on first use. Each Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, workspaceID string) (*annotation.Doc, error) {
	m.mu.Lock()
	if existing, ok := m.entries[workspaceID]; ok {
		existing.refs++
		doc := existing.doc
		m.mu.Unlock()
		return doc, nil
	}
	m.mu.Unlock()

	state, err := m.store.LoadWorkspaceState(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	doc := annotation.NewDoc(annotation.DocConfig{})
	if len(state) > 0 {
		if err := doc.ApplyState(state); err != nil {
			m.logger.Error("workspace state load failed",
				zap.String("workspace_id", workspaceID),
				zap.Error(err))
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[workspaceID]; ok {
		// Lost the load race; the winner's document is canonical.
		existing.refs++
		return existing.doc, nil
	}
	m.entries[workspaceID] = &entry{doc: doc, refs: 1}
	return doc, nil
}

// Release drops one reference. The last release flushes the document state
// and evicts the entry.
func (m *Manager) Release(ctx context.Context, workspaceID string) {
	m.mu.Lock()
	current, ok := m.entries[workspaceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	current.refs--
	if current.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, workspaceID)
	m.mu.Unlock()

	if err := m.flushDoc(ctx, workspaceID, current.doc); err != nil {
		m.logger.Error("workspace state flush failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}

// Flush persists the current state of a live workspace document.
func (m *Manager) Flush(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	current, ok := m.entries[workspaceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.flushDoc(ctx, workspaceID, current.doc)
}

func (m *Manager) flushDoc(ctx context.Context, workspaceID string, doc *annotation.Doc) error {
	state, err := doc.EncodeState()
	if err != nil {
		return err
	}
	return m.store.SaveWorkspaceState(ctx, workspaceID, state)
}

// Live reports how many workspaces currently have a resident document.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
