package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"appforge/pkg/models"
)

// ErrStateNotFound is returned by Load for unknown sessions.
var ErrStateNotFound = errors.New("agent state not found")

// StateStore persists session snapshots.
type StateStore interface {
	Load(ctx context.Context, sessionID string) (*CodeGenState, error)
	Save(ctx context.Context, state *CodeGenState) error
	Delete(ctx context.Context, sessionID string) error
}

// GormStateStore keeps snapshots in the agent_sessions table.
type GormStateStore struct {
	db *gorm.DB
}

// NewGormStateStore creates a store on db. The table must already be migrated.
func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

// Load implements StateStore.
func (s *GormStateStore) Load(ctx context.Context, sessionID string) (*CodeGenState, error) {
	var row models.AgentSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var state CodeGenState
	if err := json.Unmarshal([]byte(row.State), &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

// Save implements StateStore as an upsert.
func (s *GormStateStore) Save(ctx context.Context, state *CodeGenState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.SessionID, err)
	}
	row := models.AgentSession{
		ID:     state.SessionID,
		UserID: state.UserID,
		Query:  state.Query,
		State:  string(raw),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "query", "state", "updated_at"}),
	}).Create(&row).Error
}

// Delete implements StateStore.
func (s *GormStateStore) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Delete(&models.AgentSession{}, "id = ?", sessionID).Error
}

// MemoryStateStore keeps serialised snapshots in memory.
type MemoryStateStore struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{rows: make(map[string][]byte)}
}

// Load implements StateStore.
func (s *MemoryStateStore) Load(ctx context.Context, sessionID string) (*CodeGenState, error) {
	s.mu.RLock()
	raw, ok := s.rows[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStateNotFound
	}
	var state CodeGenState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(ctx context.Context, state *CodeGenState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rows[state.SessionID] = raw
	s.mu.Unlock()
	return nil
}

// Delete implements StateStore.
func (s *MemoryStateStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.rows, sessionID)
	s.mu.Unlock()
	return nil
}
