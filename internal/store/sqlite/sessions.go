// Package sqlite backs the session store with a single SQLite database.
//
// Sessions are cached in memory and written through as JSON rows, so
// reads never hit the database on the hot path.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/upgrade"
)

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	sessions map[string]*store.SessionData
}

// Open opens (or creates) the database at path and loads all sessions.
func Open(path string) (*SessionStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single conn avoids
	// SQLITE_BUSY under concurrent Save calls.
	db.SetMaxOpenConns(1)

	if _, err := upgrade.Apply(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	s := &SessionStore{
		db:       db,
		sessions: make(map[string]*store.SessionData),
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) loadAll() error {
	rows, err := s.db.Query(`SELECT data FROM sessions`)
	if err != nil {
		return fmt.Errorf("sqlite: load sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var data store.SessionData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			continue
		}
		s.sessions[data.Key] = &data
	}
	return rows.Err()
}

func (s *SessionStore) GetOrCreate(key string) *store.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.sessions[key]; ok {
		return data
	}

	data := &store.SessionData{
		Key:      key,
		Messages: []providers.Message{},
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	s.sessions[key] = data
	return data
}

func (s *SessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[key]
	if !ok {
		data = &store.SessionData{
			Key:      key,
			Messages: []providers.Message{},
			Created:  time.Now(),
		}
		s.sessions[key] = data
	}
	data.Messages = append(data.Messages, msg)
	data.Updated = time.Now()
}

func (s *SessionStore) GetHistory(key string) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(data.Messages))
	copy(msgs, data.Messages)
	return msgs
}

func (s *SessionStore) UpdateMetadata(key, model, provider, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.sessions[key]; ok {
		if model != "" {
			data.Model = model
		}
		if provider != "" {
			data.Provider = provider
		}
		if channel != "" {
			data.Channel = channel
		}
	}
}

func (s *SessionStore) AccumulateTokens(key string, input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.sessions[key]; ok {
		data.InputTokens += input
		data.OutputTokens += output
	}
}

func (s *SessionStore) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[key]
	if !ok {
		return
	}
	if keepLast <= 0 {
		data.Messages = []providers.Message{}
	} else if len(data.Messages) > keepLast {
		data.Messages = data.Messages[len(data.Messages)-keepLast:]
	}
	data.Updated = time.Now()
}

func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.sessions[key]; ok {
		data.Messages = []providers.Message{}
		data.Updated = time.Now()
	}
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	return err
}

func (s *SessionStore) List(agentID string) []store.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []store.SessionInfo
	for key, data := range s.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, store.SessionInfo{
			Key:          key,
			MessageCount: len(data.Messages),
			Created:      data.Created,
			Updated:      data.Updated,
		})
	}
	return result
}

func (s *SessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var bestKey string
	var bestUpdated time.Time

	for key, data := range s.sessions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if strings.HasPrefix(key[len(prefix):], "cron:") {
			continue
		}
		if data.Updated.After(bestUpdated) {
			bestUpdated = data.Updated
			bestKey = key
		}
	}

	if bestKey == "" {
		return "", ""
	}
	parts := strings.SplitN(bestKey, ":", 5)
	if len(parts) >= 5 {
		return parts[2], parts[4]
	}
	return "", ""
}

func (s *SessionStore) Save(key string) error {
	s.mu.RLock()
	data, ok := s.sessions[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	raw, err := json.Marshal(data)
	updated := data.Updated.UnixMilli()
	s.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("sqlite: marshal session: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (key, data, updated) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated = excluded.updated`,
		key, string(raw), updated)
	return err
}

func (s *SessionStore) SaveAll() {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	for _, key := range keys {
		s.Save(key)
	}
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}
