// Package file backs the session store with one JSON file per session.
package file

import (
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// SessionStore wraps sessions.Manager to implement store.SessionStore.
type SessionStore struct {
	mgr *sessions.Manager
}

func NewSessionStore(mgr *sessions.Manager) *SessionStore {
	return &SessionStore{mgr: mgr}
}

func (f *SessionStore) GetOrCreate(key string) *store.SessionData {
	s := f.mgr.GetOrCreate(key)
	return &store.SessionData{
		Key:          s.Key,
		Messages:     s.Messages,
		Created:      s.Created,
		Updated:      s.Updated,
		Model:        s.Model,
		Provider:     s.Provider,
		Channel:      s.Channel,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
	}
}

func (f *SessionStore) AddMessage(key string, msg providers.Message) {
	f.mgr.AddMessage(key, msg)
}

func (f *SessionStore) GetHistory(key string) []providers.Message {
	return f.mgr.GetHistory(key)
}

func (f *SessionStore) UpdateMetadata(key, model, provider, channel string) {
	f.mgr.UpdateMetadata(key, model, provider, channel)
}

func (f *SessionStore) AccumulateTokens(key string, input, output int64) {
	f.mgr.AccumulateTokens(key, input, output)
}

func (f *SessionStore) TruncateHistory(key string, keepLast int) {
	f.mgr.TruncateHistory(key, keepLast)
}

func (f *SessionStore) Reset(key string) {
	f.mgr.Reset(key)
}

func (f *SessionStore) Delete(key string) error {
	return f.mgr.Delete(key)
}

func (f *SessionStore) List(agentID string) []store.SessionInfo {
	items := f.mgr.List(agentID)
	result := make([]store.SessionInfo, len(items))
	for i, item := range items {
		result[i] = store.SessionInfo{
			Key:          item.Key,
			MessageCount: item.MessageCount,
			Created:      item.Created,
			Updated:      item.Updated,
		}
	}
	return result
}

func (f *SessionStore) Save(key string) error {
	return f.mgr.Save(key)
}

func (f *SessionStore) SaveAll() {
	f.mgr.SaveAll()
}

func (f *SessionStore) LastUsedChannel(agentID string) (string, string) {
	return f.mgr.LastUsedChannel(agentID)
}

func (f *SessionStore) Close() error { return nil }
