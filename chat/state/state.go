// Package state persists the small amount of client state that outlives
// a session: the credential token, the current user and the chat log.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gosuda/pairchat/chat/history"
)

// Keys of the persisted values.
const (
	KeyToken       = "token"
	KeyCurrentUser = "currentUser"
	KeyChats       = "chats"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("state: key not found")

// Store is a narrow key-value store.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Memory is a map-backed Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Keeper reads and writes the typed client values. Missing keys read as
// zero values.
type Keeper struct {
	store Store
}

func NewKeeper(s Store) *Keeper {
	return &Keeper{store: s}
}

func (k *Keeper) Store() Store { return k.store }

func (k *Keeper) getJSON(key string, v any) (bool, error) {
	raw, err := k.store.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (k *Keeper) setJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := k.store.Set(key, raw); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (k *Keeper) Token() (string, error) {
	var tok string
	_, err := k.getJSON(KeyToken, &tok)
	return tok, err
}

func (k *Keeper) SaveToken(tok string) error {
	return k.setJSON(KeyToken, tok)
}

func (k *Keeper) ClearToken() error {
	return k.store.Delete(KeyToken)
}

func (k *Keeper) CurrentUser() (string, error) {
	var user string
	_, err := k.getJSON(KeyCurrentUser, &user)
	return user, err
}

func (k *Keeper) SaveCurrentUser(user string) error {
	return k.setJSON(KeyCurrentUser, user)
}

func (k *Keeper) Chats() ([]history.Conversation, error) {
	var convs []history.Conversation
	if _, err := k.getJSON(KeyChats, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (k *Keeper) SaveChats(convs []history.Conversation) error {
	return k.setJSON(KeyChats, convs)
}

// Logout forgets the token and the current user. The chat log stays.
func (k *Keeper) Logout() error {
	if err := k.store.Delete(KeyToken); err != nil {
		return err
	}
	return k.store.Delete(KeyCurrentUser)
}
